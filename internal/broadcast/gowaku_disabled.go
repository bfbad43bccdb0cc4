//go:build !real_waku

package broadcast

// The go-waku transport is compiled in only with the real_waku build tag;
// default builds run the mock transport.
func newGoWakuBackend() backend {
	return nil
}
