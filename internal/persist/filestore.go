package persist

import (
	"encoding/json"
	"errors"
	"io/fs"
	"strings"
	"sync"

	"github.com/Sewef/macroHero-sub001/internal/securestore"
)

// FileStore keeps all entries in one encrypted snapshot file. Every Set and
// Remove rewrites the snapshot; Get serves from the in-memory copy loaded on
// first access.
type FileStore struct {
	path     string
	secret   string
	maxBytes int64

	mu      sync.Mutex
	loaded  bool
	entries map[string]string
}

// NewFileStore opens an encrypted file store. maxBytes approximately caps
// the snapshot by summing raw key and value bytes; JSON framing and the
// encryption envelope add a little on top. Zero means unlimited.
func NewFileStore(path, secret string, maxBytes int64) (*FileStore, error) {
	if !securestore.IsStorageConfigured(path, secret) {
		return nil, errors.New("persist: file store requires a path and a secret")
	}
	return &FileStore{
		path:     strings.TrimSpace(path),
		secret:   strings.TrimSpace(secret),
		maxBytes: maxBytes,
	}, nil
}

func (f *FileStore) Get(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.loadLocked(); err != nil {
		return "", false
	}
	value, ok := f.entries[key]
	return value, ok
}

func (f *FileStore) Set(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.loadLocked(); err != nil {
		return err
	}
	if f.maxBytes > 0 {
		if size := f.snapshotSizeLocked(key, value); size > f.maxBytes {
			return ErrQuotaExceeded
		}
	}
	previous, had := f.entries[key]
	f.entries[key] = value
	if err := f.persistLocked(); err != nil {
		if had {
			f.entries[key] = previous
		} else {
			delete(f.entries, key)
		}
		return err
	}
	return nil
}

func (f *FileStore) Remove(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.loadLocked(); err != nil {
		return err
	}
	previous, had := f.entries[key]
	if !had {
		return nil
	}
	delete(f.entries, key)
	if err := f.persistLocked(); err != nil {
		f.entries[key] = previous
		return err
	}
	return nil
}

func (f *FileStore) loadLocked() error {
	if f.loaded {
		return nil
	}
	f.entries = make(map[string]string)
	raw, err := securestore.ReadDecryptedFile(f.path, f.secret)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			f.loaded = true
			return nil
		}
		return err
	}
	var snapshot map[string]string
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return err
	}
	if snapshot != nil {
		f.entries = snapshot
	}
	f.loaded = true
	return nil
}

func (f *FileStore) persistLocked() error {
	return securestore.WriteEncryptedJSON(f.path, f.secret, f.entries)
}

func (f *FileStore) snapshotSizeLocked(key, value string) int64 {
	var size int64
	for k, v := range f.entries {
		if k == key {
			continue
		}
		size += int64(len(k) + len(v))
	}
	return size + int64(len(key)+len(value))
}
