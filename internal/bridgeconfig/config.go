package bridgeconfig

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Sewef/macroHero-sub001/internal/broadcast"
	"github.com/Sewef/macroHero-sub001/internal/callbus"
	"github.com/Sewef/macroHero-sub001/internal/statecache"
	"github.com/Sewef/macroHero-sub001/pkg/models"

	"gopkg.in/yaml.v3"
)

// Config is the assembled daemon configuration: broadcast transport, call
// bus tuning, and durable storage location. The storage secret is never read
// from the file; see Secret.
type Config struct {
	Network broadcast.Config
	Bridge  BridgeConfig
	Storage StorageConfig
}

type BridgeConfig struct {
	Domain      string
	RoomID      string
	CallTimeout time.Duration
	QuietPeriod time.Duration
	CallRPS     float64
	CallBurst   int
}

type StorageConfig struct {
	Path         string
	IdentityPath string
}

type FileConfig struct {
	Network NetworkFileConfig `yaml:"network"`
	Bridge  BridgeFileConfig  `yaml:"bridge"`
	Storage StorageFileConfig `yaml:"storage"`
}

type NetworkFileConfig struct {
	Transport           string        `yaml:"transport"`
	Port                int           `yaml:"port"`
	AdvertiseAddress    string        `yaml:"advertiseAddress"`
	EnableRelay         *bool         `yaml:"enableRelay"`
	BootstrapNodes      []string      `yaml:"bootstrapNodes"`
	PeerFailover        *bool         `yaml:"peerFailover"`
	MinPeers            int           `yaml:"minPeers"`
	ReconnectInterval   time.Duration `yaml:"reconnectInterval"`
	ReconnectBackoffMax time.Duration `yaml:"reconnectBackoffMax"`
}

type BridgeFileConfig struct {
	Domain      string        `yaml:"domain"`
	RoomID      string        `yaml:"roomId"`
	CallTimeout time.Duration `yaml:"callTimeout"`
	QuietPeriod time.Duration `yaml:"debounceQuietPeriod"`
	CallRPS     float64       `yaml:"callRatePerSecond"`
	CallBurst   int           `yaml:"callBurst"`
}

type StorageFileConfig struct {
	Path         string `yaml:"path"`
	IdentityPath string `yaml:"identityPath"`
}

func Default() Config {
	return Config{
		Network: broadcast.DefaultConfig(),
		Bridge: BridgeConfig{
			Domain:      models.DefaultDomain,
			RoomID:      "default",
			CallTimeout: callbus.DefaultCallTimeout,
			QuietPeriod: statecache.DefaultQuietPeriod,
		},
	}
}

// LoadFromPath reads the yaml config, falling back to well-known locations
// and then to defaults, and applies environment overrides last.
func LoadFromPath(configPath string) Config {
	cfg := Default()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates,
			"configs/bridged.yaml",
			"bridged.yaml",
		)
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		var parsed FileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}

		merged := cfg
		Merge(&merged, parsed)
		ApplyEnvOverrides(&merged)
		return merged
	}

	ApplyEnvOverrides(&cfg)
	return cfg
}

func Merge(dst *Config, src FileConfig) {
	if src.Network.Transport != "" {
		dst.Network.Transport = src.Network.Transport
	}
	if src.Network.Port != 0 {
		dst.Network.Port = src.Network.Port
	}
	if src.Network.AdvertiseAddress != "" {
		dst.Network.AdvertiseAddress = src.Network.AdvertiseAddress
	}
	if src.Network.EnableRelay != nil {
		dst.Network.EnableRelay = *src.Network.EnableRelay
	}
	if src.Network.BootstrapNodes != nil {
		dst.Network.BootstrapNodes = src.Network.BootstrapNodes
	}
	if src.Network.PeerFailover != nil {
		dst.Network.PeerFailover = *src.Network.PeerFailover
	}
	if src.Network.MinPeers != 0 {
		dst.Network.MinPeers = src.Network.MinPeers
	}
	if src.Network.ReconnectInterval != 0 {
		dst.Network.ReconnectInterval = src.Network.ReconnectInterval
	}
	if src.Network.ReconnectBackoffMax != 0 {
		dst.Network.ReconnectBackoffMax = src.Network.ReconnectBackoffMax
	}

	if src.Bridge.Domain != "" {
		dst.Bridge.Domain = src.Bridge.Domain
		dst.Network.Domain = src.Bridge.Domain
	}
	if src.Bridge.RoomID != "" {
		dst.Bridge.RoomID = src.Bridge.RoomID
	}
	if src.Bridge.CallTimeout > 0 {
		dst.Bridge.CallTimeout = src.Bridge.CallTimeout
	}
	if src.Bridge.QuietPeriod > 0 {
		dst.Bridge.QuietPeriod = src.Bridge.QuietPeriod
	}
	if src.Bridge.CallRPS > 0 {
		dst.Bridge.CallRPS = src.Bridge.CallRPS
	}
	if src.Bridge.CallBurst > 0 {
		dst.Bridge.CallBurst = src.Bridge.CallBurst
	}

	if src.Storage.Path != "" {
		dst.Storage.Path = src.Storage.Path
	}
	if src.Storage.IdentityPath != "" {
		dst.Storage.IdentityPath = src.Storage.IdentityPath
	}
}

func ApplyEnvOverrides(cfg *Config) {
	if transport := strings.TrimSpace(os.Getenv("MH_NETWORK_TRANSPORT")); transport != "" {
		cfg.Network.Transport = transport
	}
	if room := strings.TrimSpace(os.Getenv("MH_ROOM_ID")); room != "" {
		cfg.Bridge.RoomID = room
	}
	if domain := strings.TrimSpace(os.Getenv("MH_DOMAIN")); domain != "" {
		cfg.Bridge.Domain = domain
		cfg.Network.Domain = domain
	}
	if raw := strings.TrimSpace(os.Getenv("MH_CALL_TIMEOUT")); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			cfg.Bridge.CallTimeout = d
		}
	}
	if raw := strings.TrimSpace(os.Getenv("MH_DEBOUNCE_QUIET_PERIOD")); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			cfg.Bridge.QuietPeriod = d
		}
	}
	if raw := strings.TrimSpace(os.Getenv("MH_CALL_RPS")); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil && v > 0 {
			cfg.Bridge.CallRPS = v
		}
	}
}

// Secret returns the storage passphrase. Environment only, never the yaml
// file.
func Secret() string {
	return strings.TrimSpace(os.Getenv("MH_STORAGE_SECRET"))
}
