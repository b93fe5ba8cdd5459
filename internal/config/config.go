package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon's full configuration: a YAML file with environment
// overrides, defaults last. Environment variables win over the file so a
// deployment can pin individual values without editing it.
type Config struct {
	Socket   SocketConfig   `yaml:"socket"`
	Backend  BackendConfig  `yaml:"backend"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Watchers WatcherConfig  `yaml:"watchers"`
	Relay    RelayConfig    `yaml:"relay"`
	Journal  JournalConfig  `yaml:"journal"`
	HTTP     HTTPConfig     `yaml:"http"`
	Session  SessionConfig  `yaml:"session"`
	Debug    bool           `yaml:"debug"`
}

type SocketConfig struct {
	URL         string        `yaml:"url"`
	DialTimeout time.Duration `yaml:"dialTimeout"`
	BackoffBase time.Duration `yaml:"backoffBase"`
	BackoffMax  time.Duration `yaml:"backoffMax"`
}

type BackendConfig struct {
	BaseURL string `yaml:"baseUrl"`
}

type DispatchConfig struct {
	DedupWindow   time.Duration `yaml:"dedupWindow"`
	ToastDuration time.Duration `yaml:"toastDuration"`
	Sound         bool          `yaml:"sound"`
}

type WatcherConfig struct {
	LoadInterval          time.Duration `yaml:"loadInterval"`
	DeliveryOrderInterval time.Duration `yaml:"deliveryOrderInterval"`
	NegotiationInterval   time.Duration `yaml:"negotiationInterval"`
}

type RelayConfig struct {
	Dir string `yaml:"dir"`
}

type JournalConfig struct {
	DSN string `yaml:"dsn"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	RateLimitPerSec float64       `yaml:"rateLimitPerSec"`
	RateLimitBurst  int           `yaml:"rateLimitBurst"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
}

type SessionConfig struct {
	CredentialsFile string        `yaml:"credentialsFile"`
	RecheckInterval time.Duration `yaml:"recheckInterval"`
}

func Default() Config {
	return Config{
		Socket: SocketConfig{
			URL:         "wss://dispatch.freightdesk.io/socket",
			DialTimeout: 10 * time.Second,
			BackoffBase: 500 * time.Millisecond,
			BackoffMax:  30 * time.Second,
		},
		Backend: BackendConfig{
			BaseURL: "https://dispatch.freightdesk.io/api",
		},
		Dispatch: DispatchConfig{
			DedupWindow:   45 * time.Second,
			ToastDuration: 5 * time.Second,
			Sound:         true,
		},
		Watchers: WatcherConfig{
			LoadInterval:          30 * time.Second,
			DeliveryOrderInterval: 30 * time.Second,
			NegotiationInterval:   15 * time.Second,
		},
		Relay: RelayConfig{
			Dir: filepath.Join(os.TempDir(), "notifyhub-relay"),
		},
		HTTP: HTTPConfig{
			Addr:            "127.0.0.1:7380",
			RateLimitPerSec: 20,
			RateLimitBurst:  40,
			ReadTimeout:     10 * time.Second,
		},
		Session: SessionConfig{
			CredentialsFile: defaultCredentialsFile(),
			RecheckInterval: 5 * time.Second,
		},
	}
}

func defaultCredentialsFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "credentials.json"
	}
	return filepath.Join(home, ".notifyhub", "credentials.json")
}

// Load merges defaults, the first readable candidate file, then environment
// overrides.
func Load(configPath string) Config {
	cfg := Default()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates,
			"notifyhub.yaml",
			filepath.Join(string(filepath.Separator), "etc", "notifyhub", "config.yaml"),
		)
	}
	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := yaml.Unmarshal(data, &cfg); err == nil {
			break
		}
	}

	applyEnv(&cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	cfg.Socket.URL = stringEnv("NOTIFYHUB_SOCKET_URL", cfg.Socket.URL)
	cfg.Socket.BackoffBase = durationEnv("NOTIFYHUB_SOCKET_BACKOFF_BASE", cfg.Socket.BackoffBase)
	cfg.Socket.BackoffMax = durationEnv("NOTIFYHUB_SOCKET_BACKOFF_MAX", cfg.Socket.BackoffMax)
	cfg.Backend.BaseURL = stringEnv("NOTIFYHUB_BACKEND_URL", cfg.Backend.BaseURL)
	cfg.Dispatch.DedupWindow = durationEnv("NOTIFYHUB_DEDUP_WINDOW", cfg.Dispatch.DedupWindow)
	cfg.Dispatch.Sound = boolEnv("NOTIFYHUB_SOUND", cfg.Dispatch.Sound)
	cfg.Watchers.LoadInterval = durationEnv("NOTIFYHUB_LOAD_INTERVAL", cfg.Watchers.LoadInterval)
	cfg.Watchers.DeliveryOrderInterval = durationEnv("NOTIFYHUB_DO_INTERVAL", cfg.Watchers.DeliveryOrderInterval)
	cfg.Watchers.NegotiationInterval = durationEnv("NOTIFYHUB_NEGOTIATION_INTERVAL", cfg.Watchers.NegotiationInterval)
	cfg.Relay.Dir = stringEnv("NOTIFYHUB_RELAY_DIR", cfg.Relay.Dir)
	cfg.Journal.DSN = stringEnv("NOTIFYHUB_JOURNAL_DSN", cfg.Journal.DSN)
	cfg.HTTP.Addr = stringEnv("NOTIFYHUB_HTTP_ADDR", cfg.HTTP.Addr)
	cfg.HTTP.RateLimitPerSec = floatEnv("NOTIFYHUB_HTTP_RATE_LIMIT", cfg.HTTP.RateLimitPerSec)
	cfg.Session.CredentialsFile = stringEnv("NOTIFYHUB_CREDENTIALS_FILE", cfg.Session.CredentialsFile)
	cfg.Session.RecheckInterval = durationEnv("NOTIFYHUB_SESSION_RECHECK", cfg.Session.RecheckInterval)
	cfg.Debug = boolEnv("NOTIFYHUB_DEBUG", cfg.Debug)
}

func stringEnv(name, fallback string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return raw
	}
	return fallback
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return value
}
