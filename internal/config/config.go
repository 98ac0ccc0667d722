package config

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// OAuthApp holds the client credentials for one provider's OAuth application.
type OAuthApp struct {
	ClientID     string
	ClientSecret string
}

type Config struct {
	ListenAddr string
	BaseURL    string

	DB struct {
		DSN string
	}

	// EncryptionKey is the 32-byte AES-256 key used to encrypt provider
	// tokens at rest. Loaded once; never read from the environment again.
	EncryptionKey []byte

	// Providers maps a provider identifier ("slack", "notion", "asana") to
	// its OAuth application credentials. Providers without credentials are
	// not offered for connection.
	Providers map[string]OAuthApp

	OIDC struct {
		ClientID     string
		ClientSecret string
		IssuerURL    string
		RedirectPath string
	}

	Session struct {
		Secret string
	}

	Sync struct {
		// Secret is the shared bearer value the scheduled trigger must
		// present. Empty means the trigger endpoint rejects everything.
		Secret string
		// BackoffBase is the delay after the first consecutive failure.
		BackoffBase time.Duration
		// BackoffCap bounds the exponential backoff growth.
		BackoffCap time.Duration
		// BatchLimit bounds how many accounts one pass may consider.
		BatchLimit int
		// RequestTimeout bounds each outbound provider call.
		RequestTimeout time.Duration
	}

	PrometheusEnabled bool
	TrustedProxies    []string
}

func Load() (*Config, error) {
	cfg := &Config{}

	cfg.ListenAddr = getenvDefault("APP_LISTEN_ADDR", ":8080")
	cfg.BaseURL = getenvDefault("APP_BASE_URL", "http://localhost:8080")
	cfg.DB.DSN = os.Getenv("APP_DB_DSN")

	if cfg.DB.DSN == "" {
		host := os.Getenv("APP_DB_HOST")
		name := os.Getenv("APP_DB_NAME")
		user := os.Getenv("APP_DB_USER")
		password := os.Getenv("APP_DB_PASSWORD")
		port := getenvDefault("APP_DB_PORT", "5432")
		sslmode := getenvDefault("APP_DB_SSLMODE", "disable")

		if host != "" && name != "" && user != "" && password != "" {
			cfg.DB.DSN = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, password, host, port, name, sslmode)
		}
	}

	key, err := decodeKey(os.Getenv("APP_ENCRYPTION_KEY"))
	if err != nil {
		return nil, err
	}
	cfg.EncryptionKey = key

	cfg.Providers = map[string]OAuthApp{}
	for _, p := range []string{"slack", "notion", "asana"} {
		prefix := "APP_" + strings.ToUpper(p)
		id := os.Getenv(prefix + "_CLIENT_ID")
		secret := os.Getenv(prefix + "_CLIENT_SECRET")
		if id == "" && secret == "" {
			continue
		}
		if id == "" || secret == "" {
			return nil, fmt.Errorf("%s oauth configuration is incomplete: client id and secret are both required", p)
		}
		cfg.Providers[p] = OAuthApp{ClientID: id, ClientSecret: secret}
	}

	cfg.OIDC.ClientID = os.Getenv("APP_OIDC_CLIENT_ID")
	cfg.OIDC.ClientSecret = os.Getenv("APP_OIDC_CLIENT_SECRET")
	cfg.OIDC.IssuerURL = os.Getenv("APP_OIDC_ISSUER_URL")
	cfg.OIDC.RedirectPath = getenvDefault("APP_OIDC_REDIRECT_PATH", "/auth/callback")
	cfg.Session.Secret = os.Getenv("APP_SESSION_SECRET")

	cfg.Sync.Secret = os.Getenv("APP_SYNC_SECRET")
	cfg.Sync.BackoffBase = getenvDuration("APP_SYNC_BACKOFF_BASE", 5*time.Minute)
	cfg.Sync.BackoffCap = getenvDuration("APP_SYNC_BACKOFF_CAP", 6*time.Hour)
	cfg.Sync.BatchLimit = getenvInt("APP_SYNC_BATCH_LIMIT", 5000)
	cfg.Sync.RequestTimeout = getenvDuration("APP_SYNC_REQUEST_TIMEOUT", 30*time.Second)

	cfg.PrometheusEnabled = getenvBool("APP_PROMETHEUS_ENDPOINT_ENABLED", false)
	cfg.TrustedProxies = getenvList("APP_TRUSTED_PROXIES")

	if cfg.DB.DSN == "" {
		return nil, errors.New("APP_DB_DSN is required (or set APP_DB_HOST, APP_DB_NAME, APP_DB_USER, and APP_DB_PASSWORD)")
	}
	if len(cfg.Providers) == 0 {
		return nil, errors.New("at least one provider oauth app is required (APP_SLACK_*, APP_NOTION_*, or APP_ASANA_*)")
	}
	if cfg.OIDC.ClientID == "" || cfg.OIDC.ClientSecret == "" {
		return nil, errors.New("oidc configuration is required: APP_OIDC_CLIENT_ID and APP_OIDC_CLIENT_SECRET")
	}
	if cfg.OIDC.IssuerURL == "" {
		return nil, errors.New("APP_OIDC_ISSUER_URL is required")
	}
	if cfg.Session.Secret == "" {
		return nil, errors.New("APP_SESSION_SECRET is required")
	}
	if len(cfg.Session.Secret) < 32 {
		return nil, fmt.Errorf("APP_SESSION_SECRET must be at least 32 characters long (got %d)", len(cfg.Session.Secret))
	}
	if cfg.Sync.Secret == "" {
		fmt.Println("WARNING: No APP_SYNC_SECRET configured. The scheduled sync trigger will reject all invocations.")
	}
	if cfg.Sync.BackoffBase <= 0 || cfg.Sync.BackoffCap < cfg.Sync.BackoffBase {
		return nil, errors.New("sync backoff configuration is invalid: base must be positive and cap must be >= base")
	}

	if len(cfg.TrustedProxies) == 0 {
		fmt.Println("WARNING: No APP_TRUSTED_PROXIES configured. TaskMirror will trust all proxies - Not recommended for public environments.")
	}

	return cfg, nil
}

// decodeKey accepts the encryption key as base64 (std or url, padded or raw)
// or hex, and requires exactly 32 decoded bytes.
func decodeKey(raw string) ([]byte, error) {
	if raw == "" {
		return nil, errors.New("APP_ENCRYPTION_KEY is required")
	}
	// A 64-char hex key is also decodable as base64 (to the wrong length),
	// so hex is tried first when the length matches.
	if len(raw) == 64 {
		if key, err := hex.DecodeString(raw); err == nil {
			return key, nil
		}
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding,
		base64.URLEncoding, base64.RawURLEncoding,
	} {
		if key, err := enc.DecodeString(raw); err == nil {
			if len(key) != 32 {
				return nil, fmt.Errorf("APP_ENCRYPTION_KEY must decode to 32 bytes (got %d)", len(key))
			}
			return key, nil
		}
	}
	if key, err := hex.DecodeString(raw); err == nil {
		if len(key) != 32 {
			return nil, fmt.Errorf("APP_ENCRYPTION_KEY must decode to 32 bytes (got %d)", len(key))
		}
		return key, nil
	}
	return nil, errors.New("APP_ENCRYPTION_KEY must be base64 or hex encoded")
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getenvList(key string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, item := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return nil
}
