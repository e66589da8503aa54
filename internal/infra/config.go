package infra

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv           string
	Port             string
	DefaultSessionID string
	DefaultLocale    string
	GeoIPDBPath      string

	JimengBaseURL string
	ImageXBaseURL string
	APITimeout    time.Duration

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
	CORSOrigins      []string
	MaxUploadBytes   int64
	MaxUploadFiles   int
	UploadTimeout    time.Duration
	ProxyHosts       []string

	ChromePath         string
	BrowserIdleTimeout time.Duration
	BrowserReadyWait   time.Duration
	BrowserReadyChecks []string
	ScriptAllowlist    []string

	JobTTL          time.Duration
	JobRetention    time.Duration
	PollMaxAttempts int
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	sessionID := os.Getenv("DEFAULT_SESSION_ID")
	if sessionID == "" {
		sessionID = os.Getenv("VITE_DEFAULT_SESSION_ID")
	}
	cfg := &Config{
		AppEnv:           getEnv("APP_ENV", "development"),
		Port:             getEnv("PORT", "3001"),
		DefaultSessionID: strings.TrimSpace(sessionID),
		DefaultLocale:    getEnv("APP_LOCALE", "zh"),
		GeoIPDBPath:      os.Getenv("GEOIP_DB_PATH"),

		JimengBaseURL: strings.TrimRight(getEnv("JIMENG_BASE_URL", "https://jimeng.jianying.com"), "/"),
		ImageXBaseURL: strings.TrimRight(getEnv("IMAGEX_BASE_URL", "https://imagex.bytedanceapi.com"), "/"),
		APITimeout:    time.Second * time.Duration(getEnvInt("API_TIMEOUT_SECONDS", 45)),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 0)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		CORSOrigins:      getEnvList("CORS_ALLOWED_ORIGINS", ",", []string{"*"}),
		MaxUploadBytes:   int64(getEnvInt("MAX_UPLOAD_MB", 20)) << 20,
		MaxUploadFiles:   getEnvInt("MAX_UPLOAD_FILES", 5),
		UploadTimeout:    time.Second * time.Duration(getEnvInt("UPLOAD_READ_TIMEOUT_SECONDS", 300)),
		ProxyHosts:       getEnvList("VIDEO_PROXY_ALLOWED_HOSTS", ",", nil),

		ChromePath:         os.Getenv("CHROME_PATH"),
		BrowserIdleTimeout: time.Minute * time.Duration(getEnvInt("BROWSER_IDLE_MINUTES", 10)),
		BrowserReadyWait:   time.Second * time.Duration(getEnvInt("BROWSER_READY_TIMEOUT_SECONDS", 30)),
		BrowserReadyChecks: getEnvList("BROWSER_READY_CHECKS", "||", nil),
		ScriptAllowlist:    getEnvList("BROWSER_SCRIPT_ALLOWLIST", ",", nil),

		JobTTL:          time.Minute * time.Duration(getEnvInt("JOB_TTL_MINUTES", 30)),
		JobRetention:    time.Minute * time.Duration(getEnvInt("JOB_RETENTION_MINUTES", 5)),
		PollMaxAttempts: getEnvInt("POLL_MAX_ATTEMPTS", 60),
	}

	for name, raw := range map[string]string{
		"JIMENG_BASE_URL": cfg.JimengBaseURL,
		"IMAGEX_BASE_URL": cfg.ImageXBaseURL,
	} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("%s must be an absolute URL, got %q", name, raw)
		}
	}
	if cfg.MaxUploadBytes <= 0 || cfg.MaxUploadFiles <= 0 {
		return nil, fmt.Errorf("MAX_UPLOAD_MB and MAX_UPLOAD_FILES must be positive")
	}
	if cfg.PollMaxAttempts <= 0 {
		return nil, fmt.Errorf("POLL_MAX_ATTEMPTS must be positive")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvList(key, sep string, fallback []string) []string {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(raw, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
