package appstax

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"go.uber.org/zap"
)

const defaultBaseURL = "https://appstax.com/api/latest/"

type Config struct {
	AppKey  string
	BaseURL string

	// Logger receives debug-level request/response and realtime lifecycle
	// logs. Defaults to a no-op logger.
	Logger *zap.Logger

	// HTTPClient overrides the transport used for all requests.
	HTTPClient *http.Client
}

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

func LoadConfig() (Config, error) {
	return LoadConfigFromEnv(osEnv{})
}

func LoadConfigFromEnv(env Env) (Config, error) {
	cfg := Config{
		BaseURL: defaultBaseURL,
	}

	cfg.AppKey = env.Getenv("APPSTAX_APP_KEY")
	if cfg.AppKey == "" {
		return Config{}, fmt.Errorf("APPSTAX_APP_KEY is required")
	}

	if raw := env.Getenv("APPSTAX_BASE_URL"); raw != "" {
		cfg.BaseURL = raw
	}

	if level := env.Getenv("APPSTAX_LOG_LEVEL"); level != "" {
		logger, err := newLogger(level)
		if err != nil {
			return Config{}, err
		}
		cfg.Logger = logger
	}

	return cfg, nil
}

func (c *Config) normalize() error {
	if c.AppKey == "" {
		return fmt.Errorf("appstax: config is missing AppKey")
	}
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if !strings.HasSuffix(c.BaseURL, "/") {
		c.BaseURL += "/"
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	return nil
}
