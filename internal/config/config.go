package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultConfigFile = "/etc/open-finance-portal/config/config.yaml"
	configFileEnvVar  = "OPEN_FINANCE_PORTAL_CONFIG"
)

type Config struct {
	Gateway GatewayConfig             `yaml:"gateway" json:"gateway"`
	AI      AIConfig                  `yaml:"ai" json:"ai"`
	Portal  PortalConfig              `yaml:"portal" json:"portal"`
	Session SessionConfig             `yaml:"session" json:"session"`
	Server  ServerConfig              `yaml:"server" json:"server"`
	Catalog map[string]*ServiceConfig `yaml:"catalog" json:"catalog"`
}

func Load() (*Config, error) {
	fileName := defaultConfigFile
	if fn := os.Getenv(configFileEnvVar); fn != "" {
		fileName = fn
	}
	var cfg Config
	f, err := os.Open(fileName)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.ValidateAndInitialize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) ValidateAndInitialize() error {
	// Apply defaults.
	if c.Gateway.Timeout == 0 {
		c.Gateway.Timeout = defaultGatewayTimeout
	}
	if c.AI.BaseURL == "" {
		c.AI.BaseURL = defaultAIBaseURL
	}
	if c.AI.Timeout == 0 {
		c.AI.Timeout = defaultAITimeout
	}
	if c.Portal.AllowedRedirectURLs == nil {
		c.Portal.AllowedRedirectURLs = []string{}
	}
	if c.Portal.PopupMode == "" {
		c.Portal.PopupMode = PopupModeTracker
	}
	if c.Portal.PopupTimeout == 0 {
		c.Portal.PopupTimeout = defaultPopupTimeout
	}
	if c.Portal.PollInterval == 0 {
		c.Portal.PollInterval = defaultPollInterval
	}
	if c.Session.Backend == "" {
		c.Session.Backend = SessionBackendCookie
	}
	if c.Session.IdleTimeout == 0 {
		c.Session.IdleTimeout = defaultIdleTimeout
	}
	if c.Session.Redis.KeyPrefix == "" {
		c.Session.Redis.KeyPrefix = defaultRedisKeyPrefix
	}
	if c.Server.Addr == "" {
		c.Server.Addr = defaultServerAddr
	}
	if c.Catalog == nil {
		catalog, err := DefaultCatalog()
		if err != nil {
			return fmt.Errorf("failed to load default catalog: %w", err)
		}
		c.Catalog = catalog
	}

	// Validate required fields.
	if c.Gateway.BaseURL == "" {
		return fmt.Errorf("gateway.baseURL must be set")
	}
	if c.Portal.BaseURL == "" {
		return fmt.Errorf("portal.baseURL must be set")
	}
	origin, err := originOf(c.Portal.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid portal.baseURL: %w", err)
	}
	if c.Portal.AllowedOrigins == nil {
		c.Portal.AllowedOrigins = []string{origin}
	}
	for i, o := range c.Portal.AllowedOrigins {
		c.Portal.AllowedOrigins[i] = strings.TrimSuffix(strings.ToLower(o), "/")
	}
	switch c.Portal.PopupMode {
	case PopupModeTracker, PopupModeBrowser:
	default:
		return fmt.Errorf("unsupported portal.popupMode: %s", c.Portal.PopupMode)
	}
	switch c.Session.Backend {
	case SessionBackendCookie, SessionBackendMemory:
	case SessionBackendRedis:
		if c.Session.Redis.Addr == "" {
			return fmt.Errorf("session.redis.addr must be set for the redis backend")
		}
	default:
		return fmt.Errorf("unsupported session.backend: %s", c.Session.Backend)
	}
	if c.Portal.PollInterval < time.Millisecond {
		return fmt.Errorf("portal.pollInterval must be at least 1ms")
	}
	for key, svc := range c.Catalog {
		if svc == nil {
			return fmt.Errorf("catalog.%s is empty", key)
		}
		for i, sub := range svc.SubServices {
			if sub.ID == "" {
				return fmt.Errorf("id is empty for catalog.%s.subServices[%d]", key, i)
			}
		}
	}

	// Compile regular expressions.
	if err := buildRegexList(c.Portal.AllowedRedirectURLs, &c.Portal.regexAllowedRedirectURLs); err != nil {
		return fmt.Errorf("failed to build regex list for allowed redirect URLs: %w", err)
	}
	if err := buildPrefixList(c.Portal.TrustedProxies, &c.Portal.trustedProxies); err != nil {
		return fmt.Errorf("invalid portal.trustedProxies: %w", err)
	}

	return nil
}

func buildRegexList(in []string, out *[]*regexp.Regexp) error {
	for _, s := range in {
		r, err := regexp.Compile(s)
		if err != nil {
			return fmt.Errorf("failed to compile regex '%s': %w", s, err)
		}
		*out = append(*out, r)
	}
	return nil
}

func originOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("'%s' is not an absolute URL", rawURL)
	}
	return strings.ToLower(u.Scheme + "://" + u.Host), nil
}
