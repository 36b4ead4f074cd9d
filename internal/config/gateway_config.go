package config

import "time"

const (
	defaultGatewayTimeout = 30 * time.Second
	defaultAIBaseURL      = "http://127.0.0.1:8000"
	defaultAITimeout      = 60 * time.Second
)

// GatewayConfig points at the banking data API gateway that creates
// consents, exchanges authorization codes and serves account resources.
type GatewayConfig struct {
	BaseURL string        `yaml:"baseURL" json:"baseURL"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

type AIConfig struct {
	BaseURL string        `yaml:"baseURL" json:"baseURL"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}
