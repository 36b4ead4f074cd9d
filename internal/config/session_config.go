package config

import "time"

const (
	SessionBackendCookie = "cookie"
	SessionBackendMemory = "memory"
	SessionBackendRedis  = "redis"

	defaultIdleTimeout    = 30 * time.Minute
	defaultRedisKeyPrefix = "open-finance-portal:"
)

type SessionConfig struct {
	Backend string      `yaml:"backend" json:"backend"`
	Redis   RedisConfig `yaml:"redis" json:"redis"`

	// IdleTimeout bounds how long the server keeps the state of a browser
	// that stopped sending requests.
	IdleTimeout time.Duration `yaml:"idleTimeout" json:"idleTimeout"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr" json:"addr"`
	Password  string `yaml:"password" json:"password"`
	DB        int    `yaml:"db" json:"db"`
	KeyPrefix string `yaml:"keyPrefix" json:"keyPrefix"`
}
