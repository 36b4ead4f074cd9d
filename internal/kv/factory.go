package kv

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/matheuscscp/open-finance-portal/internal/config"
)

// Factory hands out the key-value store backing the session record of each
// browser session.
type Factory struct {
	backend string
	shared  Store
	client  redis.UniversalClient
}

func NewFactory(conf *config.SessionConfig) (*Factory, error) {
	switch conf.Backend {
	case config.SessionBackendCookie:
		return &Factory{backend: conf.Backend}, nil
	case config.SessionBackendMemory:
		return &Factory{backend: conf.Backend, shared: NewMemoryStore()}, nil
	case config.SessionBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     conf.Redis.Addr,
			Password: conf.Redis.Password,
			DB:       conf.Redis.DB,
		})
		return newRedisFactory(client, conf.Redis.KeyPrefix), nil
	default:
		return nil, fmt.Errorf("unsupported session backend: %s", conf.Backend)
	}
}

func newRedisFactory(client redis.UniversalClient, keyPrefix string) *Factory {
	return &Factory{
		backend: config.SessionBackendRedis,
		shared:  NewRedisStore(client, keyPrefix),
		client:  client,
	}
}

// ForBrowser returns the store for one browser session. The cookie backend
// stores straight into the browser's jar, the others namespace a shared
// store by the browser session id.
func (f *Factory) ForBrowser(browserSession string, jar *CookieJar) Store {
	if f.shared == nil {
		return jar
	}
	return WithPrefix(f.shared, browserSession+":")
}

func (f *Factory) Backend() string {
	return f.backend
}

// Ping checks the backend is reachable.
func (f *Factory) Ping(ctx context.Context) error {
	if f.client == nil {
		return nil
	}
	return f.client.Ping(ctx).Err()
}

func (f *Factory) Close() error {
	if f.client == nil {
		return nil
	}
	return f.client.Close()
}
