package providers

import (
	"fmt"

	"github.com/go-redis/redis/v8"
)

// NewRedisProvider builds a client from either a redis:// URL (the hub
// convention, e.g. redis://localhost:6379/15) or a bare host:port.
func NewRedisProvider(addr, password string) (*redis.Client, error) {
	if opts, err := redis.ParseURL(addr); err == nil {
		if password != "" {
			opts.Password = password
		}
		return redis.NewClient(opts), nil
	}
	if addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	}), nil
}
