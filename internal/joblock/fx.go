package joblock

import (
	"strings"

	"github.com/meterkit/creditledger/internal/config"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

// NewFromConfig builds the job locker from application config. Without a
// redis address the locker is nil and every acquisition succeeds locally.
func NewFromConfig(cfg config.Config) *Locker {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RedisPassword),
	})
	return NewLocker(client)
}

// Module provides the distributed job locker.
var Module = fx.Module("joblock",
	fx.Provide(NewFromConfig),
)
