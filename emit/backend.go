package emit

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// SinkCfg selects and configures the output backend
type SinkCfg struct {
	Kind          string   `json:"kind" yaml:"kind"` // file, kafka or redis
	Dir           string   `json:"dir" yaml:"dir"`
	Compression   string   `json:"compression" yaml:"compression"`
	Brokers       []string `json:"brokers,omitempty" yaml:"brokers,omitempty"`
	RedisAddr     string   `json:"redisaddr,omitempty" yaml:"redisaddr,omitempty"`
	RedisPassword string   `json:"-" yaml:"-"`
	RedisDB       int      `json:"redisdb,omitempty" yaml:"redisdb,omitempty"`
}

// OpenBackend creates the backend the configuration names
func OpenBackend(ctx context.Context, cfg SinkCfg, prefix string, logger *zap.Logger) (Backend, error) {
	switch cfg.Kind {
	case "file", "":
		return CreateFileBackend(cfg.Dir, prefix, cfg.Compression)
	case "kafka":
		return CreateKafkaBackend(ctx, cfg.Brokers, prefix, logger)
	case "redis":
		return CreateRedisBackend(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, prefix)
	}
	return nil, fmt.Errorf("unknown output kind %q", cfg.Kind)
}
