package env

import (
	"context"
	"os"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// Config holds the environment-supplied settings for the risq CLI. Fields
// are populated by envconfig after an optional ".env.local" is loaded, so
// local development never needs real environment variables exported.
type Config struct {
	// Controllers is the ordered failover pool, "addr[:port]" entries
	// separated by semicolons. The first reachable one is used; the rest
	// sit ready to take over.
	Controllers []string `env:"RISQ_CONTROLLERS,delimiter=;"`

	// DefaultPort is used for any Controllers entry that omits its own port.
	DefaultPort int `env:"RISQ_DEFAULT_PORT,default=7247"`

	DebugHTTP bool `env:"RISQ_DEBUG_HTTP"`

	// MetricsNamespace prefixes every Prometheus metric risq registers.
	MetricsNamespace string `env:"RISQ_METRICS_NAMESPACE,default=risq"`
}

func LoadConfig(ctx context.Context) (*Config, error) {
	config := Config{}

	if err := godotenv.Load(".env.local"); err != nil {
		if !os.IsNotExist(err) {
			panic(err)
		}
	}

	if err := envconfig.Process(ctx, &config); err != nil {
		return nil, err
	}

	return &config, nil
}
