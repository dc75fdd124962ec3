package worker

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	MinHandshakeTimeout     = time.Second
)

// Seconds is a duration read from the environment as a whole number of seconds.
// Blank means DefaultHandshakeTimeout and values below one second are raised to MinHandshakeTimeout.
type Seconds time.Duration

func (s *Seconds) Decode(value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		*s = Seconds(DefaultHandshakeTimeout)
		return nil
	}
	n, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return fmt.Errorf("parsing %q as seconds: %w", value, err)
	}
	d := time.Duration(n) * time.Second
	if d < MinHandshakeTimeout {
		d = MinHandshakeTimeout
	}
	*s = Seconds(d)
	return nil
}

// Config is the parent-side configuration read from the environment.
type Config struct {
	HandshakeTimeout Seconds `envconfig:"WORKERRPC_TIMEOUT" default:"10"`
}

func DefaultConfig() Config {
	return Config{HandshakeTimeout: Seconds(DefaultHandshakeTimeout)}
}

// LoadConfig reads Config from the environment. Invalid values are logged and replaced by their defaults.
func LoadConfig(log *zap.SugaredLogger) Config {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		log.Warnw("invalid worker configuration in environment, using defaults", "Error", err, "Default", DefaultConfig())
		return DefaultConfig()
	}
	return cfg
}
