package fetch

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/tunabay/go-infounit"
)

// ErrInvalidConfig is returned by Validate and New for unusable settings.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds configuration for the Engine.
type Config struct {
	// CountLimit is the maximum number of decoded images kept in memory.
	CountLimit int
	// TotalCostLimit bounds the summed decoded size of cached images.
	TotalCostLimit infounit.ByteCount
	// FetchTimeout bounds a single fetch including decode.
	FetchTimeout        time.Duration
	CoordinatorShards   int
	PrefetchConcurrency int
}

// NewConfigDefaults provides a config with sensible defaults.
func NewConfigDefaults() *Config {
	cfg := &Config{
		CountLimit:          20,
		TotalCostLimit:      infounit.ByteCount(10 << 20),
		FetchTimeout:        30 * time.Second,
		CoordinatorShards:   16,
		PrefetchConcurrency: 4,
	}
	// The following logic allows for overriding defaults via environment variables.
	if cl := os.Getenv("IMAGEFETCH_COUNT_LIMIT"); cl != "" {
		if val, err := strconv.Atoi(cl); err == nil {
			cfg.CountLimit = val
		}
	}
	if tc := os.Getenv("IMAGEFETCH_TOTAL_COST_LIMIT"); tc != "" {
		if val, err := strconv.ParseUint(tc, 10, 63); err == nil {
			cfg.TotalCostLimit = infounit.ByteCount(val)
		}
	}
	if ft := os.Getenv("IMAGEFETCH_FETCH_TIMEOUT"); ft != "" {
		if val, err := time.ParseDuration(ft); err == nil {
			cfg.FetchTimeout = val
		}
	}
	return cfg
}

// Validate reports the first unusable setting.
func (c *Config) Validate() error {
	switch {
	case c.CountLimit <= 0:
		return fmt.Errorf("%w: CountLimit must be greater than 0, got %d", ErrInvalidConfig, c.CountLimit)
	case c.TotalCostLimit == 0:
		return fmt.Errorf("%w: TotalCostLimit must be greater than 0", ErrInvalidConfig)
	case c.FetchTimeout <= 0:
		return fmt.Errorf("%w: FetchTimeout must be positive, got %s", ErrInvalidConfig, c.FetchTimeout)
	case c.PrefetchConcurrency <= 0:
		return fmt.Errorf("%w: PrefetchConcurrency must be greater than 0, got %d", ErrInvalidConfig, c.PrefetchConcurrency)
	}
	return nil
}
