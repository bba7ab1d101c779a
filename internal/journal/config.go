package journal

import (
	"path/filepath"
	"time"

	"codeberg.org/mutker/coolantctl/internal/errors"
)

const (
	defaultDirPerm       = 0o755
	defaultDBPath        = "/var/lib/coolantctl/journal.db"
	defaultBatchSize     = 16
	defaultFlushInterval = 5 * time.Second
	maxBufferedBatches   = 64
)

type Config struct {
	DBPath        string
	BatchSize     int
	FlushInterval time.Duration
	Enabled       bool
}

func DefaultConfig() Config {
	return Config{
		DBPath:        defaultDBPath,
		BatchSize:     defaultBatchSize,
		FlushInterval: defaultFlushInterval,
		Enabled:       false,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if !c.Enabled {
		return nil
	}
	if c.DBPath == "" {
		return errFactory.New(ErrInvalidDBPath)
	}
	if c.BatchSize <= 0 || c.FlushInterval <= 0 {
		return errFactory.WithData(ErrInvalidConfig, "batch_size and flush_interval must be positive")
	}
	return nil
}

// archiveDir holds journals set aside after a schema version change.
func (c Config) archiveDir() string {
	return filepath.Join(filepath.Dir(c.DBPath), "archive")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
