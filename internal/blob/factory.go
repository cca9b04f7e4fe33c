package blob

import (
	"context"
	"fmt"

	"titertrack/internal/infra/blob/fs"
	"titertrack/internal/infra/blob/memory"
	"titertrack/internal/infra/blob/s3"
)

// Config selects and configures the archive backend.
type Config struct {
	Driver Driver
	FSRoot string
	S3     s3.Config
}

// Open returns the configured Store. DriverNone yields a nil Store, which
// disables archiving.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case DriverNone:
		return nil, nil
	case DriverFilesystem:
		store, err := fs.New(cfg.FSRoot)
		if err != nil {
			return nil, err
		}
		return store, nil
	case DriverS3:
		store, err := s3.New(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return store, nil
	case DriverMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.Driver)
	}
}
