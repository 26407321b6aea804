package kv

import "fmt"

// Driver names accepted by Open.
const (
	DriverMemory = "memory"
	DriverFile   = "file"
	DriverBolt   = "bolt"
	DriverRedis  = "redis"
)

// Options selects and configures a Store implementation.
type Options struct {
	Driver string
	// Path is the directory for the file driver or the database file for bolt.
	Path  string
	Redis RedisConfig
}

// Open constructs the store named by opts.Driver.
func Open(opts Options) (Store, error) {
	switch opts.Driver {
	case "", DriverMemory:
		return NewMemoryStore(), nil
	case DriverFile:
		return NewFileStore(opts.Path)
	case DriverBolt:
		return NewBoltStore(opts.Path)
	case DriverRedis:
		return NewRedisStore(opts.Redis)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", opts.Driver)
	}
}
