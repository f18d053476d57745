package cacheinfra

import (
	"time"

	"github.com/viccon/sturdyc"
)

// Config holds the configuration for the sturdyc backed entry table.
type Config struct {
	// Capacity defines the maximum number of entries the table can hold.
	// Must be greater than 0.
	Capacity int

	// NumShards determines the number of shards for concurrent access.
	// Must be greater than 0. Default: 64
	NumShards int

	// MaxAge is the hard upper bound on how long a record may live in the
	// table. Staleness and gc are decided by the store; this only protects
	// against leaks. Must be greater than 0.
	MaxAge time.Duration

	// EvictionPercentage specifies what percentage of entries to evict
	// when the table reaches its capacity. Must be between 1-100.
	EvictionPercentage int

	// EvictionInterval sets how often sturdyc scans for expired records.
	// Zero value uses the sturdyc default.
	EvictionInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults for most use cases.
func DefaultConfig() Config {
	return Config{
		Capacity:           10000,
		NumShards:          64,
		MaxAge:             24 * time.Hour,
		EvictionPercentage: 10,
	}
}

// ToSturdycOptions converts the optional parts of Config to sturdyc options.
// Capacity, NumShards, MaxAge and EvictionPercentage go straight to sturdyc.New.
func (c Config) ToSturdycOptions() []sturdyc.Option {
	var options []sturdyc.Option
	if c.EvictionInterval > 0 {
		options = append(options, sturdyc.WithEvictionInterval(c.EvictionInterval))
	}
	return options
}

// Validate checks if the configuration values are valid.
func (c Config) Validate() error {
	if c.Capacity <= 0 {
		return &ConfigError{Field: "Capacity", Message: "must be greater than 0"}
	}
	if c.NumShards <= 0 {
		return &ConfigError{Field: "NumShards", Message: "must be greater than 0"}
	}
	if c.MaxAge <= 0 {
		return &ConfigError{Field: "MaxAge", Message: "must be greater than 0"}
	}
	if c.EvictionPercentage < 1 || c.EvictionPercentage > 100 {
		return &ConfigError{Field: "EvictionPercentage", Message: "must be between 1 and 100"}
	}
	if c.EvictionInterval < 0 {
		return &ConfigError{Field: "EvictionInterval", Message: "must be non-negative"}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "config error in field " + e.Field + ": " + e.Message
}

// Table is a sharded, capacity bounded map from encoded key to V.
//
// Records are replaced wholesale on every Set; callers store immutable values
// and never mutate what Get returns.
type Table[V any] struct {
	client *sturdyc.Client[V]
}

// NewTable validates cfg and creates the underlying sturdyc client.
func NewTable[V any](cfg Config) (*Table[V], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client := sturdyc.New[V](
		cfg.Capacity,
		cfg.NumShards,
		cfg.MaxAge,
		cfg.EvictionPercentage,
		cfg.ToSturdycOptions()...,
	)

	return &Table[V]{client: client}, nil
}

// Get returns the record stored under key.
func (t *Table[V]) Get(key string) (V, bool) {
	return t.client.Get(key)
}

// Set stores value under key. It reports whether the write evicted other
// records to make room.
func (t *Table[V]) Set(key string, value V) bool {
	return t.client.Set(key, value)
}

// Delete removes key.
func (t *Table[V]) Delete(key string) {
	t.client.Delete(key)
}

// Keys returns every key currently held.
func (t *Table[V]) Keys() []string {
	return t.client.ScanKeys()
}

// KeysMatching returns the keys for which match reports true.
func (t *Table[V]) KeysMatching(match func(key string) bool) []string {
	keys := t.client.ScanKeys()
	out := keys[:0]
	for _, key := range keys {
		if match(key) {
			out = append(out, key)
		}
	}
	return out
}

// Len returns the number of records held.
func (t *Table[V]) Len() int {
	return t.client.Size()
}
