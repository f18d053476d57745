package cache

import (
	"os"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	goerrors "github.com/goliatone/go-errors"
	"gopkg.in/yaml.v3"
)

// Defaults applied by DefaultConfig.
const (
	DefaultStaleTime     = 5 * time.Minute
	DefaultGCTime        = 10 * time.Minute
	DefaultMaxRetries    = 3
	DefaultRetryBase     = time.Second
	DefaultRetryMax      = 30 * time.Second
	DefaultDebounceDelay = 300 * time.Millisecond
)

// Duration is a time.Duration that reads and writes as a string in YAML.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML accepts "300ms"-style strings.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryValidation, "invalid duration "+raw)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// EntityPolicy controls staleness, collection and translation for one entity.
type EntityPolicy struct {
	StaleTime    Duration `yaml:"stale_time"`
	GCTime       Duration `yaml:"gc_time"`
	DefaultSort  Sort     `yaml:"default_sort"`
	SearchFields []string `yaml:"search_fields"`
	DateField    string   `yaml:"date_field"`
}

// Validate checks that gc time outlives stale time.
func (p EntityPolicy) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.StaleTime, validation.Required, validation.Min(Duration(1))),
		validation.Field(&p.GCTime, validation.Required, validation.Min(p.StaleTime+1).Error("must be greater than stale_time")),
		validation.Field(&p.DefaultSort),
	)
}

// RetryConfig controls fetch retries: delay(attempt) = min(BaseDelay*2^attempt, MaxDelay).
type RetryConfig struct {
	MaxRetries int      `yaml:"max_retries"`
	BaseDelay  Duration `yaml:"base_delay"`
	MaxDelay   Duration `yaml:"max_delay"`
}

// Delay returns the wait before retry number attempt (zero based).
func (r RetryConfig) Delay(attempt int) time.Duration {
	delay := r.BaseDelay.Std()
	limit := r.MaxDelay.Std()
	for i := 0; i < attempt; i++ {
		delay *= 2
		if limit > 0 && delay >= limit {
			return limit
		}
	}
	if limit > 0 && delay > limit {
		return limit
	}
	return delay
}

// Validate checks the retry settings.
func (r RetryConfig) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.MaxRetries, validation.Min(0)),
		validation.Field(&r.BaseDelay, validation.Min(Duration(0))),
		validation.Field(&r.MaxDelay, validation.Min(r.BaseDelay)),
	)
}

// Config exposes cache configuration options for consumers of the cache package.
type Config struct {
	// Entry table sizing, passed to the sharded table behind the store.
	Capacity           int      `yaml:"capacity"`
	NumShards          int      `yaml:"num_shards"`
	EvictionPercentage int      `yaml:"eviction_percentage"`
	MaxAge             Duration `yaml:"max_age"`

	// GCInterval is how often the store sweeps for collectable entries.
	// Zero disables the background sweep; collection still happens on access.
	GCInterval Duration `yaml:"gc_interval"`

	DefaultPolicy EntityPolicy            `yaml:"default_policy"`
	Entities      map[string]EntityPolicy `yaml:"entities"`

	Retry         RetryConfig `yaml:"retry"`
	DebounceDelay Duration    `yaml:"debounce_delay"`

	// MutationQueue serialises mutations that share a detail key. When false
	// overlapping mutations race and the last one to confirm wins.
	MutationQueue bool `yaml:"mutation_queue"`
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:           10000,
		NumShards:          64,
		EvictionPercentage: 10,
		MaxAge:             Duration(24 * time.Hour),
		GCInterval:         Duration(time.Minute),
		DefaultPolicy: EntityPolicy{
			StaleTime:   Duration(DefaultStaleTime),
			GCTime:      Duration(DefaultGCTime),
			DefaultSort: Sort{Key: "created_at", Direction: SortDesc},
		},
		Entities: map[string]EntityPolicy{
			"lead": {
				StaleTime:    Duration(2 * time.Minute),
				GCTime:       Duration(5 * time.Minute),
				DefaultSort:  Sort{Key: "created_at", Direction: SortDesc},
				SearchFields: []string{"name", "email", "phone"},
				DateField:    "created_at",
			},
			"task": {
				StaleTime:    Duration(2 * time.Minute),
				GCTime:       Duration(5 * time.Minute),
				DefaultSort:  Sort{Key: "due_date", Direction: SortAsc},
				SearchFields: []string{"title", "description"},
				DateField:    "due_date",
			},
			"notification": {
				StaleTime:   Duration(time.Minute),
				GCTime:      Duration(5 * time.Minute),
				DefaultSort: Sort{Key: "created_at", Direction: SortDesc},
				DateField:   "created_at",
			},
		},
		Retry: RetryConfig{
			MaxRetries: DefaultMaxRetries,
			BaseDelay:  Duration(DefaultRetryBase),
			MaxDelay:   Duration(DefaultRetryMax),
		},
		DebounceDelay: Duration(DefaultDebounceDelay),
	}
}

// Validate checks whether the configuration values are valid.
func (c Config) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.Capacity, validation.Required, validation.Min(1)),
		validation.Field(&c.NumShards, validation.Required, validation.Min(1)),
		validation.Field(&c.EvictionPercentage, validation.Required, validation.Min(1), validation.Max(100)),
		validation.Field(&c.MaxAge, validation.Required, validation.Min(Duration(1))),
		validation.Field(&c.GCInterval, validation.Min(Duration(0))),
		validation.Field(&c.DefaultPolicy),
		validation.Field(&c.Entities),
		validation.Field(&c.Retry),
		validation.Field(&c.DebounceDelay, validation.Min(Duration(0))),
	)
	if err != nil {
		return goerrors.FromOzzoValidation(err, "invalid cache config")
	}
	return nil
}

// PolicyFor returns the policy for entity, falling back to the default policy
// for unknown entities and for any zero fields.
func (c Config) PolicyFor(entity string) EntityPolicy {
	policy, ok := c.Entities[entity]
	if !ok {
		return c.DefaultPolicy
	}
	if policy.StaleTime <= 0 {
		policy.StaleTime = c.DefaultPolicy.StaleTime
	}
	if policy.GCTime <= policy.StaleTime {
		policy.GCTime = maxDuration(c.DefaultPolicy.GCTime, policy.StaleTime*2)
	}
	if policy.DefaultSort.Key == "" {
		policy.DefaultSort = c.DefaultPolicy.DefaultSort
	}
	if len(policy.SearchFields) == 0 {
		policy.SearchFields = c.DefaultPolicy.SearchFields
	}
	if policy.DateField == "" {
		policy.DateField = c.DefaultPolicy.DateField
	}
	return policy
}

// ParseConfig reads YAML on top of DefaultConfig and validates the result.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, goerrors.Wrap(err, goerrors.CategoryValidation, "failed to parse cache config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads and parses the YAML file at path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to read cache config").
			WithMetadata(map[string]any{"path": path})
	}
	return ParseConfig(data)
}

func maxDuration(a, b Duration) Duration {
	if a > b {
		return a
	}
	return b
}
