package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// File is the on-disk form of the configuration. Zero values keep defaults.
type File struct {
	Tier1 struct {
		Capacity         int     `yaml:"capacity"`
		EvictionFraction float64 `yaml:"eviction_fraction"`
		TTLScale         float64 `yaml:"ttl_scale"`
	} `yaml:"tier1"`
	Tier2 struct {
		Enabled        *bool         `yaml:"enabled"`
		Addr           string        `yaml:"addr"`
		Password       string        `yaml:"password"`
		DB             int           `yaml:"db"`
		PoolSize       int           `yaml:"pool_size"`
		DialTimeout    time.Duration `yaml:"dial_timeout"`
		CommandTimeout time.Duration `yaml:"command_timeout"`
		MaxRetries     int           `yaml:"max_retries"`
		KeyPrefix      string        `yaml:"key_prefix"`
		TTLScale       float64       `yaml:"ttl_scale"`
	} `yaml:"tier2"`
	Tier3 struct {
		Capacity         int     `yaml:"capacity"`
		EvictionFraction float64 `yaml:"eviction_fraction"`
		TTLScale         float64 `yaml:"ttl_scale"`
	} `yaml:"tier3"`
	DefaultExpiration         time.Duration            `yaml:"default_expiration"`
	OpportunisticEvictionRate *float64                 `yaml:"opportunistic_eviction_rate"`
	CleanupInterval           time.Duration            `yaml:"cleanup_interval"`
	Categories                map[string]time.Duration `yaml:"categories"`
	Memory                    struct {
		Enabled             *bool         `yaml:"enabled"`
		Interval            time.Duration `yaml:"interval"`
		PressureThreshold   float64       `yaml:"pressure_threshold"`
		Tier3TargetFraction float64       `yaml:"tier3_target_fraction"`
	} `yaml:"memory"`
	Warmer struct {
		Enabled    *bool         `yaml:"enabled"`
		StartDelay time.Duration `yaml:"start_delay"`
		Interval   time.Duration `yaml:"interval"`
		Limit      int           `yaml:"limit"`
	} `yaml:"warmer"`
	Stats struct {
		ReportInterval    time.Duration `yaml:"report_interval"`
		Tier1HitRateAlarm float64       `yaml:"tier1_hit_rate_alarm"`
		Tier2HitRateAlarm float64       `yaml:"tier2_hit_rate_alarm"`
	} `yaml:"stats"`
}

// LoadFile reads a YAML configuration file and returns it as options.
func LoadFile(path string) (Option, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseYAML(data)
}

// ParseYAML decodes YAML configuration into an option.
func ParseYAML(data []byte) (Option, error) {
	var f File
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return f.apply, nil
}

func (f *File) apply(c *Config) error {
	setInt(&c.Tier1.Capacity, f.Tier1.Capacity)
	setFloat(&c.Tier1.EvictionFraction, f.Tier1.EvictionFraction)
	setFloat(&c.Tier1.TTLScale, f.Tier1.TTLScale)

	if f.Tier2.Enabled != nil {
		c.Tier2.Enabled = *f.Tier2.Enabled
	}
	setString(&c.Tier2.Addr, f.Tier2.Addr)
	setString(&c.Tier2.Password, f.Tier2.Password)
	setInt(&c.Tier2.DB, f.Tier2.DB)
	setInt(&c.Tier2.PoolSize, f.Tier2.PoolSize)
	setDuration(&c.Tier2.DialTimeout, f.Tier2.DialTimeout)
	setDuration(&c.Tier2.CommandTimeout, f.Tier2.CommandTimeout)
	setInt(&c.Tier2.MaxRetries, f.Tier2.MaxRetries)
	setString(&c.Tier2.KeyPrefix, f.Tier2.KeyPrefix)
	setFloat(&c.Tier2.TTLScale, f.Tier2.TTLScale)

	setInt(&c.Tier3.Capacity, f.Tier3.Capacity)
	setFloat(&c.Tier3.EvictionFraction, f.Tier3.EvictionFraction)
	setFloat(&c.Tier3.TTLScale, f.Tier3.TTLScale)

	setDuration(&c.DefaultExpiration, f.DefaultExpiration)
	if f.OpportunisticEvictionRate != nil {
		c.OpportunisticEvictionRate = *f.OpportunisticEvictionRate
	}
	setDuration(&c.CleanupInterval, f.CleanupInterval)
	for category, ttl := range f.Categories {
		if err := WithCategoryTTL(category, ttl)(c); err != nil {
			return fmt.Errorf("category %s: %w", category, err)
		}
	}

	if f.Memory.Enabled != nil {
		c.Memory.Enabled = *f.Memory.Enabled
	}
	setDuration(&c.Memory.Interval, f.Memory.Interval)
	setFloat(&c.Memory.PressureThreshold, f.Memory.PressureThreshold)
	setFloat(&c.Memory.Tier3TargetFraction, f.Memory.Tier3TargetFraction)

	if f.Warmer.Enabled != nil {
		c.Warmer.Enabled = *f.Warmer.Enabled
	}
	setDuration(&c.Warmer.StartDelay, f.Warmer.StartDelay)
	setDuration(&c.Warmer.Interval, f.Warmer.Interval)
	setInt(&c.Warmer.Limit, f.Warmer.Limit)

	setDuration(&c.Stats.ReportInterval, f.Stats.ReportInterval)
	setFloat(&c.Stats.Tier1HitRateAlarm, f.Stats.Tier1HitRateAlarm)
	setFloat(&c.Stats.Tier2HitRateAlarm, f.Stats.Tier2HitRateAlarm)
	return nil
}

// FromEnv loads optional .env files and returns an option reading STRATA_*
// variables. Missing files are ignored.
func FromEnv(files ...string) (Option, error) {
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", file, err)
		}
	}

	return func(c *Config) error {
		if v := os.Getenv("STRATA_REDIS_ADDR"); v != "" {
			c.Tier2.Addr = v
		}
		if v := os.Getenv("STRATA_REDIS_PASSWORD"); v != "" {
			c.Tier2.Password = v
		}
		if err := envInt("STRATA_REDIS_DB", &c.Tier2.DB); err != nil {
			return err
		}
		if err := envBool("STRATA_REDIS_ENABLED", &c.Tier2.Enabled); err != nil {
			return err
		}
		if err := envInt("STRATA_TIER1_CAPACITY", &c.Tier1.Capacity); err != nil {
			return err
		}
		if err := envInt("STRATA_TIER3_CAPACITY", &c.Tier3.Capacity); err != nil {
			return err
		}
		if err := envDuration("STRATA_DEFAULT_TTL", &c.DefaultExpiration); err != nil {
			return err
		}
		if err := envDuration("STRATA_COMMAND_TIMEOUT", &c.Tier2.CommandTimeout); err != nil {
			return err
		}
		return envFloat("STRATA_MEMORY_THRESHOLD", &c.Memory.PressureThreshold)
	}, nil
}

func envInt(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = n
	return nil
}

func envBool(name string, dst *bool) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = b
	return nil
}

func envFloat(name string, dst *float64) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = f
	return nil
}

func envDuration(name string, dst *time.Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = d
	return nil
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setFloat(dst *float64, v float64) {
	if v != 0 {
		*dst = v
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}
