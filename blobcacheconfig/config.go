/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package blobcacheconfig provides configuration loading for a blobcache.Cache,
// modeled on the teacher's httpserver.Config / log.Config shape so that it
// composes with config.Loader alongside any other config.Config in the same
// application.
package blobcacheconfig

import (
	"fmt"
	"time"

	"github.com/outpostdev/blobcache/blobcache"
	"github.com/outpostdev/blobcache/config"
)

const cfgDefaultKeyPrefix = "cache"

const (
	cfgKeyDirectory        = "directory"
	cfgKeyAppVersion       = "appVersion"
	cfgKeyValueCount       = "valueCount"
	cfgKeyMaxSize          = "maxSize"
	cfgKeyRebuildThreshold = "rebuildThreshold"
	cfgKeyTrimInterval     = "trimInterval"
)

// Default and restriction values.
const (
	DefaultRebuildThreshold = 2000
	DefaultTrimInterval     = 30 * time.Second

	MinValueCount = 1
	MinMaxSize    = 1
)

// Config holds the parameters blobcache.Open needs, loadable via
// config.Loader/viper from YAML, JSON, or environment variables.
type Config struct {
	// Directory is the cache directory; exclusive to one Cache instance.
	Directory string `mapstructure:"directory" yaml:"directory" json:"directory"`

	// AppVersion is written into the journal header; a mismatch against the
	// persisted value at Open is treated as corruption (spec §4.E, §9).
	AppVersion int32 `mapstructure:"appVersion" yaml:"appVersion" json:"appVersion"`

	// ValueCount is the immutable number of slots per entry.
	ValueCount int `mapstructure:"valueCount" yaml:"valueCount" json:"valueCount"`

	// MaxSize is the soft byte budget for the sum of all slot lengths.
	MaxSize config.ByteSize `mapstructure:"maxSize" yaml:"maxSize" json:"maxSize"`

	// RebuildThreshold overrides the redundant-record count at which the
	// journal is compacted (spec §4.E "journal_rebuild_required").
	RebuildThreshold int `mapstructure:"rebuildThreshold" yaml:"rebuildThreshold" json:"rebuildThreshold"`

	// TrimInterval is the minimum spacing enforced between trimmer wake-ups
	// triggered by repeated Kick calls; it has no analog to a fixed ticker
	// (the trimmer is otherwise edge-triggered, see internal/trimqueue).
	TrimInterval config.TimeDuration `mapstructure:"trimInterval" yaml:"trimInterval" json:"trimInterval"`

	keyPrefix string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// Option is a functional option for constructing a Config.
type Option func(*options)

type options struct {
	keyPrefix string
}

// WithKeyPrefix sets a key prefix for parsing configuration parameters.
func WithKeyPrefix(keyPrefix string) Option {
	return func(o *options) { o.keyPrefix = keyPrefix }
}

// NewConfig creates a new, zero-valued Config.
func NewConfig(opts ...Option) *Config {
	o := options{keyPrefix: cfgDefaultKeyPrefix}
	for _, opt := range opts {
		opt(&o)
	}
	return &Config{keyPrefix: o.keyPrefix}
}

// NewDefaultConfig creates a Config populated with default values.
func NewDefaultConfig(opts ...Option) *Config {
	o := options{keyPrefix: cfgDefaultKeyPrefix}
	for _, opt := range opts {
		opt(&o)
	}
	return &Config{
		keyPrefix:        o.keyPrefix,
		ValueCount:       1,
		RebuildThreshold: DefaultRebuildThreshold,
		TrimInterval:     config.TimeDuration(DefaultTrimInterval),
	}
}

// Open opens a blobcache.Cache using c's loaded parameters. extra supplies
// the pieces Config doesn't carry (Logger, Metrics, LockRetryPolicy);
// RebuildThreshold and MinTrimInterval are always taken from c, overriding
// whatever extra sets for them.
func (c *Config) Open(extra blobcache.Options) (*blobcache.Cache, error) {
	extra.RebuildThreshold = c.RebuildThreshold
	extra.MinTrimInterval = time.Duration(c.TrimInterval)
	return blobcache.Open(c.Directory, c.AppVersion, c.ValueCount, int64(c.MaxSize), extra)
}

// KeyPrefix implements config.KeyPrefixProvider.
func (c *Config) KeyPrefix() string {
	if c.keyPrefix == "" {
		return cfgDefaultKeyPrefix
	}
	return c.keyPrefix
}

// SetProviderDefaults implements config.Config.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyValueCount, 1)
	dp.SetDefault(cfgKeyRebuildThreshold, DefaultRebuildThreshold)
	dp.SetDefault(cfgKeyTrimInterval, DefaultTrimInterval.String())
}

// Set implements config.Config.
func (c *Config) Set(dp config.DataProvider) error {
	var err error

	if c.Directory, err = dp.GetString(cfgKeyDirectory); err != nil {
		return err
	}

	appVersion, err := dp.GetInt(cfgKeyAppVersion)
	if err != nil {
		return err
	}
	c.AppVersion = int32(appVersion)

	if c.ValueCount, err = dp.GetInt(cfgKeyValueCount); err != nil {
		return err
	}
	if c.ValueCount < MinValueCount {
		return dp.WrapKeyErr(cfgKeyValueCount, fmt.Errorf("should be >= %d", MinValueCount))
	}

	var maxSize config.BytesCount
	if maxSize, err = dp.GetBytesCount(cfgKeyMaxSize); err != nil {
		return err
	}
	c.MaxSize = maxSize
	if c.MaxSize < MinMaxSize {
		return dp.WrapKeyErr(cfgKeyMaxSize, fmt.Errorf("should be >= %d", MinMaxSize))
	}

	if c.RebuildThreshold, err = dp.GetInt(cfgKeyRebuildThreshold); err != nil {
		return err
	}
	if c.RebuildThreshold < 0 {
		return dp.WrapKeyErr(cfgKeyRebuildThreshold, fmt.Errorf("should be >= 0"))
	}

	trimInterval, err := dp.GetDuration(cfgKeyTrimInterval)
	if err != nil {
		return err
	}
	c.TrimInterval = config.TimeDuration(trimInterval)

	return nil
}
