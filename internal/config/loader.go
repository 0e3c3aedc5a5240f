// Package config provides configuration loading, defaults, and validation for
// the exammatch engine.
package config

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// envPrefix is the environment variable prefix used by all engine settings.
const envPrefix = "EXAMMATCH"

// newViper builds a pre-configured Viper instance: YAML file type,
// EXAMMATCH_ env prefix, automatic env binding, and a key replacer that maps
// "." → "_" so that nested keys like "database.host" resolve to
// "EXAMMATCH_DATABASE_HOST".
func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	return v
}

// Load reads the YAML file at configPath, merges any EXAMMATCH_* environment
// variable overrides, applies defaults for unset fields, and validates the
// result.  It returns a fully-populated *Config or a descriptive error.
func Load(configPath string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read config file %q: %w", configPath, err)
	}

	return unmarshalAndFinalize(v)
}

// LoadFromEnv builds a Config entirely from EXAMMATCH_* environment
// variables, with no config file required.  Preferred for containerised
// deployments.
func LoadFromEnv() (*Config, error) {
	v := newViper()
	return unmarshalAndFinalize(v)
}

func unmarshalAndFinalize(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal configuration: %w", err)
	}

	ApplyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	return cfg, nil
}

// LoadRules reads the declarative matching-rule document at rulesPath and
// validates it.  An empty path returns the built-in default rules, already
// validated by construction.
func LoadRules(rulesPath string) (*MatchingRules, error) {
	if rulesPath == "" {
		return DefaultRules(), nil
	}

	v := newViper()
	v.SetConfigFile(rulesPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read rules file %q: %w", rulesPath, err)
	}

	rules := &MatchingRules{}
	if err := v.Unmarshal(rules); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal rules: %w", err)
	}
	if err := rules.Validate(); err != nil {
		return nil, fmt.Errorf("config: rules validation failed: %w", err)
	}
	return rules, nil
}

// RulesHandle is the process-wide holder for the active rule document.
// Reload replaces the whole parsed structure in one atomic swap; a scoring
// pass that loaded the pointer at its start keeps a consistent rule table for
// its entire duration and never observes a half-updated document.
type RulesHandle struct {
	ptr atomic.Pointer[MatchingRules]
}

// NewRulesHandle constructs a handle holding rules.
func NewRulesHandle(rules *MatchingRules) *RulesHandle {
	h := &RulesHandle{}
	h.ptr.Store(rules)
	return h
}

// Current returns the active rule document.  The returned value is shared and
// must be treated as immutable.
func (h *RulesHandle) Current() *MatchingRules {
	return h.ptr.Load()
}

// Swap atomically replaces the active rule document.
func (h *RulesHandle) Swap(rules *MatchingRules) {
	if rules == nil {
		return
	}
	h.ptr.Store(rules)
}

// WatchRules monitors rulesPath for changes and swaps the handle whenever the
// file parses and validates.  A change that fails to parse or validate is
// skipped so the engine never runs on a broken rule table; onError (optional)
// receives the rejection reason.
//
// WatchRules is non-blocking; it starts a background goroutine managed by viper.
func WatchRules(rulesPath string, handle *RulesHandle, onError func(error)) {
	v := newViper()
	v.SetConfigFile(rulesPath)

	// Initial read errors are ignored here; callers should call LoadRules first.
	_ = v.ReadInConfig()

	v.WatchConfig()
	v.OnConfigChange(func(_ fsnotify.Event) {
		rules, err := LoadRules(rulesPath)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		handle.Swap(rules)
	})
}
