// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package decomp builds the program model over the parsed executable and
// program database, analyzes every function, and renders the recovered
// source.
package decomp

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config carries the per-project analysis settings.
type Config struct {
	// OverlapAllowlist names record types whose members legitimately
	// overlap (hardware-register unions and similar); overlaps elsewhere
	// are diagnosed.
	OverlapAllowlist []string `yaml:"overlap_allowlist"`

	// SourcePrefixes maps library names to path prefixes. It is loaded from
	// the config file; the tree writer does not consult it.
	SourcePrefixes map[string]string `yaml:"source_prefixes"`

	// CacheFile is the snapshot path; empty disables caching.
	CacheFile string `yaml:"cache_file"`
}

// DefaultConfig mirrors the record set the original toolchain's data
// required.
func DefaultConfig() *Config {
	return &Config{
		OverlapAllowlist: []string{"_DDBLTFX", "_DDPIXELFORMAT", "Behavior::Node"},
	}
}

// LoadConfig reads a YAML config file, falling back to defaults when the
// path is empty.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// OverlapAllowed reports whether a record name may carry overlapping
// members without a diagnostic.
func (c *Config) OverlapAllowed(name string) bool {
	for _, n := range c.OverlapAllowlist {
		if n == name {
			return true
		}
	}
	return false
}
