// Package config loads and merges alpenhorn's YAML configuration file.
//
// Grounded on original_source/alpenhorn/common/config.py: the search order,
// the recursive dict-merge/list-concatenate/scalar-replace rule, and the
// recognised option set of spec.md §6 are carried unchanged in semantics.
// Library: gopkg.in/yaml.v3, the teacher's own indirect dependency promoted
// to direct (cmn/nlog.nlog.go has no YAML usage but the teacher's go.mod
// already pulls it in transitively via k8s.io/client-go).
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type Database struct {
	URL string `yaml:"url"`
}

type Syslog struct {
	Enable   bool   `yaml:"enable"`
	Address  string `yaml:"address"`
	Port     int    `yaml:"port"`
	Facility string `yaml:"facility"`
	UseTCP   bool   `yaml:"use_tcp"`
}

type LogFile struct {
	Name        string `yaml:"name"`
	Watch       bool   `yaml:"watch"`
	Rotate      bool   `yaml:"rotate"`
	BackupCount int    `yaml:"backup_count"`
	MaxBytes    string `yaml:"max_bytes"`
}

type Logging struct {
	Level        string            `yaml:"level"`
	ModuleLevels map[string]string `yaml:"module_levels"`
	Syslog       Syslog            `yaml:"syslog"`
	File         LogFile           `yaml:"file"`
}

type Daemon struct {
	Host                string  `yaml:"host"`
	NumWorkers          int     `yaml:"num_workers"`
	UpdateInterval      float64 `yaml:"update_interval"`
	AutoImportInterval  float64 `yaml:"auto_import_interval"`
	AutoVerifyMinDays   float64 `yaml:"auto_verify_min_days"`
	SerialIOTimeout     float64 `yaml:"serial_io_timeout"`
	PullTimeoutBase     float64 `yaml:"pull_timeout_base"`
	PullBytesPerSecond  float64 `yaml:"pull_bytes_per_second"`
	PromClientPort      int     `yaml:"prom_client_port"`
	UpdateSkewThreshold int     `yaml:"update_skew_threshold"`
}

// Config is the fully merged, unmarshalled configuration tree (spec.md §6).
type Config struct {
	Database   Database `yaml:"database"`
	Extensions []string `yaml:"extensions"`
	Logging    Logging  `yaml:"logging"`
	Daemon     Daemon   `yaml:"daemon"`
}

// Default returns a Config carrying the defaults named throughout spec.md §6.
func Default() *Config {
	return &Config{
		Logging: Logging{
			Level: "info",
			Syslog: Syslog{
				Address:  "localhost",
				Port:     514,
				Facility: "user",
			},
			File: LogFile{
				BackupCount: 10,
				MaxBytes:    "4M",
			},
		},
		Daemon: Daemon{
			NumWorkers:          4,
			UpdateInterval:      60,
			AutoImportInterval:  60,
			AutoVerifyMinDays:   7,
			SerialIOTimeout:     900,
			PullTimeoutBase:     300,
			PullBytesPerSecond:  20 * 1 << 20,
			UpdateSkewThreshold: 4,
		},
	}
}

// SearchPaths returns the config search order of spec.md §6, later entries
// taking precedence. explicitPath is the value of -c/--conf, if given.
func SearchPaths(explicitPath string) []string {
	paths := []string{
		"/etc/alpenhorn/alpenhorn.conf",
		"/etc/xdg/alpenhorn/alpenhorn.conf",
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "alpenhorn", "alpenhorn.conf"))
	}
	if env := os.Getenv("ALPENHORN_CONFIG_FILE"); env != "" {
		paths = append(paths, env)
	}
	if explicitPath != "" {
		paths = append(paths, explicitPath)
	}
	return paths
}

// Load reads and merges every existing file in SearchPaths(explicitPath), in
// order, and unmarshals the result onto a Default() base.
func Load(explicitPath string) (*Config, error) {
	merged := map[string]any{}
	any_ := false
	for _, p := range SearchPaths(explicitPath) {
		data, err := os.ReadFile(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("config: read %s: %w", p, err)
		}
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", p, err)
		}
		merged = mergeTree(merged, doc)
		any_ = true
	}
	cfg := Default()
	if !any_ {
		return cfg, nil
	}
	out, err := yaml.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("config: re-marshal merged tree: %w", err)
	}
	if err := yaml.Unmarshal(out, cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal merged tree: %w", err)
	}
	return cfg, nil
}

// mergeTree implements spec.md §6's merge rule: dicts merge recursively,
// lists concatenate (later appended to earlier), and scalars/type-mismatches
// have the later value replace the earlier one.
func mergeTree(base, overlay map[string]any) map[string]any {
	if base == nil {
		base = map[string]any{}
	}
	for k, ov := range overlay {
		bv, exists := base[k]
		if !exists {
			base[k] = ov
			continue
		}
		switch bt := bv.(type) {
		case map[string]any:
			if ot, ok := ov.(map[string]any); ok {
				base[k] = mergeTree(bt, ot)
				continue
			}
		case []any:
			if ot, ok := ov.([]any); ok {
				base[k] = append(append([]any{}, bt...), ot...)
				continue
			}
		}
		base[k] = ov
	}
	return base
}
