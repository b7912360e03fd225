package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	defaultConfigPath = "~/.config/ctfrefine/config.json"
	defaultThreads    = 2
)

// Config holds user-editable settings for ctfrefine.
type Config struct {
	Processing Processing     `json:"processing" yaml:"processing"`
	Logging    Logging        `json:"logging" yaml:"logging"`
	Paths      Paths          `json:"paths" yaml:"paths"`
	Tools      ToolConfig     `json:"tools" yaml:"tools"`
	Protocol   ProtocolConfig `json:"protocol" yaml:"protocol"`
	Server     ServerConfig   `json:"server" yaml:"server"`
}

// Processing captures execution preferences.
type Processing struct {
	Threads  int    `json:"threads" yaml:"threads"`
	TempDir  string `json:"temp_dir" yaml:"temp_dir"`
	KeepTemp bool   `json:"keep_temp" yaml:"keep_temp"` // preserve converted images and per-micrograph files
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" yaml:"level"`             // debug, info, warn, error
	Format     string `json:"format" yaml:"format"`           // text, json
	FileOutput bool   `json:"file_output" yaml:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir" yaml:"log_dir"`         // Directory for log files
}

// Paths configures the journal and software locations.
type Paths struct {
	DatabasePath string `json:"database_path" yaml:"database_path"`
	SoftwareRoot string `json:"software_root" yaml:"software_root"` // where EM packages such as goctf-1.2.0 live
}

// ToolConfig locates the external refinement program.
type ToolConfig struct {
	GoCTF GoCTFConfig `json:"goctf" yaml:"goctf"`
}

type GoCTFConfig struct {
	Home    string   `json:"home" yaml:"home"`       // overridden by GOCTF_HOME
	Version string   `json:"version" yaml:"version"` // 1.2.0
	Env     []string `json:"env" yaml:"env"`         // extra KEY=VALUE pairs for the subprocess
}

// ProtocolConfig holds the default refinement parameters.
type ProtocolConfig struct {
	DownFactor  float64 `json:"down_factor" yaml:"down_factor"`
	WindowSize  int     `json:"window_size" yaml:"window_size"`
	LowRes      float64 `json:"low_res" yaml:"low_res"`
	HighRes     float64 `json:"high_res" yaml:"high_res"`
	MinDefocus  float64 `json:"min_defocus" yaml:"min_defocus"`
	MaxDefocus  float64 `json:"max_defocus" yaml:"max_defocus"`
	StepDefocus float64 `json:"step_defocus" yaml:"step_defocus"`
	ApplyShifts bool    `json:"apply_shifts" yaml:"apply_shifts"`
	DoRefine    bool    `json:"do_refine" yaml:"do_refine"`
}

// ServerConfig controls the monitoring API.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	configPath := os.Getenv("CTFREFINE_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return LoadFile(configPath)
}

// LoadFile reads the configuration at path. JSON is the default encoding;
// .yaml and .yml files are decoded as YAML. A missing file yields defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(expanded)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", expanded, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", expanded, err)
		}
	}

	return cfg, nil
}

// Path returns the configuration file in effect.
func Path() string {
	if p := os.Getenv("CTFREFINE_CONFIG"); p != "" {
		return p
	}
	return defaultConfigPath
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Processing: Processing{
			Threads: defaultThreads,
			TempDir: filepath.Join(os.TempDir(), "ctfrefine"),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DatabasePath: filepath.Join(os.TempDir(), "ctfrefine.db"),
			SoftwareRoot: "/usr/local/em",
		},
		Tools: ToolConfig{
			GoCTF: GoCTFConfig{Version: "1.2.0"},
		},
		Protocol: ProtocolConfig{
			DownFactor:  1.0,
			WindowSize:  512,
			LowRes:      30,
			HighRes:     5,
			MinDefocus:  5000,
			MaxDefocus:  50000,
			StepDefocus: 500,
			ApplyShifts: false,
			DoRefine:    true,
		},
		Server: ServerConfig{Addr: ":8090"},
	}
}

// NoClean reports whether temporary files must be preserved, either from
// the config or from the debug environment toggles.
func (c *Config) NoClean() bool {
	if c != nil && c.Processing.KeepTemp {
		return true
	}
	return envOn("CTFREFINE_DEBUG_NOCLEAN") || envOn("SCIPION_DEBUG_NOCLEAN")
}

func envOn(name string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(name))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
