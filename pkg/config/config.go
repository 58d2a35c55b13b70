// Package config loads session configuration (C8 in SPEC_FULL.md §2):
// addin search directories and static registrations, the clipboard
// feature mask, per-channel transport names, and the logging/metrics
// sub-configs every other package consumes.
//
// Loading is built on spf13/viper with a mapstructure decode hook, and
// YAML is the file format, as in the teacher's Config. Values from the
// file override the defaults, and VCHANNEL_ environment variables override
// keys the file sets. There is no command-line flag layer.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/rdpgo/vchannel/internal/bytesize"
	"github.com/rdpgo/vchannel/pkg/clipboard"
)

// EnvPrefix is the environment-variable prefix viper binds, mirroring
// DITTOFS_ in the teacher's config loader.
const EnvPrefix = "VCHANNEL"

// AddinConfig configures the addin registry's static registrations and
// the directory fsnotify watches for dynamic addin changes (spec.md
// §4.3's DiscoveryScanner trigger; the scan itself stays an interface
// contract per the non-goal in SPEC_FULL.md §6).
type AddinConfig struct {
	// SearchDirs are directories watched for addin file changes.
	SearchDirs []string `mapstructure:"search_dirs" yaml:"search_dirs"`

	// Static lists channel names this process expects to resolve via the
	// statically linked addin table rather than dynamic discovery.
	Static []string `mapstructure:"static" yaml:"static"`
}

// ClipboardConfig configures the clipboard protocol engine (C4).
type ClipboardConfig struct {
	// FeatureMask gates clipboard data/file directions, spec.md §4.4.4.
	// Bits: 1=REMOTE_TO_LOCAL, 2=REMOTE_TO_LOCAL_FILES,
	// 4=LOCAL_TO_REMOTE, 8=LOCAL_TO_REMOTE_FILES.
	FeatureMask uint32 `mapstructure:"feature_mask" yaml:"feature_mask"`

	// MaxFileChunk is loaded and saved with the configuration. The
	// clipboard engine does not read it, so it does not bound
	// FileContentsResponse bodies.
	MaxFileChunk bytesize.ByteSize `mapstructure:"max_file_chunk" yaml:"max_file_chunk"`
}

// Mask returns the FeatureMask as the clipboard package's typed bitmask.
func (c ClipboardConfig) Mask() clipboard.FeatureMask {
	return clipboard.FeatureMask(c.FeatureMask)
}

// TransportConfig names the RDP virtual channels this process opens.
type TransportConfig struct {
	ClipboardChannel string `mapstructure:"clipboard_channel" yaml:"clipboard_channel"`
	USBControlDVC    string `mapstructure:"usb_control_dvc" yaml:"usb_control_dvc"`
}

// LoggingConfig holds the level, format and output fields of
// internal/logger's Config. Load does not apply them; no package in this
// module passes them to logger.Init.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// MetricsConfig controls whether pkg/runtime calls metrics.InitRegistry.
// Listen is loaded and saved, but no package in this module starts a
// Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
}

// USBConfig configures the USB redirection engine's hotplug auto-add list.
type USBConfig struct {
	AutoAdd []VIDPIDConfig `mapstructure:"auto_add" yaml:"auto_add"`
}

// VIDPIDConfig is one vendor/product id pair permitted to auto-register
// on hotplug arrival (spec.md §4.5.6).
type VIDPIDConfig struct {
	VID uint16 `mapstructure:"vid" yaml:"vid"`
	PID uint16 `mapstructure:"pid" yaml:"pid"`
}

// Config is the top-level session configuration.
type Config struct {
	Logging   LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	Metrics   MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
	Addin     AddinConfig      `mapstructure:"addin" yaml:"addin"`
	Clipboard ClipboardConfig  `mapstructure:"clipboard" yaml:"clipboard"`
	Transport TransportConfig  `mapstructure:"transport" yaml:"transport"`
	USB       USBConfig        `mapstructure:"usb" yaml:"usb"`
}

// Default returns the zero-configuration defaults: every clipboard
// direction enabled, info logging, metrics disabled.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "INFO", Format: "text", Output: "stdout"},
		Metrics: MetricsConfig{Enabled: false, Listen: "127.0.0.1:9090"},
		Clipboard: ClipboardConfig{
			FeatureMask:  0xF,
			MaxFileChunk: 4 * bytesize.MiB,
		},
		Transport: TransportConfig{
			ClipboardChannel: "cliprdr",
			USBControlDVC:    "URBDRC",
		},
	}
}

// Load reads configuration from path (or ./vchannel.yaml when path is
// empty) over Default(). Environment variables prefixed VCHANNEL_ override
// keys that the file sets; keys absent from the file are not read from the
// environment. When no file is found, Load returns Default() and the
// environment is not consulted.
func Load(path string) (*Config, error) {
	v := viper.New()
	setupViper(v, path)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !found {
		return Default(), nil
	}

	cfg := Default()
	if err := v.Unmarshal(cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

// Save writes cfg to path as YAML.
func Save(cfg *Config, path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create directory: %w", err)
		}
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

func setupViper(v *viper.Viper, path string) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		return
	}
	v.AddConfigPath(".")
	v.SetConfigName("vchannel")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("config: read config file: %w", err)
	}
	return true, nil
}

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	)
}
