// Package config provides the YAML-based application configuration,
// including first-run config creation, atomic saves with 0600
// permissions, and boundary validation so the transfer core only ever
// sees a well-formed TransferConfig.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"tagcal/internal/codec"
	"tagcal/internal/model"
)

// Duration wraps time.Duration so YAML configs can use "30s" / "2m"
// style values.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// CalendarConfig describes the ICS availability source.
type CalendarConfig struct {
	// URL is the ICS subscription endpoint.
	URL string `yaml:"ics_url"`
	// CheckWindowMinutes is how far ahead a meeting counts as "upcoming".
	CheckWindowMinutes int `yaml:"check_window_minutes"`
	// Timezone is the IANA display timezone ("Local" for the host zone).
	Timezone string `yaml:"timezone"`
}

// DeviceConfig describes the target tag and its image orientation.
type DeviceConfig struct {
	// Identifier is an address, exact advertised name, or substring.
	// Empty means: match any known vendor name family.
	Identifier string `yaml:"identifier"`

	// TagSize selects the panel geometry ("1.54", "2.1", "2.9", "4.2", "7.5").
	TagSize string `yaml:"tag_size"`

	Rotation int  `yaml:"rotation"`
	MirrorX  bool `yaml:"mirror_x"`
	MirrorY  bool `yaml:"mirror_y"`

	Compression bool `yaml:"compression"`
	DisableRed  bool `yaml:"disable_red"`

	// Threshold and RedThreshold are pointers so an explicit 0 in the
	// file is distinguishable from an absent key.
	Threshold    *int `yaml:"threshold"`
	RedThreshold *int `yaml:"red_threshold"`
}

// TransferTimingConfig bounds the BLE attempt loop.
type TransferTimingConfig struct {
	ScanTimeout    Duration `yaml:"scan_timeout"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
	ChunkTimeout   Duration `yaml:"chunk_timeout"`
	TotalTimeout   Duration `yaml:"total_timeout"`

	MaxAttempts int      `yaml:"max_attempts"`
	BackoffBase Duration `yaml:"backoff_base"`
	BackoffMax  Duration `yaml:"backoff_max"`
}

// BatteryConfig controls the optional host battery reader.
type BatteryConfig struct {
	Enabled bool   `yaml:"enabled"`
	I2CBus  string `yaml:"i2c_bus"`
	I2CAddr uint16 `yaml:"i2c_addr"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the status API.
type BasicAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the status card and API.
	Listen string `yaml:"listen"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// RefreshCron schedules pipeline runs in daemon mode.
	RefreshCron string `yaml:"refresh"`

	Calendar CalendarConfig       `yaml:"calendar"`
	Device   DeviceConfig         `yaml:"device"`
	Transfer TransferTimingConfig `yaml:"transfer"`
	Battery  BatteryConfig        `yaml:"battery"`

	// StateFile is where the status fingerprint is persisted.
	StateFile string `yaml:"state_file"`

	// BasicAuth, if both fields are set, protects all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:      "127.0.0.1:8080",
		LogLevel:    "info",
		RefreshCron: "*/5 * * * *",
		Calendar: CalendarConfig{
			CheckWindowMinutes: 5,
			Timezone:           "Local",
		},
		Device: DeviceConfig{
			Identifier:   "PICKSMART",
			TagSize:      "2.9",
			Rotation:     90,
			MirrorX:      true,
			MirrorY:      false,
			Threshold:    intPtr(128),
			RedThreshold: intPtr(128),
		},
		Transfer: TransferTimingConfig{
			ScanTimeout:    Duration(30 * time.Second),
			ConnectTimeout: Duration(20 * time.Second),
			ChunkTimeout:   Duration(10 * time.Second),
			TotalTimeout:   Duration(2 * time.Minute),
			MaxAttempts:    3,
			BackoffBase:    Duration(2 * time.Second),
			BackoffMax:     Duration(30 * time.Second),
		},
		Battery: BatteryConfig{
			Enabled: false,
			I2CAddr: 0x57,
		},
		StateFile: "/var/lib/tagcal/status.json",
	}
}

// Normalize fills in missing/zero values with defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	d := DefaultConfig()

	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.RefreshCron == "" {
		c.RefreshCron = d.RefreshCron
	}
	if c.Calendar.CheckWindowMinutes <= 0 {
		c.Calendar.CheckWindowMinutes = d.Calendar.CheckWindowMinutes
	}
	if c.Calendar.Timezone == "" {
		c.Calendar.Timezone = d.Calendar.Timezone
	}
	if c.Device.TagSize == "" {
		c.Device.TagSize = d.Device.TagSize
	}
	if c.Device.Threshold == nil {
		c.Device.Threshold = d.Device.Threshold
	}
	if c.Device.RedThreshold == nil {
		c.Device.RedThreshold = d.Device.RedThreshold
	}
	if c.Transfer.ScanTimeout <= 0 {
		c.Transfer.ScanTimeout = d.Transfer.ScanTimeout
	}
	if c.Transfer.ConnectTimeout <= 0 {
		c.Transfer.ConnectTimeout = d.Transfer.ConnectTimeout
	}
	if c.Transfer.ChunkTimeout <= 0 {
		c.Transfer.ChunkTimeout = d.Transfer.ChunkTimeout
	}
	if c.Transfer.TotalTimeout <= 0 {
		c.Transfer.TotalTimeout = d.Transfer.TotalTimeout
	}
	if c.Transfer.MaxAttempts <= 0 {
		c.Transfer.MaxAttempts = d.Transfer.MaxAttempts
	}
	if c.Transfer.BackoffBase <= 0 {
		c.Transfer.BackoffBase = d.Transfer.BackoffBase
	}
	if c.Transfer.BackoffMax <= 0 {
		c.Transfer.BackoffMax = d.Transfer.BackoffMax
	}
	if c.Battery.I2CAddr == 0 {
		c.Battery.I2CAddr = d.Battery.I2CAddr
	}
	if c.StateFile == "" {
		c.StateFile = d.StateFile
	}
}

// Validate rejects invalid values before they reach the transfer core.
func (c *Config) Validate() error {
	if !model.Rotation(c.Device.Rotation).Valid() {
		return fmt.Errorf("config: device.rotation must be 0, 90, 180 or 270, got %d", c.Device.Rotation)
	}
	if c.Device.Threshold == nil || *c.Device.Threshold < 0 || *c.Device.Threshold > 255 {
		return fmt.Errorf("config: device.threshold must be 0-255, got %s", intPtrString(c.Device.Threshold))
	}
	if c.Device.RedThreshold == nil || *c.Device.RedThreshold < 0 || *c.Device.RedThreshold > 255 {
		return fmt.Errorf("config: device.red_threshold must be 0-255, got %s", intPtrString(c.Device.RedThreshold))
	}
	if _, ok := codec.GeometryForTagSize(c.Device.TagSize); !ok {
		return fmt.Errorf("config: device.tag_size %q is not a supported panel size", c.Device.TagSize)
	}
	if c.Transfer.MaxAttempts < 1 {
		return fmt.Errorf("config: transfer.max_attempts must be >= 1, got %d", c.Transfer.MaxAttempts)
	}
	if c.Calendar.Timezone != "Local" {
		if _, err := time.LoadLocation(c.Calendar.Timezone); err != nil {
			return fmt.Errorf("config: calendar.timezone %q: %w", c.Calendar.Timezone, err)
		}
	}
	if _, err := cron.ParseStandard(c.RefreshCron); err != nil {
		return fmt.Errorf("config: refresh %q is not a valid cron expression: %w", c.RefreshCron, err)
	}
	return nil
}

// TransferConfig builds the validated, immutable snapshot the codec and
// session consume. Call Validate first.
func (c *Config) TransferConfig() model.TransferConfig {
	geom, _ := codec.GeometryForTagSize(c.Device.TagSize)
	return model.TransferConfig{
		Geometry:     geom,
		Rotation:     model.Rotation(c.Device.Rotation),
		MirrorX:      c.Device.MirrorX,
		MirrorY:      c.Device.MirrorY,
		Compression:  c.Device.Compression,
		DisableRed:   c.Device.DisableRed,
		Threshold:    *c.Device.Threshold,
		RedThreshold: *c.Device.RedThreshold,
	}
}

func intPtr(n int) *int { return &n }

func intPtrString(p *int) string {
	if p == nil {
		return "unset"
	}
	return fmt.Sprintf("%d", *p)
}

// DisplayLocation resolves the configured timezone.
func (c *Config) DisplayLocation() (*time.Location, error) {
	if c.Calendar.Timezone == "" || c.Calendar.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Calendar.Timezone)
}

// Load loads configuration from the given YAML path.
//
//   - If the file does not exist, a default config is written there
//     (0600) and returned.
//   - Otherwise the file is unmarshaled and normalized.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config: path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if saveErr := Save(path, cfg); saveErr != nil {
				return cfg, saveErr
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the configuration atomically (temp file + rename) with
// 0600 permissions, creating the parent directory if needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config: path is empty")
	}
	if cfg == nil {
		return errors.New("config: config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tagcal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// Save is a convenience method delegating to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
