package flamingo

import (
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the configuration surface spec.md §6 enumerates. Unlike the
// teacher's hand-rolled line-based config.go (which grew organically to
// cover a few hundred mostly-audio options), the core's surface is small
// and strongly typed, so it is decoded straight from YAML.
type Config struct {
	ControlIP   string `yaml:"control_ip"`
	ControlPort int    `yaml:"control_port"`

	BufferMaxPlanes int `yaml:"buffer_max_planes"`

	WorkflowTimeoutS       float64 `yaml:"workflow_timeout_s"`
	SettingsLoadTimeoutS   float64 `yaml:"settings_load_timeout_s"`
	PositionQueryTimeoutS  float64 `yaml:"position_query_timeout_s"`
	ConnectTimeoutS        float64 `yaml:"connect_timeout_s"`

	RollingWindowPX int `yaml:"rolling_window_px"`

	WorkDir string `yaml:"work_dir"`
}

// DefaultConfig returns the §6 defaults: buffer_max_planes=10,
// workflow_timeout_s=120, settings_load_timeout_s=5,
// position_query_timeout_s=2, rolling_window_px=21, connect_timeout_s=2.
func DefaultConfig() Config {
	return Config{
		ControlPort:           53717,
		BufferMaxPlanes:       10,
		WorkflowTimeoutS:      120,
		SettingsLoadTimeoutS:  5,
		PositionQueryTimeoutS: 2,
		ConnectTimeoutS:       2,
		RollingWindowPX:       21,
		WorkDir:               ".",
	}
}

// LoadConfig decodes a YAML document over DefaultConfig, so a partial file
// only overrides the fields it mentions.
func LoadConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) workflowTimeout() time.Duration {
	return time.Duration(c.WorkflowTimeoutS * float64(time.Second))
}

func (c Config) settingsLoadTimeout() time.Duration {
	return time.Duration(c.SettingsLoadTimeoutS * float64(time.Second))
}

func (c Config) positionQueryTimeout() time.Duration {
	return time.Duration(c.PositionQueryTimeoutS * float64(time.Second))
}

func (c Config) connectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutS * float64(time.Second))
}

func (c Config) imagePort() int {
	return c.ControlPort + 1
}
