package ground

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	defaultClientID      = "groundalign"
	defaultPublishPrefix = "groundalign"
)

// Config is the service configuration loaded from YAML
type Config struct {
	MQTT MQTTConfig `yaml:"mqtt" json:"mqtt"`

	// Defaults for every sensor; a sensor may override the plane source.
	PlaneNormalAndOffset  []float64 `yaml:"plane_normal_and_offset,omitempty" json:"plane_normal_and_offset,omitempty"`
	UseLiveEstimation     bool      `yaml:"use_live_estimation" json:"use_live_estimation"`
	RansacMaxIterations   int       `yaml:"ransac_max_iterations,omitempty" json:"ransac_max_iterations,omitempty"`
	RansacInlierThreshold float64   `yaml:"ransac_inlier_threshold,omitempty" json:"ransac_inlier_threshold,omitempty"`
	RansacSeed            *uint64   `yaml:"ransac_seed,omitempty" json:"ransac_seed,omitempty"`
	ReportDiagnostics     bool      `yaml:"report_diagnostics" json:"report_diagnostics"`
	RequireNonEmpty       bool      `yaml:"require_non_empty" json:"require_non_empty"`
	Workers               int       `yaml:"workers,omitempty" json:"workers,omitempty"`

	LogLevel string `yaml:"log_level,omitempty" json:"log_level,omitempty"`
	HTTPAddr string `yaml:"http_addr,omitempty" json:"http_addr,omitempty"`

	Sensors []SensorConfig `yaml:"sensors" json:"sensors"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publish_prefix,omitempty" json:"publish_prefix,omitempty"`
	ClientID      string `yaml:"client_id,omitempty" json:"client_id,omitempty"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"-"`
}

// SensorConfig describes one roadside sensor feed
type SensorConfig struct {
	ID      string `yaml:"id" json:"id"`
	Topic   string `yaml:"topic" json:"topic"`
	FrameID string `yaml:"frame_id,omitempty" json:"frame_id,omitempty"`

	// Optional overrides of the top-level plane source
	PlaneNormalAndOffset []float64 `yaml:"plane_normal_and_offset,omitempty" json:"plane_normal_and_offset,omitempty"`
	UseLiveEstimation    *bool     `yaml:"use_live_estimation,omitempty" json:"use_live_estimation,omitempty"`
}

// LoadConfig reads, defaults and validates the configuration at path.
// MQTT_* environment variables take precedence over the file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML config bytes
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	config.applyEnv()
	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// SaveConfig writes the configuration as YAML
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("MQTT_CLIENT_ID"); v != "" {
		c.MQTT.ClientID = v
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		c.MQTT.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		c.MQTT.Password = v
	}
	if v := os.Getenv("MQTT_PUBLISH_PREFIX"); v != "" {
		c.MQTT.PublishPrefix = v
	}
}

func (c *Config) applyDefaults() {
	def := DefaultRansacConfig()
	if c.RansacMaxIterations == 0 {
		c.RansacMaxIterations = def.MaxIterations
	}
	if c.RansacInlierThreshold == 0 {
		c.RansacInlierThreshold = def.InlierThreshold
	}
	if c.RansacSeed == nil {
		seed := def.Seed
		c.RansacSeed = &seed
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = defaultClientID
	}
	if c.MQTT.PublishPrefix == "" {
		c.MQTT.PublishPrefix = defaultPublishPrefix
	}
	for i := range c.Sensors {
		if c.Sensors[i].FrameID == "" {
			c.Sensors[i].FrameID = c.Sensors[i].ID
		}
	}
}

// Validate checks the structural rules of the configuration
func (c *Config) Validate() error {
	if len(c.Sensors) == 0 {
		return errors.New("at least one sensor must be defined")
	}
	if c.RansacMaxIterations < 0 {
		return fmt.Errorf("ransac_max_iterations must be positive, got %d", c.RansacMaxIterations)
	}
	if c.RansacInlierThreshold < 0 {
		return fmt.Errorf("ransac_inlier_threshold must be positive, got %g", c.RansacInlierThreshold)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", c.Workers)
	}
	if c.PlaneNormalAndOffset != nil {
		if _, err := parsePlane(c.PlaneNormalAndOffset); err != nil {
			return fmt.Errorf("plane_normal_and_offset: %w", err)
		}
	}

	seen := make(map[string]bool, len(c.Sensors))
	for i, sc := range c.Sensors {
		if sc.ID == "" {
			return fmt.Errorf("sensors[%d].id is required", i)
		}
		if seen[sc.ID] {
			return fmt.Errorf("sensors[%d].id %q is duplicated", i, sc.ID)
		}
		seen[sc.ID] = true
		if sc.Topic == "" {
			return fmt.Errorf("sensors[%d].topic is required for %s", i, sc.ID)
		}
		if sc.PlaneNormalAndOffset != nil {
			if _, err := parsePlane(sc.PlaneNormalAndOffset); err != nil {
				return fmt.Errorf("sensors[%d].plane_normal_and_offset: %w", i, err)
			}
		}
		if c.planeFor(sc) == nil && !c.liveFor(sc) {
			return fmt.Errorf("sensors[%d] (%s) needs plane_normal_and_offset or use_live_estimation", i, sc.ID)
		}
	}
	return nil
}

// SensorByID returns the sensor config for id
func (c *Config) SensorByID(id string) *SensorConfig {
	for i := range c.Sensors {
		if c.Sensors[i].ID == id {
			return &c.Sensors[i]
		}
	}
	return nil
}

// RansacConfig returns the estimator tuning shared by all sensors.
// An unset seed falls back to the default; 0 is a valid seed.
func (c *Config) RansacConfig() RansacConfig {
	seed := DefaultRansacConfig().Seed
	if c.RansacSeed != nil {
		seed = *c.RansacSeed
	}
	return RansacConfig{
		MaxIterations:   c.RansacMaxIterations,
		InlierThreshold: c.RansacInlierThreshold,
		Seed:            seed,
	}
}

// AlignerConfig resolves the effective aligner settings of one sensor
func (c *Config) AlignerConfig(sc SensorConfig) (AlignerConfig, error) {
	cfg := AlignerConfig{
		LiveEstimation:  c.liveFor(sc),
		Diagnose:        c.ReportDiagnostics,
		Ransac:          c.RansacConfig(),
		RequireNonEmpty: c.RequireNonEmpty,
		Workers:         c.Workers,
	}
	if raw := c.planeFor(sc); raw != nil {
		plane, err := parsePlane(raw)
		if err != nil {
			return AlignerConfig{}, fmt.Errorf("sensor %s: %w", sc.ID, err)
		}
		cfg.Plane = &plane
	}
	return cfg, nil
}

func (c *Config) planeFor(sc SensorConfig) []float64 {
	if sc.PlaneNormalAndOffset != nil {
		return sc.PlaneNormalAndOffset
	}
	return c.PlaneNormalAndOffset
}

func (c *Config) liveFor(sc SensorConfig) bool {
	if sc.UseLiveEstimation != nil {
		return *sc.UseLiveEstimation
	}
	return c.UseLiveEstimation
}

// parsePlane converts a configured [nx, ny, nz, d] list to a validated model
func parsePlane(values []float64) (PlaneModel, error) {
	if len(values) != 4 {
		return PlaneModel{}, fmt.Errorf("%w: want 4 values [nx, ny, nz, d], got %d", ErrInvalidPlaneModel, len(values))
	}
	plane := PlaneFromCoefficients([4]float64(values))
	if err := plane.Validate(); err != nil {
		return PlaneModel{}, err
	}
	return plane, nil
}
