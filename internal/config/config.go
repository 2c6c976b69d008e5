package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

var ErrNoConfig = errors.New("there is no config")

// Config holds every setting the dataset pipeline, resampler and model
// evaluation read. Keys match config.yml.
type Config struct {
	MinStemDiameter float64 `mapstructure:"min_stem_diameter"`
	MinSamples      int     `mapstructure:"min_samples"`
	TestFraction    float64 `mapstructure:"test_fraction"`
	Iterations      int     `mapstructure:"iterations"`
	Seed            uint64  `mapstructure:"seed"`

	ResampleMin int `mapstructure:"resample_min"`
	ResampleMax int `mapstructure:"resample_max"`

	ImageSize     int    `mapstructure:"image_size"`
	CropDir       string `mapstructure:"crop_dir"`
	RGBSensorPool string `mapstructure:"rgb_sensor_pool"`
	HSISensorPool string `mapstructure:"hsi_sensor_pool"`

	CrownServiceAddr string  `mapstructure:"crown_service_addr"`
	CrownExpand      float64 `mapstructure:"crown_expand"`
	CrownTolerance   float64 `mapstructure:"crown_tolerance"`
	FixedBox         bool    `mapstructure:"fixed_box"`
	FixedBoxSize     float64 `mapstructure:"fixed_box_size"`

	ModelServiceAddr    string `mapstructure:"model_service_addr"`
	ServiceTokenURL     string `mapstructure:"service_token_url"`
	ServiceClientID     string `mapstructure:"service_client_id"`
	ServiceClientSecret string `mapstructure:"service_client_secret"`

	BatchSize int     `mapstructure:"batch_size"`
	Workers   int     `mapstructure:"workers"`
	TopK      int     `mapstructure:"top_k"`
	LR        float64 `mapstructure:"lr"`

	Exclusions `mapstructure:",squash"`
}

// Exclusions are the hand curated lists of records known to be unusable.
type Exclusions struct {
	Taxa           []string `mapstructure:"excluded_taxa"`
	Individuals    []string `mapstructure:"known_bad_individuals"`
	Plots          []string `mapstructure:"known_bad_plots"`
	Sites          []string `mapstructure:"excluded_sites"`
	BadEventMarker string   `mapstructure:"bad_event_marker"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("min_stem_diameter", 0.0)
	v.SetDefault("min_samples", 5)
	v.SetDefault("test_fraction", 0.1)
	v.SetDefault("iterations", 10)
	v.SetDefault("seed", 1)
	v.SetDefault("resample_min", 0)
	v.SetDefault("resample_max", 0)
	v.SetDefault("image_size", 11)
	v.SetDefault("crop_dir", "")
	v.SetDefault("rgb_sensor_pool", "")
	v.SetDefault("hsi_sensor_pool", "")
	v.SetDefault("crown_service_addr", "localhost:50051")
	v.SetDefault("crown_expand", 40.0)
	v.SetDefault("crown_tolerance", 5.0)
	v.SetDefault("fixed_box", false)
	v.SetDefault("fixed_box_size", 1.0)
	v.SetDefault("model_service_addr", "localhost:50051")
	v.SetDefault("batch_size", 16)
	v.SetDefault("workers", 4)
	v.SetDefault("top_k", 5)
	v.SetDefault("lr", 0.0001)

	v.SetDefault("excluded_taxa", []string{"BETUL", "FRAXI", "HALES", "PICEA", "PINUS", "QUERC", "ULMUS", "2PLANT"})
	v.SetDefault("known_bad_individuals", []string{"NEON.PLA.D03.OSBS.03422", "NEON.PLA.D03.OSBS.03382", "NEON.PLA.D17.TEAK.01883"})
	v.SetDefault("known_bad_plots", []string{"SOAP_054"})
	v.SetDefault("excluded_sites", []string{"PUUM", "ORNL"})
	v.SetDefault("bad_event_marker", "2014")
}

// Default returns the configuration used when no file overrides anything.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// defaults always decode
	_ = v.Unmarshal(&cfg)
	return cfg
}

// Load reads a yaml config file. overrides is an optional JSON object whose
// keys take priority over the file.
func Load(path, overrides string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("%w at %s, yields %w", ErrNoConfig, path, err)
	}

	if strings.TrimSpace(overrides) != "" {
		var dict map[string]any
		if err := json.Unmarshal([]byte(overrides), &dict); err != nil {
			return Config{}, fmt.Errorf("invalid config override %q: %w", overrides, err)
		}
		for key, value := range dict {
			v.Set(key, value)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.TestFraction < 0 || c.TestFraction > 1 {
		return fmt.Errorf("test_fraction must be within [0, 1], got %v", c.TestFraction)
	}
	if c.Iterations < 1 {
		return fmt.Errorf("iterations must be positive, got %d", c.Iterations)
	}
	if c.ResampleMax > 0 && c.ResampleMin > c.ResampleMax {
		return fmt.Errorf("resample_min %d exceeds resample_max %d", c.ResampleMin, c.ResampleMax)
	}
	if c.ImageSize < 1 {
		return fmt.Errorf("image_size must be positive, got %d", c.ImageSize)
	}
	return nil
}
