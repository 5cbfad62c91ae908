package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// PipelineConfig is the declarative knob set for feature computation and
// drift checking. A job reads one immutable snapshot at start via
// PipelineConfigHolder.Get, so concurrent jobs never observe a half-reloaded
// configuration.
type PipelineConfig struct {
	// FeatureSet selects which registry feature set daily computation uses:
	// "minimal", "extended" or "all".
	FeatureSet string `mapstructure:"featureSet"`

	// LabelHorizonDays is the forward window used for the churn label.
	LabelHorizonDays int `mapstructure:"labelHorizonDays"`

	// SchemaVersion stamps every feature vector produced under this config.
	SchemaVersion int `mapstructure:"schemaVersion"`

	Drift DriftConfig `mapstructure:"drift"`
}

// DriftConfig carries drift-detection thresholds. Per-feature overrides win
// over the global defaults.
type DriftConfig struct {
	PSIThreshold    float64            `mapstructure:"psiThreshold"`
	PValueThreshold float64            `mapstructure:"pValueThreshold"`
	MinSamples      int                `mapstructure:"minSamples"`
	Bins            int                `mapstructure:"bins"`
	FeaturePSI      map[string]float64 `mapstructure:"featurePsi"`
}

func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		FeatureSet:       "extended",
		LabelHorizonDays: 30,
		SchemaVersion:    1,
		Drift: DriftConfig{
			PSIThreshold:    0.2,
			PValueThreshold: 0.05,
			MinSamples:      30,
			Bins:            10,
		},
	}
}

// PipelineConfigHolder hot-reloads pipeline configuration from retain.yml.
type PipelineConfigHolder struct {
	current atomic.Value // holds PipelineConfig
}

func NewPipelineConfigHolder() (*PipelineConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("retain")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/retain/config")
	v.AddConfigPath("/etc/retain")
	v.AddConfigPath(".")

	v.SetEnvPrefix("RETAIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultPipelineConfig()
	v.SetDefault("pipeline.featureSet", defaults.FeatureSet)
	v.SetDefault("pipeline.labelHorizonDays", defaults.LabelHorizonDays)
	v.SetDefault("pipeline.schemaVersion", defaults.SchemaVersion)
	v.SetDefault("pipeline.drift.psiThreshold", defaults.Drift.PSIThreshold)
	v.SetDefault("pipeline.drift.pValueThreshold", defaults.Drift.PValueThreshold)
	v.SetDefault("pipeline.drift.minSamples", defaults.Drift.MinSamples)
	v.SetDefault("pipeline.drift.bins", defaults.Drift.Bins)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg PipelineConfig
	if err := v.UnmarshalKey("pipeline", &cfg); err != nil {
		return nil, err
	}
	if err := validatePipelineConfig(cfg); err != nil {
		return nil, err
	}

	holder := &PipelineConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated PipelineConfig
		if err := v.UnmarshalKey("pipeline", &updated); err != nil {
			log.Printf("[pipeline-config] reload failed: %v", err)
			return
		}
		if err := validatePipelineConfig(updated); err != nil {
			log.Printf("[pipeline-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[pipeline-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *PipelineConfigHolder) Get() PipelineConfig {
	return h.current.Load().(PipelineConfig)
}

// NewStaticPipelineConfigHolder wraps a fixed config with no file watching.
// Jobs that must run against a pinned configuration use this instead of the
// hot-reloading holder.
func NewStaticPipelineConfigHolder(cfg PipelineConfig) (*PipelineConfigHolder, error) {
	if err := validatePipelineConfig(cfg); err != nil {
		return nil, err
	}
	holder := &PipelineConfigHolder{}
	holder.current.Store(cfg)
	return holder, nil
}

func validatePipelineConfig(cfg PipelineConfig) error {
	switch cfg.FeatureSet {
	case "minimal", "extended", "all":
	default:
		return errors.New("pipeline.featureSet must be minimal, extended or all")
	}
	if cfg.LabelHorizonDays <= 0 {
		return errors.New("pipeline.labelHorizonDays must be positive")
	}
	if cfg.Drift.Bins < 2 {
		return errors.New("pipeline.drift.bins must be at least 2")
	}
	if cfg.Drift.MinSamples < 2 {
		return errors.New("pipeline.drift.minSamples must be at least 2")
	}
	return nil
}
