package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gantry-labs/strata/pkg/graph"
	"github.com/gantry-labs/strata/pkg/panel"
	"github.com/go-playground/validator"
	"github.com/goccy/go-yaml"
)

// ErrInvalidConfig wraps every validation failure so callers can treat the
// whole class as fatal pre-run errors.
var ErrInvalidConfig = errors.New("invalid run configuration")

// WindowConfig selects how the run's windows are built. Quarterly mode
// tiles calendar quarters; custom mode takes explicit epoch-millisecond
// bounds and may overlap.
type WindowConfig struct {
	Mode string `yaml:"mode" validate:"required,oneof=quarterly custom"`

	StartYear int `yaml:"start_year"`
	EndYear   int `yaml:"end_year"`

	HorizonStart int64 `yaml:"horizon_start"`
	HorizonEnd   int64 `yaml:"horizon_end"`
	Width        int64 `yaml:"width"`
	Step         int64 `yaml:"step"`
}

// MetricConfig toggles and tunes the per-window algorithms.
type MetricConfig struct {
	Damping         float64 `yaml:"damping" validate:"gt=0,lt=1"`
	Tolerance       float64 `yaml:"tolerance" validate:"gt=0"`
	Resolution      float64 `yaml:"resolution" validate:"gt=0"`
	MaxLevels       int     `yaml:"max_levels" validate:"min=1"`
	EmbeddingDim    int     `yaml:"embedding_dim" validate:"min=1"`
	PropagationHops int     `yaml:"propagation_hops" validate:"min=0"`

	PageRank    bool `yaml:"page_rank"`
	Betweenness bool `yaml:"betweenness"`
	Closeness   bool `yaml:"closeness"`
	Components  bool `yaml:"components"`
	Communities bool `yaml:"communities"`
	Embedding   bool `yaml:"embedding"`
}

// Config is the full run configuration, read from an explicit YAML file.
// Isolate policy, the imputed-family flag, lag offsets, and the overlap
// disambiguation rule have no defaults: a run that does not state them
// does not start.
type Config struct {
	RunID string `yaml:"run_id"`
	Seed  uint64 `yaml:"seed"`

	Windows WindowConfig `yaml:"windows" validate:"required"`

	EntityTypes []string `yaml:"entity_types" validate:"dive,oneof=bank company person state_body"`
	RelTypes    []string `yaml:"rel_types" validate:"required,min=1,dive,oneof=ownership management family similarity"`

	IncludeIsolates      *bool `yaml:"include_isolates" validate:"required"`
	IncludeImputedFamily *bool `yaml:"include_imputed_family" validate:"required"`

	Lags               []int   `yaml:"lags" validate:"required,min=1,dive,min=0"`
	Rule               string  `yaml:"disambiguation_rule" validate:"required,oneof=most_recent nearest_midpoint"`
	MinCommunitySize   int     `yaml:"min_community_size" validate:"min=0"`
	MatchWarnThreshold float64 `yaml:"match_warn_threshold" validate:"min=0,max=1"`

	Metrics MetricConfig `yaml:"metrics"`

	Concurrency   int           `yaml:"concurrency" validate:"min=1"`
	WindowTimeout time.Duration `yaml:"window_timeout" validate:"min=0"`
	StoreRetries  int           `yaml:"store_retries" validate:"min=1"`

	OutputDir   string `yaml:"output_dir" validate:"required"`
	ExportEdges bool   `yaml:"export_edges"`
	WriteBack   bool   `yaml:"write_back"`
	UploadS3    bool   `yaml:"upload_s3"`
}

// Load reads and validates the run configuration at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a raw YAML config.
func Parse(data []byte) (Config, error) {
	cfg := defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Windows.check(); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return cfg, nil
}

// defaults cover tuning knobs only. Semantics-bearing fields stay unset so
// validation forces the config file to state them.
func defaults() Config {
	return Config{
		Seed: 1,
		Metrics: MetricConfig{
			Damping:         0.85,
			Tolerance:       1e-6,
			Resolution:      1.0,
			MaxLevels:       10,
			EmbeddingDim:    64,
			PropagationHops: 2,
			PageRank:        true,
			Betweenness:     true,
			Components:      true,
			Communities:     true,
			Embedding:       true,
		},
		MatchWarnThreshold: 0.5,
		Concurrency:        4,
		WindowTimeout:      10 * time.Minute,
		StoreRetries:       3,
	}
}

func (w WindowConfig) check() error {
	switch w.Mode {
	case "quarterly":
		if w.StartYear == 0 || w.EndYear == 0 {
			return errors.New("quarterly windows need start_year and end_year")
		}
		if w.EndYear < w.StartYear {
			return fmt.Errorf("end_year %d before start_year %d", w.EndYear, w.StartYear)
		}
	case "custom":
		if w.Width <= 0 {
			return errors.New("custom windows need a positive width")
		}
		if w.HorizonEnd <= w.HorizonStart {
			return errors.New("custom windows need horizon_end after horizon_start")
		}
	}
	return nil
}

// Plan builds the window plan the config describes.
func (c Config) Plan() (graph.Plan, error) {
	if c.Windows.Mode == "quarterly" {
		return graph.QuarterWindows(c.Windows.StartYear, c.Windows.EndYear)
	}
	return graph.BuildPlan(c.Windows.HorizonStart, c.Windows.HorizonEnd, c.Windows.Width, c.Windows.Step)
}

// GraphEntityTypes converts the configured entity type filter.
func (c Config) GraphEntityTypes() []graph.EntityType {
	types := make([]graph.EntityType, len(c.EntityTypes))
	for i, t := range c.EntityTypes {
		types[i] = graph.EntityType(t)
	}
	return types
}

// GraphRelTypes converts the configured relationship type filter.
func (c Config) GraphRelTypes() []graph.RelType {
	types := make([]graph.RelType, len(c.RelTypes))
	for i, t := range c.RelTypes {
		types[i] = graph.RelType(t)
	}
	return types
}

// JoinConfig derives the panel joiner configuration.
func (c Config) JoinConfig() panel.JoinConfig {
	return panel.JoinConfig{
		Lags:               c.Lags,
		Rule:               panel.DisambiguationRule(c.Rule),
		MatchWarnThreshold: c.MatchWarnThreshold,
	}
}

// HashableParams is the subset of the config that determines panel
// content; it feeds the params hash stamped into every output row.
func (c Config) HashableParams() map[string]any {
	return map[string]any{
		"windows":                c.Windows,
		"entity_types":           c.EntityTypes,
		"rel_types":              c.RelTypes,
		"include_isolates":       c.IncludeIsolates,
		"include_imputed_family": c.IncludeImputedFamily,
		"lags":                   c.Lags,
		"disambiguation_rule":    c.Rule,
		"min_community_size":     c.MinCommunitySize,
		"metrics":                c.Metrics,
		"seed":                   c.Seed,
	}
}
