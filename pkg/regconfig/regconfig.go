// Package regconfig provides configuration loading and management for the
// registration pipeline. The primary format is a tolerant UTF-8 JSON
// document; a secondary YAML path is kept for parity with the rest of the
// ambient config stack.
package regconfig

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"mindreg/internal/descriptor"
)

// TransformType selects the geometric transform family searched by the
// optimizer.
type TransformType int

const (
	Rigid TransformType = iota
	Affine
	RigidThenAffine
)

func (t TransformType) String() string {
	switch t {
	case Rigid:
		return "Rigid"
	case Affine:
		return "Affine"
	case RigidThenAffine:
		return "RigidThenAffine"
	default:
		return "Unknown"
	}
}

// MetricType selects the similarity metric driving registration.
type MetricType int

const (
	MattesMutualInformation MetricType = iota
	MIND
)

func (m MetricType) String() string {
	switch m {
	case MattesMutualInformation:
		return "MattesMutualInformation"
	case MIND:
		return "MIND"
	default:
		return "Unknown"
	}
}

// OptimizerType selects the parameter-search strategy.
type OptimizerType int

const (
	// optimizerUnset marks that the config file did not specify an
	// optimizer; ResolvedOptimizer derives one from MetricType.
	optimizerUnset OptimizerType = iota
	RegularStepGradientDescent
	GaussNewton
)

func (o OptimizerType) String() string {
	switch o {
	case RegularStepGradientDescent:
		return "RegularStepGradientDescent"
	case GaussNewton:
		return "GaussNewton"
	default:
		return "Unset"
	}
}

// Config is a passive record enumerating every registration knob. Fields
// correspond 1:1 to recognized JSON keys; unknown keys are ignored.
type Config struct {
	TransformType TransformType `json:"transformType" yaml:"transformType"`
	MetricType    MetricType    `json:"metricType" yaml:"metricType"`
	OptimizerType OptimizerType `json:"optimizerType" yaml:"optimizerType"`

	// Per-level schedules. A scalar in the JSON source is treated as a
	// length-1 array.
	LearningRate       []float64 `json:"learningRate" yaml:"learningRate"`
	NumberOfIterations []int     `json:"numberOfIterations" yaml:"numberOfIterations"`
	ShrinkFactors      []int     `json:"shrinkFactors" yaml:"shrinkFactors"`
	SmoothingSigmas    []float64 `json:"smoothingSigmas" yaml:"smoothingSigmas"`

	// Sampling knobs.
	SamplingPercentage    float64 `json:"samplingPercentage" yaml:"samplingPercentage"`
	UseStratifiedSampling bool    `json:"useStratifiedSampling" yaml:"useStratifiedSampling"`
	RandomSeed            int64   `json:"randomSeed" yaml:"randomSeed"`

	// MIND knobs.
	MINDRadius           int                         `json:"mindRadius" yaml:"mindRadius"`
	MINDSigma            float64                     `json:"mindSigma" yaml:"mindSigma"` // informational only; see descriptor.Params.Sigma.
	MINDNeighborhoodType descriptor.NeighborhoodType `json:"mindNeighborhoodType" yaml:"mindNeighborhoodType"`

	// GN/LM knobs.
	UseLineSearch         bool    `json:"useLineSearch" yaml:"useLineSearch"`
	UseLevenbergMarquardt bool    `json:"useLevenbergMarquardt" yaml:"useLevenbergMarquardt"`
	DampingFactor         float64 `json:"dampingFactor" yaml:"dampingFactor"`
}

// DefaultConfig returns a configuration with default values. The config
// record is the single source of truth for samplingPercentage (0.25);
// earlier constructors in the original codebase defaulted to 0.15, which
// this record does not carry forward.
func DefaultConfig() *Config {
	return &Config{
		TransformType:         Rigid,
		MetricType:            MIND,
		OptimizerType:         optimizerUnset,
		LearningRate:          []float64{1.0},
		NumberOfIterations:    []int{100},
		ShrinkFactors:         []int{1},
		SmoothingSigmas:       []float64{0},
		SamplingPercentage:    0.25,
		UseStratifiedSampling: true,
		RandomSeed:            0,
		MINDRadius:            1,
		MINDSigma:             2.0,
		MINDNeighborhoodType:  descriptor.SixConnected,
		UseLineSearch:         true,
		UseLevenbergMarquardt: true,
		DampingFactor:         1e-3,
	}
}

// ResolvedOptimizer returns the effective optimizer type: the explicit
// setting if present, otherwise the metric-dependent default (MIND ->
// GaussNewton, Mattes -> RegularStepGradientDescent).
func (c *Config) ResolvedOptimizer() OptimizerType {
	if c.OptimizerType != optimizerUnset {
		return c.OptimizerType
	}
	if c.MetricType == MIND {
		return GaussNewton
	}
	return RegularStepGradientDescent
}

// LoadConfig loads configuration from a JSON file. If the file doesn't
// exist, it returns the default configuration. Per-field parse failures are
// reported to the log and the offending field is left at its default value;
// the parser never aborts on a single bad key.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	decodeTolerant(raw, cfg)
	return cfg, nil
}

// decodeTolerant fills cfg from raw key/value pairs, keeping cfg's existing
// default for any key that fails to decode and logging a warning instead of
// aborting the whole parse.
func decodeTolerant(raw map[string]json.RawMessage, cfg *Config) {
	field := func(key string, set func(json.RawMessage) error) {
		msg, ok := raw[key]
		if !ok {
			return
		}
		if err := set(msg); err != nil {
			log.Printf("regconfig: ignoring invalid %q (%v), keeping default", key, err)
		}
	}

	field("transformType", func(m json.RawMessage) error {
		return decodeEnum(m, &cfg.TransformType, transformAliases)
	})
	field("metricType", func(m json.RawMessage) error {
		return decodeEnum(m, &cfg.MetricType, metricAliases)
	})
	field("optimizerType", func(m json.RawMessage) error {
		return decodeEnum(m, &cfg.OptimizerType, optimizerAliases)
	})
	field("learningRate", func(m json.RawMessage) error { return decodeFloatSlice(m, &cfg.LearningRate) })
	field("numberOfIterations", func(m json.RawMessage) error { return decodeIntSlice(m, &cfg.NumberOfIterations) })
	field("shrinkFactors", func(m json.RawMessage) error { return decodeIntSlice(m, &cfg.ShrinkFactors) })
	field("smoothingSigmas", func(m json.RawMessage) error { return decodeFloatSlice(m, &cfg.SmoothingSigmas) })
	field("samplingPercentage", func(m json.RawMessage) error { return json.Unmarshal(m, &cfg.SamplingPercentage) })
	field("useStratifiedSampling", func(m json.RawMessage) error { return decodeBool(m, &cfg.UseStratifiedSampling) })
	field("randomSeed", func(m json.RawMessage) error { return json.Unmarshal(m, &cfg.RandomSeed) })
	field("mindRadius", func(m json.RawMessage) error { return json.Unmarshal(m, &cfg.MINDRadius) })
	field("mindSigma", func(m json.RawMessage) error { return json.Unmarshal(m, &cfg.MINDSigma) })
	field("mindNeighborhoodType", func(m json.RawMessage) error {
		return decodeEnum(m, &cfg.MINDNeighborhoodType, neighborhoodAliases)
	})
	field("useLineSearch", func(m json.RawMessage) error { return decodeBool(m, &cfg.UseLineSearch) })
	field("useLevenbergMarquardt", func(m json.RawMessage) error { return decodeBool(m, &cfg.UseLevenbergMarquardt) })
	field("dampingFactor", func(m json.RawMessage) error { return json.Unmarshal(m, &cfg.DampingFactor) })
}

// decodeFloatSlice accepts either a JSON scalar (wrapped into a length-1
// slice) or a JSON array of numbers.
func decodeFloatSlice(m json.RawMessage, out *[]float64) error {
	var arr []float64
	if err := json.Unmarshal(m, &arr); err == nil {
		*out = arr
		return nil
	}
	var scalar float64
	if err := json.Unmarshal(m, &scalar); err != nil {
		return err
	}
	*out = []float64{scalar}
	return nil
}

func decodeIntSlice(m json.RawMessage, out *[]int) error {
	var arr []int
	if err := json.Unmarshal(m, &arr); err == nil {
		*out = arr
		return nil
	}
	var scalar int
	if err := json.Unmarshal(m, &scalar); err != nil {
		return err
	}
	*out = []int{scalar}
	return nil
}

// decodeBool accepts a JSON boolean or a string alias:
// true/false/"true"/"1"/"yes" (case-insensitive).
func decodeBool(m json.RawMessage, out *bool) error {
	var b bool
	if err := json.Unmarshal(m, &b); err == nil {
		*out = b
		return nil
	}
	var s string
	if err := json.Unmarshal(m, &s); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes":
		*out = true
	case "false", "0", "no":
		*out = false
	default:
		if v, err := strconv.ParseBool(s); err == nil {
			*out = v
			return nil
		}
		return fmt.Errorf("unrecognized boolean alias %q", s)
	}
	return nil
}

var transformAliases = map[string]TransformType{
	"rigid":           Rigid,
	"affine":          Affine,
	"rigidthenaffine": RigidThenAffine,
	"rigid+affine":    RigidThenAffine,
	"rigidaffine":     RigidThenAffine,
}

var metricAliases = map[string]MetricType{
	"mattesmutualinformation": MattesMutualInformation,
	"mattes":                  MattesMutualInformation,
	"mind":                    MIND,
}

var optimizerAliases = map[string]OptimizerType{
	"regularstepgradientdescent": RegularStepGradientDescent,
	"gradientdescent":            RegularStepGradientDescent,
	"rsgd":                       RegularStepGradientDescent,
	"gaussnewton":                GaussNewton,
	"gauss-newton":               GaussNewton,
	"gn":                         GaussNewton,
	"lm":                         GaussNewton,
	"levenberg-marquardt":        GaussNewton,
}

var neighborhoodAliases = map[string]descriptor.NeighborhoodType{
	"sixconnected":       descriptor.SixConnected,
	"six":                descriptor.SixConnected,
	"6":                  descriptor.SixConnected,
	"twentysixconnected": descriptor.TwentySixConnected,
	"twentysix":          descriptor.TwentySixConnected,
	"26":                 descriptor.TwentySixConnected,
}

// decodeEnum accepts the canonical numeric value or a string alias looked
// up (case-insensitively, with surrounding whitespace trimmed) in aliases.
func decodeEnum[T ~int](m json.RawMessage, out *T, aliases map[string]T) error {
	var n int
	if err := json.Unmarshal(m, &n); err == nil {
		*out = T(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(m, &s); err != nil {
		return err
	}
	key := strings.ToLower(strings.TrimSpace(s))
	v, ok := aliases[key]
	if !ok {
		return fmt.Errorf("unrecognized enum value %q", s)
	}
	*out = v
	return nil
}

// SaveConfig saves the configuration to a JSON file.
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	return nil
}

// LoadConfigYAML loads configuration from a YAML file, mirroring the JSON
// path but without per-field tolerance (YAML is the secondary, ambient
// format kept for parity with the teacher's config loader).
func LoadConfigYAML(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	return cfg, nil
}

// SaveConfigYAML saves the configuration to a YAML file.
func SaveConfigYAML(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	return nil
}

// CreateDefaultConfigFile creates a default JSON configuration file at the
// specified path.
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
