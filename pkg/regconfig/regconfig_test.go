package regconfig

import (
	"os"
	"path/filepath"
	"testing"

	"mindreg/internal/descriptor"
)

func TestDefaultConfigSamplingPercentageIsConfigAuthoritative(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.SamplingPercentage != 0.25 {
		t.Errorf("SamplingPercentage = %v, want 0.25", cfg.SamplingPercentage)
	}
}

func TestResolvedOptimizerDerivesFromMetric(t *testing.T) {
	mind := DefaultConfig()
	mind.MetricType = MIND
	if got := mind.ResolvedOptimizer(); got != GaussNewton {
		t.Errorf("ResolvedOptimizer() for MIND = %v, want GaussNewton", got)
	}

	mattes := DefaultConfig()
	mattes.MetricType = MattesMutualInformation
	if got := mattes.ResolvedOptimizer(); got != RegularStepGradientDescent {
		t.Errorf("ResolvedOptimizer() for Mattes = %v, want RegularStepGradientDescent", got)
	}

	explicit := DefaultConfig()
	explicit.MetricType = MattesMutualInformation
	explicit.OptimizerType = GaussNewton
	if got := explicit.ResolvedOptimizer(); got != GaussNewton {
		t.Errorf("explicit OptimizerType should override the metric-derived default, got %v", got)
	}
}

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.SamplingPercentage != 0.25 {
		t.Errorf("missing file should yield defaults, got SamplingPercentage=%v", cfg.SamplingPercentage)
	}
}

func TestLoadConfigScalarOrArrayFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	body := `{
		"learningRate": 0.5,
		"numberOfIterations": [50, 100, 150],
		"shrinkFactors": 4,
		"smoothingSigmas": [2, 1, 0]
	}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(cfg.LearningRate) != 1 || cfg.LearningRate[0] != 0.5 {
		t.Errorf("scalar learningRate not wrapped to length-1 slice: %v", cfg.LearningRate)
	}
	if len(cfg.NumberOfIterations) != 3 || cfg.NumberOfIterations[2] != 150 {
		t.Errorf("array numberOfIterations not preserved: %v", cfg.NumberOfIterations)
	}
	if len(cfg.ShrinkFactors) != 1 || cfg.ShrinkFactors[0] != 4 {
		t.Errorf("scalar shrinkFactors not wrapped to length-1 slice: %v", cfg.ShrinkFactors)
	}
}

func TestLoadConfigBooleanAliases(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	body := `{"useLineSearch": "yes", "useLevenbergMarquardt": "0", "useStratifiedSampling": "TRUE"}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if !cfg.UseLineSearch {
		t.Errorf("useLineSearch=\"yes\" should decode true")
	}
	if cfg.UseLevenbergMarquardt {
		t.Errorf("useLevenbergMarquardt=\"0\" should decode false")
	}
	if !cfg.UseStratifiedSampling {
		t.Errorf("useStratifiedSampling=\"TRUE\" should decode true case-insensitively")
	}
}

func TestLoadConfigEnumAliases(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	body := `{"optimizerType": "gn", "transformType": "rigid+affine", "mindNeighborhoodType": "26"}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.OptimizerType != GaussNewton {
		t.Errorf("optimizerType alias \"gn\" = %v, want GaussNewton", cfg.OptimizerType)
	}
	if cfg.TransformType != RigidThenAffine {
		t.Errorf("transformType alias \"rigid+affine\" = %v, want RigidThenAffine", cfg.TransformType)
	}
	if cfg.MINDNeighborhoodType != descriptor.TwentySixConnected {
		t.Errorf("mindNeighborhoodType alias \"26\" = %v, want TwentySixConnected", cfg.MINDNeighborhoodType)
	}
}

func TestLoadConfigInvalidFieldKeepsDefaultAndDoesNotAbort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	body := `{"dampingFactor": "not-a-number", "mindRadius": 2}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig should tolerate a single bad field, got error: %v", err)
	}
	if cfg.DampingFactor != DefaultConfig().DampingFactor {
		t.Errorf("invalid dampingFactor should retain default, got %v", cfg.DampingFactor)
	}
	if cfg.MINDRadius != 2 {
		t.Errorf("valid sibling field mindRadius should still decode, got %v", cfg.MINDRadius)
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cfg.json")
	cfg := DefaultConfig()
	cfg.MINDRadius = 3
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.MINDRadius != 3 {
		t.Errorf("round-tripped MINDRadius = %v, want 3", loaded.MINDRadius)
	}
}
