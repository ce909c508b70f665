package scoring

import (
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/chainpulse/reputation-engine/pkg/models"
)

func writeJSON(t *testing.T, dir, name string, v any) string {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal %s: %v", name, err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadModel_LogisticRegression(t *testing.T) {
	dir := t.TempDir()
	modelPath := writeJSON(t, dir, "model.json", modelFile{
		Type:         "logistic_regression",
		Coefficients: []float64{0.5, -0.3, -1.0},
		Intercept:    0.2,
	})
	scalerPath := writeJSON(t, dir, "scaler.json", scalerFile{
		Mean:  []float64{10, 5, 1},
		Scale: []float64{5, 2, 1},
	})
	featuresPath := writeJSON(t, dir, "features.json",
		[]string{"tx_count", "tx_per_day", "failed_tx_count"})

	m, err := LoadModel(modelPath, scalerPath, featuresPath)
	if err != nil {
		t.Fatalf("LoadModel: %v", err)
	}

	// Scaled inputs are all 2, so z = 0.2 + 2*(0.5 - 0.3 - 1.0) = -1.4.
	fv := models.FeatureVector{TxCount: 20, TxPerDay: 9, FailedTxCount: 3}
	p, err := m.Predict(&fv)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	want := 1 / (1 + math.Exp(1.4))
	if math.Abs(p-want) > 1e-9 {
		t.Errorf("p = %v, want %v", p, want)
	}
}

func TestLoadModel_WrappedFeatureFile(t *testing.T) {
	dir := t.TempDir()
	modelPath := writeJSON(t, dir, "model.json", modelFile{
		Type:         "logistic_regression",
		Coefficients: []float64{1},
	})
	featuresPath := writeJSON(t, dir, "features.json",
		map[string][]string{"features": {"tx_count"}})

	m, err := LoadModel(modelPath, "", featuresPath)
	if err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	if got := m.FeatureOrder(); len(got) != 1 || got[0] != "tx_count" {
		t.Errorf("feature order = %v, want [tx_count]", got)
	}
}

func TestLoadModel_DefaultFeatureOrder(t *testing.T) {
	dir := t.TempDir()
	modelPath := writeJSON(t, dir, "model.json", modelFile{
		Type:         "logistic_regression",
		Coefficients: make([]float64, len(models.DefaultFeatureOrder)),
	})

	m, err := LoadModel(modelPath, "", "")
	if err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	if got := len(m.FeatureOrder()); got != len(models.DefaultFeatureOrder) {
		t.Errorf("feature order length = %d, want %d", got, len(models.DefaultFeatureOrder))
	}
}

func TestLoadModel_CoefficientShapeMismatch(t *testing.T) {
	dir := t.TempDir()
	modelPath := writeJSON(t, dir, "model.json", modelFile{
		Type:         "logistic_regression",
		Coefficients: []float64{1, 2, 3},
	})

	_, err := LoadModel(modelPath, "", "")
	if !errors.Is(err, ErrModelShape) {
		t.Errorf("err = %v, want ErrModelShape", err)
	}
}

func TestLoadModel_UnsupportedType(t *testing.T) {
	dir := t.TempDir()
	modelPath := writeJSON(t, dir, "model.json", modelFile{Type: "random_forest"})

	if _, err := LoadModel(modelPath, "", ""); err == nil {
		t.Error("expected error for unsupported model type")
	}
}

func TestPredict_MLPSigmoidHead(t *testing.T) {
	dir := t.TempDir()
	modelPath := writeJSON(t, dir, "model.json", modelFile{
		Type: "mlp",
		Layers: []layerSpec{
			{Weights: [][]float64{{1, 0}, {0, 1}}, Bias: []float64{0, 0}, Activation: "relu"},
			{Weights: [][]float64{{1, -1}}, Bias: []float64{0}, Activation: "sigmoid"},
		},
	})
	featuresPath := writeJSON(t, dir, "features.json",
		[]string{"tx_count", "failed_tx_count"})

	m, err := LoadModel(modelPath, "", featuresPath)
	if err != nil {
		t.Fatalf("LoadModel: %v", err)
	}

	fv := models.FeatureVector{TxCount: 2, FailedTxCount: 1}
	p, err := m.Predict(&fv)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	want := 1 / (1 + math.Exp(-1))
	if math.Abs(p-want) > 1e-9 {
		t.Errorf("p = %v, want %v", p, want)
	}
}

func TestPredict_MLPTwoClassSoftmax(t *testing.T) {
	dir := t.TempDir()
	modelPath := writeJSON(t, dir, "model.json", modelFile{
		Type: "mlp",
		Layers: []layerSpec{
			{Weights: [][]float64{{0, 0}, {0, 0}}, Bias: []float64{0, math.Log(3)}, Activation: "linear"},
		},
	})
	featuresPath := writeJSON(t, dir, "features.json",
		[]string{"tx_count", "failed_tx_count"})

	m, err := LoadModel(modelPath, "", featuresPath)
	if err != nil {
		t.Fatalf("LoadModel: %v", err)
	}

	p, err := m.Predict(&models.FeatureVector{})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	// softmax([0, ln3]) = [0.25, 0.75]; positive class wins 0.75.
	if math.Abs(p-0.75) > 1e-9 {
		t.Errorf("p = %v, want 0.75", p)
	}
}

func TestPredict_UnknownFeatureNameReadsZero(t *testing.T) {
	dir := t.TempDir()
	modelPath := writeJSON(t, dir, "model.json", modelFile{
		Type:         "logistic_regression",
		Coefficients: []float64{5},
	})
	featuresPath := writeJSON(t, dir, "features.json", []string{"mystery_feature"})

	m, err := LoadModel(modelPath, "", featuresPath)
	if err != nil {
		t.Fatalf("LoadModel: %v", err)
	}

	p, err := m.Predict(&models.FeatureVector{TxCount: 99})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if math.Abs(p-0.5) > 1e-9 {
		t.Errorf("p = %v, want 0.5 for zeroed input", p)
	}
}

func TestLoadModel_ScalerDimensionMismatch(t *testing.T) {
	dir := t.TempDir()
	modelPath := writeJSON(t, dir, "model.json", modelFile{
		Type:         "logistic_regression",
		Coefficients: []float64{1, 2},
	})
	scalerPath := writeJSON(t, dir, "scaler.json", scalerFile{
		Mean:  []float64{0},
		Scale: []float64{1},
	})
	featuresPath := writeJSON(t, dir, "features.json", []string{"tx_count", "tx_per_day"})

	_, err := LoadModel(modelPath, scalerPath, featuresPath)
	if !errors.Is(err, ErrModelShape) {
		t.Errorf("err = %v, want ErrModelShape", err)
	}
}
