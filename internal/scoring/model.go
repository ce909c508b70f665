package scoring

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/chainpulse/reputation-engine/pkg/models"
)

// Model artifact errors. Prediction failures are never surfaced to clients;
// the engine falls back to rule-based scoring instead.
var (
	ErrModelShape  = errors.New("model shape mismatch")
	ErrModelOutput = errors.New("model produced non-finite output")
)

// modelFile is the JSON export format for the pre-trained classifier.
// Logistic regression carries coefficients + intercept; an MLP carries
// dense layers. Both are exported from the training pipeline with the
// feature order in FEATURES_PATH.
type modelFile struct {
	Type         string      `json:"type"` // "logistic_regression" or "mlp"
	Coefficients []float64   `json:"coefficients"`
	Intercept    float64     `json:"intercept"`
	Layers       []layerSpec `json:"layers"`
	Classes      []int       `json:"classes"`
}

type layerSpec struct {
	Weights    [][]float64 `json:"weights"` // [out][in]
	Bias       []float64   `json:"bias"`
	Activation string      `json:"activation"` // "relu", "sigmoid", "linear"
}

// scalerFile mirrors a scikit-learn StandardScaler export.
type scalerFile struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// Model is the loaded classifier plus its input contract: the ordered
// feature names and the optional standard scaler.
type Model struct {
	kind      string
	coef      []float64
	intercept float64
	layers    []layerSpec
	order     []string
	scaler    *scalerFile
}

// LoadModel reads the model, scaler, and feature-order artifacts. The
// scaler and feature files are optional: a missing scaler means identity
// scaling, a missing feature file means the built-in default order.
func LoadModel(modelPath, scalerPath, featuresPath string) (*Model, error) {
	raw, err := os.ReadFile(modelPath)
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}
	var mf modelFile
	if err := json.Unmarshal(raw, &mf); err != nil {
		return nil, fmt.Errorf("parse model %s: %w", modelPath, err)
	}

	m := &Model{
		kind:      mf.Type,
		coef:      mf.Coefficients,
		intercept: mf.Intercept,
		layers:    mf.Layers,
		order:     models.DefaultFeatureOrder,
	}

	if featuresPath != "" {
		order, err := loadFeatureOrder(featuresPath)
		if err != nil {
			return nil, err
		}
		m.order = order
	}

	if scalerPath != "" {
		sraw, err := os.ReadFile(scalerPath)
		if err != nil {
			return nil, fmt.Errorf("read scaler: %w", err)
		}
		var sf scalerFile
		if err := json.Unmarshal(sraw, &sf); err != nil {
			return nil, fmt.Errorf("parse scaler %s: %w", scalerPath, err)
		}
		if len(sf.Mean) != len(m.order) || len(sf.Scale) != len(m.order) {
			return nil, fmt.Errorf("%w: scaler dims %d/%d vs %d features",
				ErrModelShape, len(sf.Mean), len(sf.Scale), len(m.order))
		}
		m.scaler = &sf
	}

	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// loadFeatureOrder accepts either a bare JSON array of names or an object
// with a "features" field, matching the two layouts the training pipeline
// has exported over time.
func loadFeatureOrder(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read features: %w", err)
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err == nil {
		return names, nil
	}
	var wrapped struct {
		Features []string `json:"features"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("parse features %s: %w", path, err)
	}
	return wrapped.Features, nil
}

func (m *Model) validate() error {
	switch m.kind {
	case "logistic_regression":
		if len(m.coef) != len(m.order) {
			return fmt.Errorf("%w: %d coefficients vs %d features", ErrModelShape, len(m.coef), len(m.order))
		}
	case "mlp":
		if len(m.layers) == 0 {
			return fmt.Errorf("%w: mlp with no layers", ErrModelShape)
		}
		in := len(m.order)
		for i, l := range m.layers {
			if len(l.Weights) == 0 || len(l.Bias) != len(l.Weights) {
				return fmt.Errorf("%w: layer %d bias/weight mismatch", ErrModelShape, i)
			}
			for _, row := range l.Weights {
				if len(row) != in {
					return fmt.Errorf("%w: layer %d expects %d inputs, weights have %d", ErrModelShape, i, in, len(row))
				}
			}
			in = len(l.Weights)
		}
	default:
		return fmt.Errorf("unsupported model type %q", m.kind)
	}
	return nil
}

// FeatureOrder exposes the model's input ordering.
func (m *Model) FeatureOrder() []string {
	return m.order
}

// Predict maps a feature vector to the positive-class probability p in
// [0,1]. The input is assembled by the model's declared feature order;
// names the vector does not carry default to 0.
func (m *Model) Predict(fv *models.FeatureVector) (float64, error) {
	x := make([]float64, len(m.order))
	for i, name := range m.order {
		x[i] = fv.Get(name)
	}
	if m.scaler != nil {
		for i := range x {
			if m.scaler.Scale[i] != 0 {
				x[i] = (x[i] - m.scaler.Mean[i]) / m.scaler.Scale[i]
			}
		}
	}

	var p float64
	switch m.kind {
	case "logistic_regression":
		z := m.intercept
		for i, c := range m.coef {
			z += c * x[i]
		}
		p = sigmoid(z)
	case "mlp":
		out := x
		for _, l := range m.layers {
			out = l.forward(out)
		}
		switch len(out) {
		case 1:
			// Single logit or already-activated probability.
			if last := m.layers[len(m.layers)-1]; last.Activation == "sigmoid" {
				p = out[0]
			} else {
				p = sigmoid(out[0])
			}
		case 2:
			probs := softmax(out)
			p = probs[1]
		default:
			// Multi-class head: take the winning probability.
			probs := softmax(out)
			p = probs[0]
			for _, v := range probs[1:] {
				if v > p {
					p = v
				}
			}
		}
	default:
		return 0, fmt.Errorf("unsupported model type %q", m.kind)
	}

	if math.IsNaN(p) || math.IsInf(p, 0) {
		return 0, ErrModelOutput
	}
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	return p, nil
}

func (l *layerSpec) forward(in []float64) []float64 {
	out := make([]float64, len(l.Weights))
	for j, row := range l.Weights {
		z := l.Bias[j]
		for i, w := range row {
			z += w * in[i]
		}
		switch l.Activation {
		case "relu":
			if z < 0 {
				z = 0
			}
		case "sigmoid":
			z = sigmoid(z)
		}
		out[j] = z
	}
	return out
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

func softmax(zs []float64) []float64 {
	max := zs[0]
	for _, z := range zs[1:] {
		if z > max {
			max = z
		}
	}
	sum := 0.0
	out := make([]float64, len(zs))
	for i, z := range zs {
		out[i] = math.Exp(z - max)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
