package model

import (
	"fmt"
	"math"

	domrepo "CandleMill/internal/domain/repository"
)

// Spec is the serialized form of a frozen model as exported by the training
// pipeline. Features lists the required feature names in the exact order the
// coefficient vector expects.
type Spec struct {
	Name         string    `json:"name"`
	Version      string    `json:"version"`
	Features     []string  `json:"features"`
	Intercept    float64   `json:"intercept"`
	Coefficients []float64 `json:"coefficients"`
}

// Linear is a frozen linear regression model. It carries no training logic;
// fitting happens elsewhere and only the coefficients travel here.
type Linear struct {
	spec Spec
}

// NewLinear validates a spec and wraps it as a usable model.
func NewLinear(spec Spec) (*Linear, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("model name required")
	}
	if len(spec.Features) == 0 {
		return nil, fmt.Errorf("model %s: feature list empty", spec.Name)
	}
	if len(spec.Coefficients) != len(spec.Features) {
		return nil, fmt.Errorf("model %s: %d coefficients for %d features",
			spec.Name, len(spec.Coefficients), len(spec.Features))
	}
	for i, c := range spec.Coefficients {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return nil, fmt.Errorf("model %s: coefficient %d not finite", spec.Name, i)
		}
	}
	if spec.Version == "" {
		spec.Version = "latest"
	}
	return &Linear{spec: spec}, nil
}

func (m *Linear) Name() string    { return m.spec.Name }
func (m *Linear) Version() string { return m.spec.Version }

func (m *Linear) RequiredFeatures() []string {
	out := make([]string, len(m.spec.Features))
	copy(out, m.spec.Features)
	return out
}

// Predict computes intercept + coefficients·row for each row.
func (m *Linear) Predict(rows [][]float64) ([]float64, error) {
	out := make([]float64, len(rows))
	for i, row := range rows {
		if len(row) != len(m.spec.Coefficients) {
			return nil, fmt.Errorf("row %d has %d features, model %s expects %d",
				i, len(row), m.spec.Name, len(m.spec.Coefficients))
		}
		v := m.spec.Intercept
		for j, x := range row {
			v += m.spec.Coefficients[j] * x
		}
		out[i] = v
	}
	return out, nil
}

var _ domrepo.Model = (*Linear)(nil)

// NameFor builds the registry model name for a pair and horizon, matching
// the training side's naming: pair_candleSeconds_horizonSeconds.
func NameFor(pair string, candleSeconds, horizonSeconds int64) string {
	return fmt.Sprintf("%s_%d_%d", pair, candleSeconds, horizonSeconds)
}
