package model

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSpec() Spec {
	return Spec{
		Name:         "BTC/USD_60_30",
		Version:      "v3",
		Features:     []string{"close", "sma_7"},
		Intercept:    1.5,
		Coefficients: []float64{0.9, 0.1},
	}
}

func TestNewLinearValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Spec)
	}{
		{"empty name", func(s *Spec) { s.Name = "" }},
		{"no features", func(s *Spec) { s.Features = nil }},
		{"coefficient count mismatch", func(s *Spec) { s.Coefficients = []float64{1} }},
		{"nan coefficient", func(s *Spec) { s.Coefficients[0] = math.NaN() }},
		{"inf coefficient", func(s *Spec) { s.Coefficients[1] = math.Inf(1) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := validSpec()
			tc.mutate(&s)
			_, err := NewLinear(s)
			assert.Error(t, err)
		})
	}
}

func TestLinearVersionDefaults(t *testing.T) {
	s := validSpec()
	s.Version = ""
	m, err := NewLinear(s)
	require.NoError(t, err)
	assert.Equal(t, "latest", m.Version())
}

func TestLinearPredict(t *testing.T) {
	m, err := NewLinear(validSpec())
	require.NoError(t, err)

	out, err := m.Predict([][]float64{
		{100, 100},
		{200, 150},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.InDelta(t, 1.5+0.9*100+0.1*100, out[0], 1e-12)
	assert.InDelta(t, 1.5+0.9*200+0.1*150, out[1], 1e-12)

	_, err = m.Predict([][]float64{{100}})
	assert.Error(t, err, "row width must match the coefficient vector")
}

func TestNameFor(t *testing.T) {
	assert.Equal(t, "BTC/USD_60_30", NameFor("BTC/USD", 60, 30))
}

func TestRegistryLoadsFromDir(t *testing.T) {
	dir := t.TempDir()
	spec := `{"name":"btcusd_60_30","version":"v3","features":["close","sma_7"],"intercept":1.5,"coefficients":[0.9,0.1]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "btcusd_60_30.json"), []byte(spec), 0o644))

	r := NewRegistry(WithDir(dir))
	m, err := r.Load(context.Background(), "btcusd_60_30", "v3")
	require.NoError(t, err)
	assert.Equal(t, "btcusd_60_30", m.Name())
	assert.Equal(t, []string{"close", "sma_7"}, m.RequiredFeatures())
}

func TestRegistryMissingModel(t *testing.T) {
	r := NewRegistry(WithDir(t.TempDir()))
	_, err := r.Load(context.Background(), "nope", "")
	assert.Error(t, err)
}
