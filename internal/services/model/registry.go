package model

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	domrepo "CandleMill/internal/domain/repository"
	xhttp "CandleMill/pkg/http"
)

// Registry loads frozen model specs either from a local directory of JSON
// files or from a model-registry HTTP endpoint. A configured URL wins; the
// directory is the fallback for air-gapped and test setups.
type Registry struct {
	dir    string
	url    string
	client *xhttp.Client
}

type RegistryOption func(*Registry)

// WithDir sets the local model directory.
func WithDir(dir string) RegistryOption {
	return func(r *Registry) { r.dir = dir }
}

// WithURL sets the registry base URL; models resolve at
// {url}/models/{name}/{version}.
func WithURL(url string, timeout time.Duration) RegistryOption {
	return func(r *Registry) {
		r.url = url
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		r.client = xhttp.NewClient(xhttp.WithTimeout(timeout))
	}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load resolves a model by name and version. version "" means "latest".
func (r *Registry) Load(ctx context.Context, name, version string) (domrepo.Model, error) {
	if version == "" {
		version = "latest"
	}
	var (
		spec Spec
		err  error
	)
	switch {
	case r.url != "":
		err = r.loadHTTP(ctx, name, version, &spec)
	case r.dir != "":
		err = r.loadFile(name, version, &spec)
	default:
		return nil, fmt.Errorf("model registry: neither dir nor url configured")
	}
	if err != nil {
		return nil, err
	}
	if spec.Name == "" {
		spec.Name = name
	}
	if spec.Version == "" || spec.Version == "latest" {
		spec.Version = version
	}
	return NewLinear(spec)
}

func (r *Registry) loadHTTP(ctx context.Context, name, version string, dest *Spec) error {
	err := r.client.SendAndParse(ctx, &xhttp.RequestOptions{
		Method: xhttp.MethodGet,
		URL:    fmt.Sprintf("%s/models/%s/%s", r.url, name, version),
	}, dest)
	if err != nil {
		return fmt.Errorf("fetch model %s@%s: %w", name, version, err)
	}
	return nil
}

func (r *Registry) loadFile(name, version string, dest *Spec) error {
	// versioned file preferred, bare name as fallback
	candidates := []string{
		filepath.Join(r.dir, fmt.Sprintf("%s@%s.json", name, version)),
		filepath.Join(r.dir, name+".json"),
	}
	var lastErr error
	for _, p := range candidates {
		b, err := os.ReadFile(p)
		if err != nil {
			lastErr = err
			continue
		}
		if err := json.Unmarshal(b, dest); err != nil {
			return fmt.Errorf("parse model file %s: %w", p, err)
		}
		return nil
	}
	return fmt.Errorf("model %s@%s not found in %s: %w", name, version, r.dir, lastErr)
}
