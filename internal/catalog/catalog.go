// Package catalog holds the fixed control catalog. The definition set is
// embedded and loaded once at process start; it is read-only for the process
// lifetime, and every run records the catalog version it evaluated against.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"mizan/internal/domain"
)

//go:embed catalog.yaml
var catalogYAML []byte

var ErrNotFound = errors.New("control not found")

type Catalog struct {
	Version  string
	controls []domain.Control
	byID     map[string]int
}

type catalogFile struct {
	Version  string           `yaml:"version"`
	Controls []domain.Control `yaml:"controls"`
}

// Load parses the embedded definition set.
func Load() (*Catalog, error) {
	return FromYAML(catalogYAML)
}

// FromYAML builds a catalog from raw definition bytes.
func FromYAML(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid catalog yaml: %w", err)
	}
	if f.Version == "" {
		return nil, fmt.Errorf("catalog version is required")
	}
	c := &Catalog{Version: f.Version, controls: f.Controls, byID: make(map[string]int, len(f.Controls))}
	for i, ctrl := range f.Controls {
		if ctrl.ID == "" {
			return nil, fmt.Errorf("catalog entry %d missing id", i)
		}
		if _, dup := c.byID[ctrl.ID]; dup {
			return nil, fmt.Errorf("duplicate control id %s", ctrl.ID)
		}
		if !validBucket(ctrl.Bucket) {
			return nil, fmt.Errorf("control %s has unknown bucket %s", ctrl.ID, ctrl.Bucket)
		}
		if !ctrl.Baseline && ctrl.Predicate == "" {
			return nil, fmt.Errorf("control %s is neither baseline nor predicated", ctrl.ID)
		}
		c.byID[ctrl.ID] = i
	}
	return c, nil
}

func validBucket(b domain.Bucket) bool {
	for _, known := range domain.Buckets {
		if b == known {
			return true
		}
	}
	return false
}

// Get returns the control for id or ErrNotFound.
func (c *Catalog) Get(id string) (domain.Control, error) {
	i, ok := c.byID[id]
	if !ok {
		return domain.Control{}, ErrNotFound
	}
	return c.controls[i], nil
}

// Has reports whether the catalog defines id.
func (c *Catalog) Has(id string) bool {
	_, ok := c.byID[id]
	return ok
}

// All returns every control in catalog order.
func (c *Catalog) All() []domain.Control {
	out := make([]domain.Control, len(c.controls))
	copy(out, c.controls)
	return out
}

// ListByBucket returns the bucket's controls in catalog order.
func (c *Catalog) ListByBucket(b domain.Bucket) []domain.Control {
	var out []domain.Control
	for _, ctrl := range c.controls {
		if ctrl.Bucket == b {
			out = append(out, ctrl)
		}
	}
	return out
}

// ListAutomatable returns controls that can be machine-executed.
func (c *Catalog) ListAutomatable() []domain.Control {
	var out []domain.Control
	for _, ctrl := range c.controls {
		if ctrl.Automatable {
			out = append(out, ctrl)
		}
	}
	return out
}

// ListVerifiable returns controls whose evidence can be independently checked.
func (c *Catalog) ListVerifiable() []domain.Control {
	var out []domain.Control
	for _, ctrl := range c.controls {
		if ctrl.Verifiable {
			out = append(out, ctrl)
		}
	}
	return out
}
