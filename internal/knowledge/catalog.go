package knowledge

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Well-known collection names.
const (
	CollectionMITRE     = "mitre_attack"
	CollectionCVE       = "cve_database"
	CollectionIncidents = "incident_history"
	CollectionRunbooks  = "security_runbooks"
)

// CollectionSpec declares a collection the service should have.
type CollectionSpec struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Metadata    map[string]string `yaml:"metadata"`
}

// Catalog is the set of collections created at startup.
type Catalog struct {
	Collections []CollectionSpec `yaml:"collections"`
}

// DefaultCatalog returns the built-in collection set.
func DefaultCatalog() *Catalog {
	return &Catalog{Collections: []CollectionSpec{
		{Name: CollectionMITRE, Description: "MITRE ATT&CK techniques and tactics", Metadata: map[string]string{"source": "mitre-attack", "version": "enterprise"}},
		{Name: CollectionCVE, Description: "Critical CVE vulnerabilities", Metadata: map[string]string{"source": "nvd"}},
		{Name: CollectionIncidents, Description: "Resolved incident cases", Metadata: map[string]string{"source": "case-management"}},
		{Name: CollectionRunbooks, Description: "Security response runbooks", Metadata: map[string]string{"source": "runbooks"}},
	}}
}

// LoadCatalog reads a catalog from a YAML file. An empty path returns the
// default catalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	b, err := os.ReadFile(path) //nolint:gosec // G304: path is operator config
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(b)
}

// ParseCatalog decodes and validates a YAML catalog.
func ParseCatalog(b []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects empty catalogs, unnamed and duplicate collections.
func (c *Catalog) Validate() error {
	if len(c.Collections) == 0 {
		return errors.New("catalog declares no collections")
	}
	seen := make(map[string]bool, len(c.Collections))
	var errs []error
	for i, s := range c.Collections {
		switch {
		case s.Name == "":
			errs = append(errs, fmt.Errorf("collection %d has no name", i))
		case seen[s.Name]:
			errs = append(errs, fmt.Errorf("duplicate collection %q", s.Name))
		}
		seen[s.Name] = true
	}
	return errors.Join(errs...)
}

// Names returns the collection names in catalog order.
func (c *Catalog) Names() []string {
	out := make([]string, len(c.Collections))
	for i, s := range c.Collections {
		out[i] = s.Name
	}
	return out
}

// Ensure creates every catalog collection that does not exist yet.
func (c *Catalog) Ensure(ctx context.Context, r *Retriever) error {
	for _, s := range c.Collections {
		md := map[string]string{}
		for k, v := range s.Metadata {
			md[k] = v
		}
		if s.Description != "" {
			md["description"] = s.Description
		}
		if err := r.EnsureCollection(ctx, s.Name, md); err != nil {
			return err
		}
	}
	return nil
}
