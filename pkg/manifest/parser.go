package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// ReferenceError reports a manifest reference to a name that does not exist.
type ReferenceError struct {
	// Kind is the kind of the missing name: "account", "product", or "section".
	Kind string

	// Name is the name that could not be resolved.
	Name string

	// From is the section containing the reference.
	From string
}

// Error implements the error interface.
func (e *ReferenceError) Error() string {
	if e.From != "" {
		return fmt.Sprintf("section %q references unknown %s %q", e.From, e.Kind, e.Name)
	}
	return fmt.Sprintf("reference to unknown %s %q", e.Kind, e.Name)
}

// Load reads and parses a manifest file.
func Load(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer f.Close()
	m, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	return m, nil
}

// Parse decodes a manifest from YAML. Unknown fields are rejected.
func Parse(r io.Reader) (*Manifest, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	m.normalize()
	return &m, nil
}

// normalize fills in defaulted fields after decoding.
func (m *Manifest) normalize() {
	for _, sections := range [][]Section{m.Baselines, m.Launches} {
		for i := range sections {
			s := &sections[i]
			for j := range s.DependsOn {
				if s.DependsOn[j].Affinity == "" {
					s.DependsOn[j].Affinity = AffinitySection
				}
			}
		}
	}
	for i := range m.Products {
		for name, schema := range m.Products[i].Parameters {
			if schema.Type == "" {
				schema.Type = "string"
				m.Products[i].Parameters[name] = schema
			}
		}
	}
}

// Dependency affinity values.
const (
	AffinitySection = "section"
	AffinityAccount = "account"
	AffinityRegion  = "region"
	AffinityTarget  = "target"
)

// Validate checks the manifest for structural and reference errors.
// Reference errors are returned as *ReferenceError so callers can
// distinguish them from structural problems.
func (m *Manifest) Validate() error {
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("manifest validation failed: %w", err)
	}

	seenAccounts := make(map[string]bool, len(m.Accounts))
	for i := range m.Accounts {
		a := &m.Accounts[i]
		if seenAccounts[a.AccountID] {
			return fmt.Errorf("duplicate account_id %q", a.AccountID)
		}
		seenAccounts[a.AccountID] = true
		if !containsString(a.RegionsEnabled, a.DefaultRegion) {
			return fmt.Errorf("account %s: default_region %q is not in regions_enabled", a.AccountID, a.DefaultRegion)
		}
	}

	seenProducts := make(map[string]bool, len(m.Products))
	for i := range m.Products {
		if seenProducts[m.Products[i].Name] {
			return fmt.Errorf("duplicate product %q", m.Products[i].Name)
		}
		seenProducts[m.Products[i].Name] = true
	}

	seenSections := make(map[string]bool, len(m.Baselines)+len(m.Launches))
	for _, sections := range [][]Section{m.Baselines, m.Launches} {
		for i := range sections {
			if seenSections[sections[i].Name] {
				return fmt.Errorf("duplicate section %q", sections[i].Name)
			}
			seenSections[sections[i].Name] = true
		}
	}

	for _, sections := range [][]Section{m.Baselines, m.Launches} {
		for i := range sections {
			if err := m.validateSection(&sections[i], seenSections); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Manifest) validateSection(s *Section, sections map[string]bool) error {
	if m.ProductByName(s.Product) == nil {
		return &ReferenceError{Kind: "product", Name: s.Product, From: s.Name}
	}
	if s.Targets.IsEmpty() {
		return fmt.Errorf("section %q: targets must select at least one account or tag", s.Name)
	}
	for _, id := range s.Targets.Accounts {
		if m.AccountByID(id) == nil {
			return &ReferenceError{Kind: "account", Name: id, From: s.Name}
		}
	}
	for _, id := range s.Targets.ExcludeAccounts {
		if m.AccountByID(id) == nil {
			return &ReferenceError{Kind: "account", Name: id, From: s.Name}
		}
	}
	for _, dep := range s.DependsOn {
		if dep.Name == s.Name {
			return fmt.Errorf("section %q depends on itself", s.Name)
		}
		if !sections[dep.Name] {
			return &ReferenceError{Kind: "section", Name: dep.Name, From: s.Name}
		}
	}
	for name, pv := range s.Parameters {
		kinds := 0
		if pv.Value != nil {
			kinds++
		}
		if pv.FromOutput != nil {
			kinds++
		}
		if pv.FromLookup != nil {
			kinds++
		}
		if kinds != 1 {
			return fmt.Errorf("section %q parameter %q: exactly one of value, from_output, from_lookup must be set", s.Name, name)
		}
		if pv.FromOutput != nil {
			if pv.FromOutput.Section == s.Name {
				return fmt.Errorf("section %q parameter %q references its own output", s.Name, name)
			}
			if !sections[pv.FromOutput.Section] {
				return &ReferenceError{Kind: "section", Name: pv.FromOutput.Section, From: s.Name}
			}
		}
	}
	return nil
}

// Hash returns a stable content hash of the manifest.
func (m *Manifest) Hash() (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to hash manifest: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
