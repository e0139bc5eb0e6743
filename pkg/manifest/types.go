package manifest

// Manifest is the root document describing accounts, products, and the
// deployment sections that bind products to target accounts and regions.
type Manifest struct {
	// SchemaVersion is the manifest schema version. Only version 1 is supported.
	SchemaVersion int `yaml:"schema_version" json:"schema_version" validate:"required,eq=1"`

	// Name is an optional human-readable name for the manifest.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// Defaults holds manifest-wide settings applied to every section.
	Defaults Defaults `yaml:"defaults,omitempty" json:"defaults,omitempty"`

	// Ordering configures cross-section ordering rules.
	Ordering Ordering `yaml:"ordering,omitempty" json:"ordering,omitempty"`

	// Accounts lists the target accounts known to this manifest.
	Accounts []Account `yaml:"accounts" json:"accounts" validate:"min=1,dive"`

	// Products lists the provisionable products and their parameter schemas.
	Products []Product `yaml:"products" json:"products" validate:"min=1,dive"`

	// Baselines are shared per-account infrastructure sections. When account
	// ordering is enabled they complete before launches on the same account.
	Baselines []Section `yaml:"baselines,omitempty" json:"baselines,omitempty" validate:"dive"`

	// Launches are the spoke product deployment sections.
	Launches []Section `yaml:"launches,omitempty" json:"launches,omitempty" validate:"dive"`
}

// Defaults holds manifest-wide defaults.
type Defaults struct {
	// Parameters are manifest-wide parameter values. They form the lowest
	// layer of the override ladder and apply to every section.
	Parameters map[string]string `yaml:"parameters,omitempty" json:"parameters,omitempty"`
}

// Ordering configures cross-section ordering rules.
type Ordering struct {
	// AccountsFirst orders baseline sections before launch sections on the
	// same account. Defaults to true when omitted.
	AccountsFirst *bool `yaml:"accounts_first,omitempty" json:"accounts_first,omitempty"`
}

// Account describes a target account.
type Account struct {
	// AccountID is the 12-digit account identifier.
	AccountID string `yaml:"account_id" json:"account_id" validate:"required,len=12,numeric"`

	// Name is the human-readable account name.
	Name string `yaml:"name" json:"name" validate:"required"`

	// DefaultRegion is the region used when a section does not name one.
	DefaultRegion string `yaml:"default_region" json:"default_region" validate:"required"`

	// RegionsEnabled lists the regions deployments may target in this account.
	RegionsEnabled []string `yaml:"regions_enabled" json:"regions_enabled" validate:"min=1"`

	// Tags are organizational labels used by tag-based target selection.
	Tags []string `yaml:"tags,omitempty" json:"tags,omitempty"`

	// RoleARN overrides the deployment role assumed in this account.
	RoleARN string `yaml:"role_arn,omitempty" json:"role_arn,omitempty"`

	// Parameters are account-level parameter values. They sit between
	// section values and manifest-wide defaults in the override ladder.
	Parameters map[string]string `yaml:"parameters,omitempty" json:"parameters,omitempty"`
}

// HasTag returns true if the account carries the given tag.
func (a *Account) HasTag(tag string) bool {
	for _, t := range a.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Product describes a provisionable product and its parameter schema.
type Product struct {
	// Name is the product name as registered in the catalog.
	Name string `yaml:"name" json:"name" validate:"required"`

	// Portfolio is the portfolio the product belongs to.
	Portfolio string `yaml:"portfolio" json:"portfolio" validate:"required"`

	// Version is the provisioning artifact version to deploy.
	Version string `yaml:"version" json:"version" validate:"required"`

	// Parameters is the product parameter schema keyed by parameter name.
	Parameters map[string]ParameterSchema `yaml:"parameters,omitempty" json:"parameters,omitempty" validate:"dive"`
}

// ParameterSchema describes one product parameter.
type ParameterSchema struct {
	// Type is the parameter type. Defaults to string.
	Type string `yaml:"type,omitempty" json:"type,omitempty" validate:"omitempty,oneof=string number list"`

	// Default is the value used when no layer of the manifest provides one.
	Default *string `yaml:"default,omitempty" json:"default,omitempty"`

	// Required marks the parameter as mandatory. A required parameter with
	// no resolvable value fails the action.
	Required bool `yaml:"required,omitempty" json:"required,omitempty"`

	// Description documents the parameter.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Section binds a product to a set of targets. The same shape serves both
// baseline and launch sections.
type Section struct {
	// Name is the section name, unique across baselines and launches.
	// Dependencies and output references use this name.
	Name string `yaml:"name" json:"name" validate:"required"`

	// Product names the product this section deploys.
	Product string `yaml:"product" json:"product" validate:"required"`

	// Targets selects the accounts and regions to deploy to.
	Targets TargetRule `yaml:"targets" json:"targets"`

	// Parameters are section-level parameter values keyed by parameter name.
	Parameters map[string]ParameterValue `yaml:"parameters,omitempty" json:"parameters,omitempty" validate:"dive"`

	// DependsOn lists sections that must complete before this one.
	DependsOn []Dependency `yaml:"depends_on,omitempty" json:"depends_on,omitempty" validate:"dive"`

	// Outputs selects provisioning outputs to publish after success.
	Outputs []OutputDecl `yaml:"outputs,omitempty" json:"outputs,omitempty" validate:"dive"`
}

// TargetRule selects the accounts and regions a section deploys to.
// Accounts and Tags are unioned; ExcludeAccounts is applied afterwards.
type TargetRule struct {
	// Accounts lists explicit account IDs to deploy to.
	Accounts []string `yaml:"accounts,omitempty" json:"accounts,omitempty"`

	// Tags selects every account carrying at least one of these tags.
	Tags []string `yaml:"tags,omitempty" json:"tags,omitempty"`

	// ExcludeAccounts removes account IDs from the selection.
	ExcludeAccounts []string `yaml:"exclude_accounts,omitempty" json:"exclude_accounts,omitempty"`

	// Regions lists the regions to deploy to in each selected account.
	// The keyword "enabled" expands to the account's enabled regions and
	// "default" to its default region. An empty list means default region.
	// Regions an account has not enabled are skipped.
	Regions []string `yaml:"regions,omitempty" json:"regions,omitempty"`
}

// IsEmpty returns true if the rule selects no accounts.
func (t *TargetRule) IsEmpty() bool {
	return len(t.Accounts) == 0 && len(t.Tags) == 0
}

// ParameterValue is one section-level parameter declaration. Exactly one of
// Value, FromOutput, or FromLookup must be set.
type ParameterValue struct {
	// Value is a literal parameter value.
	Value *string `yaml:"value,omitempty" json:"value,omitempty"`

	// FromOutput resolves the value from an upstream section's provisioning output.
	FromOutput *OutputRef `yaml:"from_output,omitempty" json:"from_output,omitempty"`

	// FromLookup resolves the value from an external parameter source.
	FromLookup *LookupRef `yaml:"from_lookup,omitempty" json:"from_lookup,omitempty"`
}

// Kind returns which of the three declaration forms is set, or "" if none.
func (p *ParameterValue) Kind() string {
	switch {
	case p.Value != nil:
		return "value"
	case p.FromOutput != nil:
		return "output"
	case p.FromLookup != nil:
		return "lookup"
	default:
		return ""
	}
}

// OutputRef references a provisioning output of another section.
type OutputRef struct {
	// Section is the name of the section producing the output.
	Section string `yaml:"section" json:"section" validate:"required"`

	// Output is the output key to read.
	Output string `yaml:"output" json:"output" validate:"required"`
}

// LookupRef references a value in an external parameter source.
type LookupRef struct {
	// Source is the lookup source. Only "ssm" is supported.
	Source string `yaml:"source" json:"source" validate:"required,oneof=ssm"`

	// Path is the parameter path in the source.
	Path string `yaml:"path" json:"path" validate:"required"`

	// Region overrides the lookup region. Defaults to the hub region.
	Region string `yaml:"region,omitempty" json:"region,omitempty"`
}

// Dependency declares an ordering dependency on another section.
type Dependency struct {
	// Name is the name of the section this one depends on.
	Name string `yaml:"name" json:"name" validate:"required"`

	// Affinity scopes which of the dependency's targets must complete first:
	// "section" (all targets, the default), "account" (same account),
	// "region" (same region), or "target" (same account and region).
	Affinity string `yaml:"affinity,omitempty" json:"affinity,omitempty" validate:"omitempty,oneof=section account region target"`
}

// OutputDecl publishes one provisioning output after the action succeeds.
type OutputDecl struct {
	// Output is the provisioning output key to publish.
	Output string `yaml:"output" json:"output" validate:"required"`

	// PublishTo is the parameter path the value is written to.
	PublishTo string `yaml:"publish_to" json:"publish_to" validate:"required"`
}

// AccountsFirst reports whether baseline sections are ordered before launch
// sections on the same account. Defaults to true.
func (m *Manifest) AccountsFirst() bool {
	if m.Ordering.AccountsFirst == nil {
		return true
	}
	return *m.Ordering.AccountsFirst
}

// AccountByID returns the account with the given ID, or nil.
func (m *Manifest) AccountByID(id string) *Account {
	for i := range m.Accounts {
		if m.Accounts[i].AccountID == id {
			return &m.Accounts[i]
		}
	}
	return nil
}

// ProductByName returns the product with the given name, or nil.
func (m *Manifest) ProductByName(name string) *Product {
	for i := range m.Products {
		if m.Products[i].Name == name {
			return &m.Products[i]
		}
	}
	return nil
}

// SectionByName returns the baseline or launch section with the given name, or nil.
func (m *Manifest) SectionByName(name string) *Section {
	for i := range m.Baselines {
		if m.Baselines[i].Name == name {
			return &m.Baselines[i]
		}
	}
	for i := range m.Launches {
		if m.Launches[i].Name == name {
			return &m.Launches[i]
		}
	}
	return nil
}
