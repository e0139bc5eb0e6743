package manifest

// Target is one concrete account/region pair a section deploys to.
type Target struct {
	// AccountID is the target account.
	AccountID string `json:"account_id"`

	// AccountName is the human-readable account name.
	AccountName string `json:"account_name,omitempty"`

	// Region is the target region.
	Region string `json:"region"`

	// Tags are the organizational tags of the target account.
	Tags []string `json:"tags,omitempty"`

	// RoleARN is the deployment role to assume in the account, if overridden.
	RoleARN string `json:"role_arn,omitempty"`

	// Parameters are the account-level parameter values for this target.
	Parameters map[string]string `json:"parameters,omitempty"`
}

// ResolveTargets expands a section's target rule into concrete targets.
// Accounts are visited in manifest declaration order and regions in rule
// order, so the result is deterministic for a given manifest. Regions the
// account has not enabled are dropped. Duplicate pairs are collapsed.
func (m *Manifest) ResolveTargets(s *Section) ([]Target, error) {
	for _, id := range s.Targets.Accounts {
		if m.AccountByID(id) == nil {
			return nil, &ReferenceError{Kind: "account", Name: id, From: s.Name}
		}
	}

	excluded := make(map[string]bool, len(s.Targets.ExcludeAccounts))
	for _, id := range s.Targets.ExcludeAccounts {
		excluded[id] = true
	}
	explicit := make(map[string]bool, len(s.Targets.Accounts))
	for _, id := range s.Targets.Accounts {
		explicit[id] = true
	}

	var targets []Target
	seen := make(map[string]bool)
	for i := range m.Accounts {
		a := &m.Accounts[i]
		if excluded[a.AccountID] {
			continue
		}
		if !explicit[a.AccountID] && !matchesAnyTag(a, s.Targets.Tags) {
			continue
		}
		for _, region := range expandRegions(s.Targets.Regions, a) {
			key := a.AccountID + "/" + region
			if seen[key] {
				continue
			}
			seen[key] = true
			targets = append(targets, Target{
				AccountID:   a.AccountID,
				AccountName: a.Name,
				Region:      region,
				Tags:        a.Tags,
				RoleARN:     a.RoleARN,
				Parameters:  a.Parameters,
			})
		}
	}
	return targets, nil
}

func matchesAnyTag(a *Account, tags []string) bool {
	for _, tag := range tags {
		if a.HasTag(tag) {
			return true
		}
	}
	return false
}

// expandRegions resolves a rule's region list against one account. The
// keywords "default" and "enabled" expand to the account's default region
// and enabled region list; literal regions must be enabled for the account.
func expandRegions(rule []string, a *Account) []string {
	if len(rule) == 0 {
		return []string{a.DefaultRegion}
	}
	var regions []string
	seen := make(map[string]bool)
	add := func(r string) {
		if !seen[r] {
			seen[r] = true
			regions = append(regions, r)
		}
	}
	for _, entry := range rule {
		switch entry {
		case "default":
			add(a.DefaultRegion)
		case "enabled":
			for _, r := range a.RegionsEnabled {
				add(r)
			}
		default:
			if containsString(a.RegionsEnabled, entry) {
				add(entry)
			}
		}
	}
	return regions
}
