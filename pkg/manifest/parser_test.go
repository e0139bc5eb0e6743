package manifest

import (
	"errors"
	"strings"
	"testing"
)

const sampleManifest = `
schema_version: 1
name: org-foundation
defaults:
  parameters:
    LogRetentionDays: "90"
accounts:
  - account_id: "011111111111"
    name: hub
    default_region: eu-west-1
    regions_enabled: [eu-west-1, us-east-1]
    tags: ["tier:hub", "team:platform"]
  - account_id: "022222222222"
    name: workloads-a
    default_region: eu-west-1
    regions_enabled: [eu-west-1]
    tags: ["tier:spoke"]
    parameters:
      Environment: prod
  - account_id: "033333333333"
    name: workloads-b
    default_region: us-east-1
    regions_enabled: [us-east-1, eu-west-1]
    tags: ["tier:spoke"]
products:
  - name: iam-baseline
    portfolio: security
    version: v4
  - name: vpc-baseline
    portfolio: networking
    version: v12
    parameters:
      CidrBlock:
        type: string
        required: true
      Size:
        default: medium
baselines:
  - name: iam-roles
    product: iam-baseline
    targets:
      tags: ["tier:spoke"]
launches:
  - name: network
    product: vpc-baseline
    targets:
      tags: ["tier:spoke"]
      regions: [enabled]
    parameters:
      CidrBlock:
        value: "10.0.0.0/16"
  - name: data-lake
    product: vpc-baseline
    targets:
      accounts: ["022222222222"]
    parameters:
      CidrBlock:
        from_output:
          section: network
          output: VpcId
    depends_on:
      - name: network
        affinity: target
    outputs:
      - output: BucketName
        publish_to: /fleet/data-lake/bucket
`

func mustParse(t *testing.T, doc string) *Manifest {
	t.Helper()
	m, err := Parse(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return m
}

func TestParseManifest(t *testing.T) {
	m := mustParse(t, sampleManifest)

	if m.SchemaVersion != 1 {
		t.Errorf("Expected schema_version 1, got %d", m.SchemaVersion)
	}
	if len(m.Accounts) != 3 {
		t.Fatalf("Expected 3 accounts, got %d", len(m.Accounts))
	}
	if len(m.Products) != 2 {
		t.Fatalf("Expected 2 products, got %d", len(m.Products))
	}
	if len(m.Baselines) != 1 || len(m.Launches) != 2 {
		t.Fatalf("Expected 1 baseline and 2 launches, got %d and %d", len(m.Baselines), len(m.Launches))
	}
	if m.Defaults.Parameters["LogRetentionDays"] != "90" {
		t.Errorf("Expected manifest default LogRetentionDays=90, got %q", m.Defaults.Parameters["LogRetentionDays"])
	}

	if err := m.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
}

func TestParseNormalizesDefaults(t *testing.T) {
	m := mustParse(t, sampleManifest)

	dl := m.SectionByName("data-lake")
	if dl == nil {
		t.Fatal("Expected section data-lake")
	}
	if dl.DependsOn[0].Affinity != AffinityTarget {
		t.Errorf("Expected explicit affinity target, got %q", dl.DependsOn[0].Affinity)
	}

	doc := strings.Replace(sampleManifest, "        affinity: target\n", "", 1)
	m = mustParse(t, doc)
	dl = m.SectionByName("data-lake")
	if dl.DependsOn[0].Affinity != AffinitySection {
		t.Errorf("Expected default affinity section, got %q", dl.DependsOn[0].Affinity)
	}

	vpc := m.ProductByName("vpc-baseline")
	if vpc.Parameters["Size"].Type != "string" {
		t.Errorf("Expected schema type to default to string, got %q", vpc.Parameters["Size"].Type)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	doc := strings.Replace(sampleManifest, "name: org-foundation", "name: org-foundation\nbogus_field: true", 1)
	if _, err := Parse(strings.NewReader(doc)); err == nil {
		t.Fatal("Expected error for unknown field, got nil")
	}
}

func TestValidateUnknownProduct(t *testing.T) {
	doc := strings.Replace(sampleManifest, "    product: iam-baseline", "    product: nonexistent", 1)
	m := mustParse(t, doc)

	err := m.Validate()
	if err == nil {
		t.Fatal("Expected validation error, got nil")
	}
	var refErr *ReferenceError
	if !errors.As(err, &refErr) {
		t.Fatalf("Expected ReferenceError, got %T: %v", err, err)
	}
	if refErr.Kind != "product" || refErr.Name != "nonexistent" {
		t.Errorf("Expected product/nonexistent, got %s/%s", refErr.Kind, refErr.Name)
	}
}

func TestValidateUnknownDependency(t *testing.T) {
	doc := strings.Replace(sampleManifest, "      - name: network\n        affinity: target", "      - name: missing-section", 1)
	m := mustParse(t, doc)

	err := m.Validate()
	var refErr *ReferenceError
	if !errors.As(err, &refErr) {
		t.Fatalf("Expected ReferenceError, got %v", err)
	}
	if refErr.Kind != "section" || refErr.Name != "missing-section" {
		t.Errorf("Expected section/missing-section, got %s/%s", refErr.Kind, refErr.Name)
	}
	if refErr.From != "data-lake" {
		t.Errorf("Expected reference from data-lake, got %q", refErr.From)
	}
}

func TestValidateUnknownOutputSection(t *testing.T) {
	doc := strings.Replace(sampleManifest, "          section: network", "          section: ghost", 1)
	m := mustParse(t, doc)

	var refErr *ReferenceError
	if !errors.As(m.Validate(), &refErr) {
		t.Fatal("Expected ReferenceError for unknown output section")
	}
	if refErr.Name != "ghost" {
		t.Errorf("Expected reference to ghost, got %q", refErr.Name)
	}
}

func TestValidateDuplicateSection(t *testing.T) {
	doc := strings.Replace(sampleManifest, "  - name: network\n", "  - name: iam-roles\n", 1)
	m := mustParse(t, doc)

	err := m.Validate()
	if err == nil || !strings.Contains(err.Error(), "duplicate section") {
		t.Errorf("Expected duplicate section error, got %v", err)
	}
}

func TestValidateParameterDeclarationForms(t *testing.T) {
	doc := strings.Replace(sampleManifest,
		"      CidrBlock:\n        from_output:\n          section: network\n          output: VpcId",
		"      CidrBlock:\n        value: \"10.1.0.0/16\"\n        from_output:\n          section: network\n          output: VpcId", 1)
	m := mustParse(t, doc)

	err := m.Validate()
	if err == nil || !strings.Contains(err.Error(), "exactly one of") {
		t.Errorf("Expected parameter declaration error, got %v", err)
	}
}

func TestValidateDefaultRegionMustBeEnabled(t *testing.T) {
	doc := strings.Replace(sampleManifest, "    default_region: eu-west-1\n    regions_enabled: [eu-west-1]", "    default_region: ap-south-1\n    regions_enabled: [eu-west-1]", 1)
	m := mustParse(t, doc)

	err := m.Validate()
	if err == nil || !strings.Contains(err.Error(), "default_region") {
		t.Errorf("Expected default_region error, got %v", err)
	}
}

func TestValidateSelfDependency(t *testing.T) {
	doc := strings.Replace(sampleManifest, "      - name: network\n        affinity: target", "      - name: data-lake", 1)
	m := mustParse(t, doc)

	err := m.Validate()
	if err == nil || !strings.Contains(err.Error(), "depends on itself") {
		t.Errorf("Expected self dependency error, got %v", err)
	}
}

func TestManifestHashStable(t *testing.T) {
	m1 := mustParse(t, sampleManifest)
	m2 := mustParse(t, sampleManifest)

	h1, err := m1.Hash()
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	h2, _ := m2.Hash()
	if h1 != h2 {
		t.Errorf("Expected identical hashes for identical manifests, got %s and %s", h1, h2)
	}

	m2.Launches[0].Product = "iam-baseline"
	h3, _ := m2.Hash()
	if h1 == h3 {
		t.Error("Expected hash to change when manifest changes")
	}
}

func TestAccountsFirstDefault(t *testing.T) {
	m := mustParse(t, sampleManifest)
	if !m.AccountsFirst() {
		t.Error("Expected accounts_first to default to true")
	}

	doc := strings.Replace(sampleManifest, "name: org-foundation", "name: org-foundation\nordering:\n  accounts_first: false", 1)
	m = mustParse(t, doc)
	if m.AccountsFirst() {
		t.Error("Expected accounts_first false when explicitly disabled")
	}
}
