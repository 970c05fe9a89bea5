package classification

import (
	"context"
	"testing"
)

const sampleRules = `
entities:
  - entity_type: Person
    rules:
      - field_name: ssn
        requires_encryption: true
      - field_name: email
        requires_encryption: true
        key_purpose_override: contact-data
      - field_name: display_name
        requires_encryption: false
  - entity_type: Account
    rules:
      - field_name: balance
        requires_encryption: true
`

func TestStaticProviderFromYAML(t *testing.T) {
	p, err := NewStaticProviderFromYAML([]byte(sampleRules))
	if err != nil {
		t.Fatalf("NewStaticProviderFromYAML() error = %v", err)
	}

	rules, err := p.GetPropertyRules(context.Background(), "Person")
	if err != nil {
		t.Fatalf("GetPropertyRules() error = %v", err)
	}
	if len(rules) != 3 {
		t.Fatalf("rule count = %d, want 3", len(rules))
	}
	if !rules[0].RequiresEncryption || rules[0].FieldName != "ssn" {
		t.Errorf("first rule = %+v, want ssn requiring encryption", rules[0])
	}
	if rules[1].KeyPurposeOverride != "contact-data" {
		t.Errorf("email override = %q, want contact-data", rules[1].KeyPurposeOverride)
	}
	if rules[2].RequiresEncryption {
		t.Error("display_name should not require encryption")
	}
}

func TestStaticProviderUnknownEntity(t *testing.T) {
	p, err := NewStaticProviderFromYAML([]byte(sampleRules))
	if err != nil {
		t.Fatalf("NewStaticProviderFromYAML() error = %v", err)
	}

	rules, err := p.GetPropertyRules(context.Background(), "Unknown")
	if err != nil {
		t.Fatalf("GetPropertyRules(unknown) error = %v", err)
	}
	if len(rules) != 0 {
		t.Errorf("rule count = %d, want 0 for unknown entity", len(rules))
	}
}

func TestStaticProviderRejectsUnknownFields(t *testing.T) {
	bad := `
entities:
  - entity_type: Person
    rules:
      - field_name: ssn
        requires_encryption: true
        surprise_field: true
`
	if _, err := NewStaticProviderFromYAML([]byte(bad)); err == nil {
		t.Error("expected error for unknown yaml field")
	}
}

func TestStaticProviderRejectsMissingFieldName(t *testing.T) {
	bad := `
entities:
  - entity_type: Person
    rules:
      - requires_encryption: true
`
	if _, err := NewStaticProviderFromYAML([]byte(bad)); err == nil {
		t.Error("expected validation error for missing field_name")
	}
}

func TestStaticProviderRejectsDuplicateEntity(t *testing.T) {
	bad := `
entities:
  - entity_type: Person
    rules:
      - field_name: a
  - entity_type: Person
    rules:
      - field_name: b
`
	if _, err := NewStaticProviderFromYAML([]byte(bad)); err == nil {
		t.Error("expected error for duplicate entity type")
	}
}

func TestStaticProviderSetRules(t *testing.T) {
	p := NewStaticProvider()
	p.SetRules("Node", []PropertyRule{{FieldName: "secret", RequiresEncryption: true}})

	rules, err := p.GetPropertyRules(context.Background(), "Node")
	if err != nil {
		t.Fatalf("GetPropertyRules() error = %v", err)
	}
	if len(rules) != 1 || rules[0].FieldName != "secret" {
		t.Errorf("rules = %+v, want single secret rule", rules)
	}

	// Mutating the returned slice must not affect the provider
	rules[0].FieldName = "mutated"
	again, _ := p.GetPropertyRules(context.Background(), "Node")
	if again[0].FieldName != "secret" {
		t.Error("returned rules slice aliases provider state")
	}
}
