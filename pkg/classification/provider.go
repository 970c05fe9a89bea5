// Package classification decides which fields of an entity require
// encryption. The field encryption engine consults a Provider; rules
// themselves come from a static YAML file or are built programmatically.
package classification

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// PropertyRule describes the protection requirement for one field of an
// entity type.
type PropertyRule struct {
	FieldName          string `yaml:"field_name" validate:"required"`
	RequiresEncryption bool   `yaml:"requires_encryption"`
	// KeyPurposeOverride replaces the derived <entity>.<field> purpose
	// when set, so related fields can share a key
	KeyPurposeOverride string `yaml:"key_purpose_override,omitempty"`
}

// Provider resolves protection rules for an entity type.
// An entity type with no rules means nothing requires encryption.
type Provider interface {
	GetPropertyRules(ctx context.Context, entityType string) ([]PropertyRule, error)
}

// rulesFile is the on-disk YAML layout
type rulesFile struct {
	Entities []entityRules `yaml:"entities" validate:"dive"`
}

type entityRules struct {
	EntityType string         `yaml:"entity_type" validate:"required"`
	Rules      []PropertyRule `yaml:"rules" validate:"dive"`
}

// StaticProvider serves rules from an in-memory table. Lookups are
// case-sensitive on entity type.
type StaticProvider struct {
	mu    sync.RWMutex
	rules map[string][]PropertyRule
}

// NewStaticProvider creates an empty provider
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{rules: make(map[string][]PropertyRule)}
}

// NewStaticProviderFromFile loads rules from a YAML file. Unknown fields
// in the file are rejected rather than silently ignored.
func NewStaticProviderFromFile(path string) (*StaticProvider, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}
	return NewStaticProviderFromYAML(raw)
}

// NewStaticProviderFromYAML parses rules from YAML bytes
func NewStaticProviderFromYAML(raw []byte) (*StaticProvider, error) {
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)

	var file rulesFile
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("parsing rules file: %w", err)
	}
	if err := validator.New().Struct(file); err != nil {
		return nil, fmt.Errorf("invalid rules file: %w", err)
	}

	p := NewStaticProvider()
	for _, e := range file.Entities {
		if _, exists := p.rules[e.EntityType]; exists {
			return nil, fmt.Errorf("duplicate entity type %q in rules file", e.EntityType)
		}
		p.rules[e.EntityType] = e.Rules
	}
	return p, nil
}

// SetRules replaces all rules for an entity type
func (p *StaticProvider) SetRules(entityType string, rules []PropertyRule) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rules[entityType] = rules
}

// GetPropertyRules returns the rules for an entity type. No rules is not
// an error: the caller treats it as nothing-to-encrypt.
func (p *StaticProvider) GetPropertyRules(ctx context.Context, entityType string) ([]PropertyRule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	rules := p.rules[entityType]
	out := make([]PropertyRule, len(rules))
	copy(out, rules)
	return out, nil
}

// Verify interface compliance
var _ Provider = (*StaticProvider)(nil)
