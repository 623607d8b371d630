//
//  Copyright © Manetu Inc. All rights reserved.
//

// Package manifest provides types for representing per-domain policy
// manifests and a registry for loading them from disk.
//
// A policy manifest declares, for one domain (e.g. "travel"), the rule
// package evaluated by the rule engine, the typed attributes flowing into
// policy input, and the persona titles and statuses permitted for users of
// that domain. Manifests are immutable at runtime; the registry is loaded
// once at process start.
//
// # Key Types
//
//   - [Manifest]: one domain's declaration, parsed from manifest.yaml
//   - [Attribute]: a typed policy attribute with source, default and required
//   - [Registry]: the loaded set of manifests, selected by policy hint
//
// # Usage
//
//	registry, err := manifest.NewRegistry("./policies")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	m, err := registry.Select("travel")
package manifest

import (
	"fmt"
)

// Attribute source tags. Persona-sourced attributes are supplied by the
// Persona Registry; resource-sourced attributes arrive in the request.
const (
	SourcePersona  = "persona"
	SourceResource = "resource"
)

// Attribute type names accepted by [Normalize].
const (
	TypeString  = "string"
	TypeInteger = "integer"
	TypeFloat   = "float"
	TypeBoolean = "boolean"
	TypeDate    = "date"
	TypeEmail   = "email"
)

// Attribute declares one typed policy attribute.
type Attribute struct {
	Name        string      `yaml:"name"`
	Type        string      `yaml:"type"`
	Source      string      `yaml:"source"`
	Default     interface{} `yaml:"default"`
	Required    *bool       `yaml:"required"`
	Description string      `yaml:"description"`
}

// IsRequired reports whether the attribute must be present after defaulting.
// When the manifest does not set required explicitly, an attribute is
// required exactly when it has no default.
func (a *Attribute) IsRequired() bool {
	if a.Required != nil {
		return *a.Required
	}
	return a.Default == nil
}

// PersonaTitle declares one persona title permitted in the domain along with
// its action set and delegation/invitation capabilities.
type PersonaTitle struct {
	Title            string   `yaml:"title"`
	AllowedActions   []string `yaml:"allowed_actions"`
	CanBeDelegatedTo bool     `yaml:"can_be_delegated_to"`
	CanBeInvited     bool     `yaml:"can_be_invited"`
}

// PersonaConfig declares the persona titles and statuses permitted in the
// domain.
type PersonaConfig struct {
	PersonaTitles   []PersonaTitle `yaml:"persona_titles"`
	PersonaStatuses []string       `yaml:"persona_statuses"`
}

// Manifest is one domain's policy declaration.
type Manifest struct {
	Name          string        `yaml:"name"`
	RulePackage   string        `yaml:"rule_package"`
	Attributes    []Attribute   `yaml:"attributes"`
	PersonaConfig PersonaConfig `yaml:"persona_config"`
}

// AttributesBySource returns the manifest attributes declared with the given
// source tag, in declaration order.
func (m *Manifest) AttributesBySource(source string) []Attribute {
	var out []Attribute
	for _, a := range m.Attributes {
		if a.Source == source {
			out = append(out, a)
		}
	}
	return out
}

// Title returns the persona title declaration matching title, or nil.
func (m *Manifest) Title(title string) *PersonaTitle {
	for i := range m.PersonaConfig.PersonaTitles {
		if m.PersonaConfig.PersonaTitles[i].Title == title {
			return &m.PersonaConfig.PersonaTitles[i]
		}
	}
	return nil
}

// AllowsTitle reports whether the manifest permits the persona title.
func (m *Manifest) AllowsTitle(title string) bool {
	return m.Title(title) != nil
}

// AllowsStatus reports whether the manifest permits the persona status.
func (m *Manifest) AllowsStatus(status string) bool {
	for _, s := range m.PersonaConfig.PersonaStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// Actions returns the union of allowed actions across all persona titles.
func (m *Manifest) Actions() []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range m.PersonaConfig.PersonaTitles {
		for _, a := range t.AllowedActions {
			if !seen[a] {
				seen[a] = true
				out = append(out, a)
			}
		}
	}
	return out
}

// validate performs the schema checks applied to every manifest at load time.
// dirName is the basename of the manifest's directory; it must match the
// declared name so that hints, directories, and rule packages stay aligned.
func (m *Manifest) validate(dirName string) error {
	if m.Name == "" {
		return fmt.Errorf("manifest missing name")
	}
	if dirName != "" && m.Name != dirName {
		return fmt.Errorf("manifest name %q does not match directory %q", m.Name, dirName)
	}
	if m.RulePackage == "" {
		return fmt.Errorf("manifest %s missing rule_package", m.Name)
	}
	for i, a := range m.Attributes {
		if a.Name == "" {
			return fmt.Errorf("manifest %s: attribute %d missing name", m.Name, i)
		}
		switch a.Type {
		case TypeString, TypeInteger, TypeFloat, TypeBoolean, TypeDate, TypeEmail:
		default:
			return fmt.Errorf("manifest %s: attribute %s has unknown type %q", m.Name, a.Name, a.Type)
		}
		switch a.Source {
		case SourcePersona, SourceResource:
		default:
			return fmt.Errorf("manifest %s: attribute %s has unknown source %q", m.Name, a.Name, a.Source)
		}
	}
	if len(m.PersonaConfig.PersonaTitles) == 0 {
		return fmt.Errorf("manifest %s declares no persona titles", m.Name)
	}
	for _, t := range m.PersonaConfig.PersonaTitles {
		if t.Title == "" {
			return fmt.Errorf("manifest %s: persona title missing title", m.Name)
		}
		if len(t.AllowedActions) == 0 {
			return fmt.Errorf("manifest %s: persona title %s has no allowed_actions", m.Name, t.Title)
		}
	}
	if len(m.PersonaConfig.PersonaStatuses) == 0 {
		return fmt.Errorf("manifest %s declares no persona_statuses", m.Name)
	}
	return nil
}
