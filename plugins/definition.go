package plugins

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/kingrea/forge/internal/compiler"
)

// RuleDefinition describes a compilation rule loaded from .forge/rules.
//
// A definition binds a new target kind to one of the structured output
// formats and an optional header. It cannot execute code at render time, so
// plugin rules stay deterministic over their inputs.
type RuleDefinition struct {
	Kind        string          `json:"kind" yaml:"kind"`
	Name        string          `json:"name,omitempty" yaml:"name,omitempty"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	Version     string          `json:"version" yaml:"version"`
	Format      compiler.Format `json:"format" yaml:"format"`
	Header      string          `json:"header,omitempty" yaml:"header,omitempty"`
	Title       string          `json:"title,omitempty" yaml:"title,omitempty"`
}

// Normalized returns a trimmed copy of the definition.
func (def RuleDefinition) Normalized() RuleDefinition {
	return RuleDefinition{
		Kind:        strings.ToLower(strings.TrimSpace(def.Kind)),
		Name:        strings.TrimSpace(def.Name),
		Description: strings.TrimSpace(def.Description),
		Version:     strings.TrimSpace(def.Version),
		Format:      compiler.Format(strings.ToLower(strings.TrimSpace(string(def.Format)))),
		Header:      strings.TrimSpace(def.Header),
		Title:       strings.TrimSpace(def.Title),
	}
}

// Validate ensures the definition names a kind, a semantic version and a
// supported format.
func (def RuleDefinition) Validate() error {
	normalized := def.Normalized()
	if normalized.Kind == "" {
		return fmt.Errorf("plugin: kind is required")
	}
	if strings.ContainsAny(normalized.Kind, " \t/") {
		return fmt.Errorf("plugin: kind %q contains whitespace or a slash", normalized.Kind)
	}
	if normalized.Version == "" {
		return fmt.Errorf("plugin %s: version is required", normalized.Kind)
	}
	if _, err := semver.StrictNewVersion(normalized.Version); err != nil {
		return fmt.Errorf("plugin %s: version %q: %w", normalized.Kind, normalized.Version, err)
	}
	switch normalized.Format {
	case compiler.FormatJSON, compiler.FormatYAML, compiler.FormatDocument:
	case "":
		return fmt.Errorf("plugin %s: format is required", normalized.Kind)
	default:
		return fmt.Errorf("plugin %s: unsupported format %q", normalized.Kind, normalized.Format)
	}
	return nil
}

// Rule builds the compilation rule. Target options may override the title.
func (def RuleDefinition) Rule(cfg compiler.Config) compiler.Rule {
	normalized := def.Normalized()
	title := normalized.Title
	if override := cfg.String("title"); override != "" {
		title = override
	}
	return &compiler.FormatRule{
		RuleInfo: compiler.RuleInfo{
			Kind:        normalized.Kind,
			Name:        firstNonEmpty(normalized.Name, normalized.Kind),
			Version:     normalized.Version,
			Description: normalized.Description,
		},
		Format: normalized.Format,
		Header: normalized.Header,
		Title:  title,
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
