package compiler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kingrea/forge/internal/artifact"
)

// Built-in kinds.
const (
	KindJSON     = "json"
	KindYAML     = "yaml"
	KindDocument = "document"
	KindManifest = "manifest"
)

const builtinVersion = "1"

// Format is the serialization a rule produces.
type Format string

const (
	FormatJSON     Format = "json"
	FormatYAML     Format = "yaml"
	FormatDocument Format = "document"
)

// RegisterBuiltins installs the json, yaml, document and manifest rules.
func RegisterBuiltins(r *Registry) {
	r.MustRegister(KindJSON, func(Config) (Rule, error) {
		return &FormatRule{RuleInfo: RuleInfo{Kind: KindJSON, Name: "JSON document", Version: builtinVersion}, Format: FormatJSON}, nil
	})
	r.MustRegister(KindYAML, func(Config) (Rule, error) {
		return &FormatRule{RuleInfo: RuleInfo{Kind: KindYAML, Name: "YAML document", Version: builtinVersion}, Format: FormatYAML}, nil
	})
	r.MustRegister(KindDocument, func(cfg Config) (Rule, error) {
		return &FormatRule{
			RuleInfo: RuleInfo{Kind: KindDocument, Name: "Markdown document", Version: builtinVersion},
			Format:   FormatDocument,
			Title:    cfg.String("title"),
		}, nil
	})
	r.MustRegister(KindManifest, func(cfg Config) (Rule, error) {
		return &ManifestRule{Title: cfg.String("title")}, nil
	})
}

// FormatRule serializes the target's field subset in one of the supported
// formats. Plugin rules are FormatRules with their own kind and version.
type FormatRule struct {
	RuleInfo
	Format Format
	Header string
	Title  string
}

func (r *FormatRule) Info() RuleInfo { return r.RuleInfo }

func (r *FormatRule) Render(in Input) ([]byte, error) {
	switch r.Format {
	case FormatJSON:
		payload := map[string]any{
			"contract":    in.Identity.ID,
			"target":      in.Target.Path,
			"fingerprint": in.Fingerprint,
			"fields":      in.Fields,
		}
		if r.Header != "" {
			payload["header"] = r.Header
		}
		data, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("compiler: encode %s: %w", in.Target.Path, err)
		}
		return append(data, '\n'), nil
	case FormatYAML:
		var buf bytes.Buffer
		if r.Header != "" {
			for _, line := range strings.Split(r.Header, "\n") {
				buf.WriteString("# " + line + "\n")
			}
		}
		fmt.Fprintf(&buf, "# generated by forge from %s (fingerprint %s)\n", in.Identity.ID, in.Fingerprint)
		data, err := yaml.Marshal(in.Fields)
		if err != nil {
			return nil, fmt.Errorf("compiler: encode %s: %w", in.Target.Path, err)
		}
		buf.Write(data)
		return buf.Bytes(), nil
	case FormatDocument:
		var body bytes.Buffer
		fmt.Fprintf(&body, "# %s\n", firstNonEmpty(r.Title, in.Identity.Name, in.Identity.ID))
		if r.Header != "" {
			fmt.Fprintf(&body, "\n%s\n", r.Header)
		}
		for _, field := range sortedFieldNames(in.Fields) {
			data, err := yaml.Marshal(in.Fields[field])
			if err != nil {
				return nil, fmt.Errorf("compiler: encode field %s of %s: %w", field, in.Target.Path, err)
			}
			fmt.Fprintf(&body, "\n## %s\n\n```yaml\n%s```\n", field, data)
		}
		return artifact.WriteFrontMatter(provenance(in), body.Bytes())
	default:
		return nil, fmt.Errorf("compiler: rule %s has unsupported format %q", r.Kind, r.Format)
	}
}

// ManifestRule lists every other target of the contract with its fingerprint.
type ManifestRule struct {
	Title string
}

func (r *ManifestRule) Info() RuleInfo {
	return RuleInfo{Kind: KindManifest, Name: "Contract manifest", Version: builtinVersion, Manifest: true}
}

func (r *ManifestRule) Render(in Input) ([]byte, error) {
	var body bytes.Buffer
	fmt.Fprintf(&body, "# %s\n\n", firstNonEmpty(r.Title, "Manifest: "+in.Identity.ID))
	fmt.Fprintf(&body, "Contract `%s` version %s.\n\n", in.Identity.ID, in.Identity.Version)
	body.WriteString("| Target | Kind | Fingerprint |\n|---|---|---|\n")
	for _, sibling := range in.Siblings {
		fmt.Fprintf(&body, "| %s | %s | `%s` |\n", sibling.Path, sibling.Kind, shortHash(sibling.Fingerprint))
	}
	return artifact.WriteFrontMatter(provenance(in), body.Bytes())
}

func provenance(in Input) artifact.Provenance {
	return artifact.Provenance{
		ContractID:  in.Identity.ID,
		TargetID:    in.Target.Path,
		Kind:        in.Target.Kind,
		Fingerprint: in.Fingerprint,
		Fields:      sortedFieldNames(in.Fields),
	}
}

func sortedFieldNames(fields map[string]any) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
