package artifact

import (
	"bytes"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

var (
	// ErrMissingFrontMatter indicates the document did not start with a YAML fence.
	ErrMissingFrontMatter = errors.New("artifact: missing frontmatter")
	// ErrMalformedFrontMatter indicates the YAML block could not be parsed.
	ErrMalformedFrontMatter = errors.New("artifact: malformed frontmatter")
)

// Provenance is the header embedded in generated documents. It holds no
// timestamps so identical inputs render identical bytes.
type Provenance struct {
	ContractID  string   `yaml:"contract"`
	TargetID    string   `yaml:"target"`
	Kind        string   `yaml:"kind"`
	Fingerprint string   `yaml:"fingerprint"`
	Fields      []string `yaml:"fields,omitempty"`
}

type forgeEnvelope struct {
	Forge Provenance `yaml:"forge"`
}

// ParseFrontMatter extracts the provenance block and body from a document
// that starts with `---` YAML fences.
func ParseFrontMatter(content []byte) (Provenance, []byte, error) {
	if len(content) == 0 {
		return Provenance{}, nil, ErrMissingFrontMatter
	}
	normalized := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return Provenance{}, nil, ErrMissingFrontMatter
	}
	parts := bytes.SplitN(normalized[4:], []byte("\n---\n"), 2)
	if len(parts) < 2 {
		return Provenance{}, nil, ErrMalformedFrontMatter
	}
	var envelope forgeEnvelope
	if err := yaml.Unmarshal(parts[0], &envelope); err != nil {
		return Provenance{}, nil, fmt.Errorf("artifact: parse frontmatter: %w", err)
	}
	if envelope.Forge.TargetID == "" || envelope.Forge.Fingerprint == "" {
		return Provenance{}, nil, ErrMalformedFrontMatter
	}
	return envelope.Forge, bytes.TrimPrefix(parts[1], []byte("\n")), nil
}

// WriteFrontMatter renders provenance + body with YAML fences.
func WriteFrontMatter(prov Provenance, body []byte) ([]byte, error) {
	if prov.TargetID == "" {
		return nil, fmt.Errorf("artifact: provenance missing target id")
	}
	data, err := yaml.Marshal(forgeEnvelope{Forge: prov})
	if err != nil {
		return nil, fmt.Errorf("artifact: encode frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(bytes.TrimRight(data, "\n"))
	buf.WriteString("\n---\n\n")
	buf.Write(body)
	return buf.Bytes(), nil
}
