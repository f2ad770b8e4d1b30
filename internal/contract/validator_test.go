package contract

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/forge/internal/contract/contracttest"
	"github.com/kingrea/forge/internal/failure"
	"github.com/kingrea/forge/internal/specstore"
)

func raw(id string, body []byte) specstore.RawSpec {
	return specstore.RawSpec{ID: id, Body: body, Source: "test:" + id}
}

func TestParseValidContract(t *testing.T) {
	fixture := contracttest.New("adapter").DependsOn("core").Advises("telemetry")
	c, err := Parse(raw("adapter", fixture.YAML()))
	require.NoError(t, err)

	assert.Equal(t, "adapter", c.ID())
	assert.Equal(t, "1.0.0", c.Identity.Version)
	assert.Equal(t, RequiredSections(), c.Sections)
	assert.Equal(t, []string{"core"}, c.HardDependencies)
	assert.Equal(t, []string{"telemetry"}, c.SoftDependencies)
	require.Len(t, c.Targets, 2)
	assert.Equal(t, "json", c.Targets[0].Kind)
	assert.Equal(t, "standard", c.Governance.RiskClass)
	assert.Len(t, c.Fingerprint, 64)

	hint, ok := c.Field("integration.hints.endpoint")
	require.True(t, ok)
	assert.Equal(t, "/adapter", hint)
	_, ok = c.Field("integration.nothing")
	assert.False(t, ok)
}

func TestParseMissingSections(t *testing.T) {
	body := []byte("identity:\n  id: core\n  version: 1.0.0\ngeneration_targets:\n  - path: a.json\n    kind: json\n")
	_, err := Parse(raw("core", body))
	var malformed *MalformedContractError
	require.True(t, errors.As(err, &malformed))
	assert.Equal(t, []string{SectionDependencies, SectionGovernance, SectionIntegration}, malformed.Missing)
	assert.Equal(t, failure.ClassStructural, failure.ClassOf(err))
}

func TestParseRejectsSchemaViolations(t *testing.T) {
	body := []byte(`identity:
  id: core
  version: 1.0.0
dependencies:
  hard: core-lib
generation_targets: []
governance: {}
integration: {}
`)
	_, err := Parse(raw("core", body))
	var malformed *MalformedContractError
	require.True(t, errors.As(err, &malformed))
	assert.NotEmpty(t, malformed.Problems)
}

func TestParseRejectsBadIdentityAndVersion(t *testing.T) {
	fixture := contracttest.New("core")
	fixture.Version = "not-a-version"
	_, err := Parse(raw("core", fixture.YAML()))
	var malformed *MalformedContractError
	require.True(t, errors.As(err, &malformed))
	assert.Contains(t, malformed.Error(), "identity.version")

	_, err = Parse(raw("other", contracttest.New("core").YAML()))
	require.True(t, errors.As(err, &malformed))
	assert.Contains(t, malformed.Error(), "does not match store id")

	_, err = Parse(raw("core", contracttest.New("core").DependsOn("Not_Valid").YAML()))
	require.True(t, errors.As(err, &malformed))
	assert.Contains(t, malformed.Error(), "dependencies.hard[0]")
}

func TestParseDuplicateTarget(t *testing.T) {
	fixture := contracttest.New("core").WithTargets(
		contracttest.Target{Path: "core/a.json", Kind: "json"},
		contracttest.Target{Path: "core/a.json", Kind: "yaml"},
	)
	_, err := Parse(raw("core", fixture.YAML()))
	var dup *DuplicateTargetError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "core/a.json", dup.Path)
	assert.Equal(t, []int{0, 1}, dup.Indexes)
}

func TestParseUndeclaredTargetDependency(t *testing.T) {
	fixture := contracttest.New("core").WithTargets(
		contracttest.Target{Path: "core/a.json", Kind: "json", DependsOn: []string{"core/b.json"}},
	)
	_, err := Parse(raw("core", fixture.YAML()))
	var malformed *MalformedContractError
	require.True(t, errors.As(err, &malformed))
	assert.Contains(t, malformed.Error(), "undeclared target")
}

func TestFingerprintTracksContent(t *testing.T) {
	first, err := Parse(raw("core", contracttest.New("core").YAML()))
	require.NoError(t, err)
	again, err := Parse(raw("core", contracttest.New("core").YAML()))
	require.NoError(t, err)
	changed, err := Parse(raw("core", contracttest.New("core").WithHint("endpoint", "/v2").YAML()))
	require.NoError(t, err)

	assert.Equal(t, first.Fingerprint, again.Fingerprint)
	assert.NotEqual(t, first.Fingerprint, changed.Fingerprint)
}

func TestValidateResolvesHardDependencies(t *testing.T) {
	store := specstore.NewMemoryStore()
	require.NoError(t, store.Put("core", contracttest.New("core").YAML()))
	validator := NewValidator(store)

	c, err := validator.Validate(context.Background(), raw("adapter", contracttest.New("adapter").DependsOn("core").Advises("telemetry").YAML()))
	require.NoError(t, err)
	assert.Equal(t, []string{"telemetry"}, c.UnresolvedSoft)

	_, err = validator.Validate(context.Background(), raw("adapter", contracttest.New("adapter").DependsOn("missing").YAML()))
	var unresolved *UnresolvableReferenceError
	require.True(t, errors.As(err, &unresolved))
	assert.Equal(t, "missing", unresolved.Reference)
	assert.Equal(t, failure.ClassGraph, failure.ClassOf(err))
}

func TestCloneIsDeep(t *testing.T) {
	c, err := Parse(raw("core", contracttest.New("core").YAML()))
	require.NoError(t, err)
	clone := c.Clone()
	clone.Targets[0].Fields[0] = "mutated"
	doc := clone.Document()
	doc["identity"] = "mutated"

	assert.Equal(t, "identity", c.Targets[0].Fields[0])
	id, ok := c.Field("identity.id")
	require.True(t, ok)
	assert.Equal(t, "core", id)
}

func TestCatalogRetiresSupersededFingerprints(t *testing.T) {
	cat := NewCatalog()
	v1, err := Parse(raw("core", contracttest.New("core").YAML()))
	require.NoError(t, err)
	v2fixture := contracttest.New("core").WithHint("endpoint", "/v2")
	v2fixture.Version = "1.1.0"
	v2, err := Parse(raw("core", v2fixture.YAML()))
	require.NoError(t, err)

	_, superseded := cat.Admit(v1)
	assert.False(t, superseded)
	_, superseded = cat.Admit(v1)
	assert.False(t, superseded)

	retired, superseded := cat.Admit(v2)
	require.True(t, superseded)
	assert.Equal(t, v1.Fingerprint, retired.Fingerprint)
	assert.Len(t, cat.Retired("core"), 1)
	assert.False(t, VersionRegressed(v1, v2))
	assert.True(t, VersionRegressed(v2, v1))

	current, ok := cat.Get("core")
	require.True(t, ok)
	assert.Equal(t, v2.Fingerprint, current.Fingerprint)
	assert.Equal(t, []string{"core"}, cat.IDs())
}
