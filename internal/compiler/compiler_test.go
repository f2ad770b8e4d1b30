package compiler

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kingrea/forge/internal/artifact"
	"github.com/kingrea/forge/internal/contract"
	"github.com/kingrea/forge/internal/contract/contracttest"
	"github.com/kingrea/forge/internal/failure"
	"github.com/kingrea/forge/internal/specstore"
)

func parse(t *testing.T, fixture *contracttest.Fixture) contract.Contract {
	t.Helper()
	c, err := contract.Parse(specstore.RawSpec{ID: fixture.ID, Body: fixture.YAML()})
	require.NoError(t, err)
	return c
}

func writeAll(t *testing.T, store artifact.Registry, targets []Target) {
	t.Helper()
	for _, target := range targets {
		require.NoError(t, store.Write(context.Background(), target.ID, target.Content, artifact.Metadata{
			ContractID:  target.ContractID,
			Kind:        target.Kind,
			Fingerprint: target.Fingerprint,
		}))
	}
}

func TestCompileFreshTargets(t *testing.T) {
	store := artifact.NewMemoryStore()
	c := New(nil, store)
	targets, err := c.Compile(context.Background(), parse(t, contracttest.New("core")))
	require.NoError(t, err)
	require.Len(t, targets, 2)

	config, manifest := targets[0], targets[1]
	assert.Equal(t, "core/config.json", config.ID)
	assert.Equal(t, "core#core/config.json", config.PlanItemID())
	assert.Equal(t, []string{"identity", "integration"}, config.Fields)
	assert.False(t, config.Manifest)
	assert.True(t, manifest.Manifest)
	assert.Equal(t, []string{"identity"}, manifest.Fields)
	for _, target := range targets {
		assert.Len(t, target.Fingerprint, 64)
		assert.False(t, target.Exists)
		assert.False(t, target.Destructive)
		assert.NotEmpty(t, target.Content)
	}
	assert.Contains(t, string(manifest.Content), "core/config.json")
	assert.Contains(t, string(manifest.Content), config.Fingerprint[:12])
}

func TestCompileIsDeterministic(t *testing.T) {
	c := New(nil, nil)
	ct := parse(t, contracttest.New("core"))
	first, err := c.Compile(context.Background(), ct)
	require.NoError(t, err)
	second, err := c.Compile(context.Background(), ct)
	require.NoError(t, err)
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Fingerprint, second[i].Fingerprint)
		assert.Equal(t, first[i].Content, second[i].Content)
	}
}

func TestUnrelatedFieldChangeKeepsFingerprint(t *testing.T) {
	targets := []contracttest.Target{
		{Path: "core/identity.yaml", Kind: "yaml", Fields: []string{"identity"}},
		{Path: "core/hints.json", Kind: "json", Fields: []string{"integration.hints"}},
	}
	c := New(nil, nil)
	before, err := c.Compile(context.Background(), parse(t, contracttest.New("core").WithTargets(targets...)))
	require.NoError(t, err)
	after, err := c.Compile(context.Background(), parse(t, contracttest.New("core").WithTargets(targets...).WithHint("endpoint", "/v2")))
	require.NoError(t, err)

	assert.Equal(t, before[0].Fingerprint, after[0].Fingerprint)
	assert.NotEqual(t, before[1].Fingerprint, after[1].Fingerprint)
}

func TestManifestTracksSiblingFingerprints(t *testing.T) {
	c := New(nil, nil)
	before, err := c.Compile(context.Background(), parse(t, contracttest.New("core")))
	require.NoError(t, err)
	after, err := c.Compile(context.Background(), parse(t, contracttest.New("core").WithHint("endpoint", "/v2")))
	require.NoError(t, err)
	assert.NotEqual(t, before[1].Fingerprint, after[1].Fingerprint)
}

func TestDestructiveClassification(t *testing.T) {
	store := artifact.NewMemoryStore()
	c := New(nil, store)
	ctx := context.Background()

	first, err := c.Compile(ctx, parse(t, contracttest.New("core")))
	require.NoError(t, err)
	writeAll(t, store, first)

	same, err := c.Compile(ctx, parse(t, contracttest.New("core")))
	require.NoError(t, err)
	for _, target := range same {
		assert.True(t, target.Exists)
		assert.True(t, target.Unchanged())
		assert.False(t, target.Destructive, target.ID)
	}

	changed, err := c.Compile(ctx, parse(t, contracttest.New("core").WithHint("endpoint", "/v2")))
	require.NoError(t, err)
	assert.True(t, changed[0].Destructive)
	assert.Equal(t, first[0].Fingerprint, changed[0].PriorFingerprint)
}

func TestForeignArtifactIsDestructive(t *testing.T) {
	store := artifact.NewMemoryStore()
	store.Seed("core/config.json", []byte("{}"))
	targets, err := New(nil, store).Compile(context.Background(), parse(t, contracttest.New("core")))
	require.NoError(t, err)
	assert.True(t, targets[0].Exists)
	assert.Empty(t, targets[0].PriorFingerprint)
	assert.True(t, targets[0].Destructive)
}

func TestMissingFieldIsRecorded(t *testing.T) {
	fixture := contracttest.New("core").WithTargets(contracttest.Target{Path: "core/x.json", Kind: "json", Fields: []string{"integration.absent"}})
	targets, err := New(nil, nil).Compile(context.Background(), parse(t, fixture))
	require.NoError(t, err)
	assert.Equal(t, []string{"integration.absent"}, targets[0].MissingFields)
}

func TestMissingFieldIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	fixture := contracttest.New("core").WithTargets(contracttest.Target{Path: "core/x.json", Kind: "json", Fields: []string{"integration.endpionts", "identity"}})
	_, err := New(nil, nil, WithLogger(zap.New(core))).Compile(context.Background(), parse(t, fixture))
	require.NoError(t, err)

	entries := logs.FilterMessage("declared fields do not resolve").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "core", fields["contract"])
	assert.Equal(t, "core/x.json", fields["target"])
	assert.Equal(t, []interface{}{"integration.endpionts"}, fields["fields"])
}

func TestRenderedInputsFeedFingerprint(t *testing.T) {
	targets := []contracttest.Target{
		{Path: "core/hints.yaml", Kind: "yaml", Fields: []string{"integration"}},
		{Path: "core/hints.json", Kind: "json", Fields: []string{"integration"}},
		{Path: "core/README.md", Kind: "document", Fields: []string{"integration"}},
		{Path: "core/MANIFEST.md", Kind: "manifest", Fields: []string{"integration"}},
	}
	c := New(nil, nil)
	ctx := context.Background()
	base := parse(t, contracttest.New("core").WithTargets(targets...))
	before, err := c.Compile(ctx, base)
	require.NoError(t, err)

	bumped := contracttest.New("core").WithTargets(targets...)
	bumped.Version = "2.0.0"
	renamed := base.Clone()
	renamed.Identity.Name = "Core platform"
	retitled := base.Clone()
	for i := range retitled.Targets {
		retitled.Targets[i].Options = map[string]any{"title": "Platform core"}
	}

	variants := map[string]contract.Contract{
		"version": parse(t, bumped),
		"name":    renamed,
		"fields":  parse(t, contracttest.New("core").WithTargets(targets...).WithHint("endpoint", "/v2")),
		"options": retitled,
	}
	for name, variant := range variants {
		t.Run(name, func(t *testing.T) {
			after, err := c.Compile(ctx, variant)
			require.NoError(t, err)
			require.Len(t, after, len(before))
			changed := 0
			for i := range after {
				if string(before[i].Content) == string(after[i].Content) {
					continue
				}
				changed++
				assert.NotEqual(t, before[i].Fingerprint, after[i].Fingerprint, "%s rendered new content under the same fingerprint", after[i].ID)
			}
			assert.NotZero(t, changed)
		})
	}

	// The manifest renders the version without declaring identity.
	after, err := c.Compile(ctx, variants["version"])
	require.NoError(t, err)
	assert.NotEqual(t, before[3].Content, after[3].Content)
	assert.NotEqual(t, before[3].Fingerprint, after[3].Fingerprint)
}

func TestUnknownKindIsReported(t *testing.T) {
	fixture := contracttest.New("core").WithTargets(
		contracttest.Target{Path: "core/a.proto", Kind: "protobuf"},
		contracttest.Target{Path: "core/b.json", Kind: "json"},
		contracttest.Target{Path: "core/c.tf", Kind: "terraform"},
	)
	targets, err := New(nil, nil).Compile(context.Background(), parse(t, fixture))
	assert.Nil(t, targets)
	var unresolvable *UnresolvableTemplateError
	require.True(t, errors.As(err, &unresolvable))
	assert.Equal(t, []string{"core/a.proto", "core/c.tf"}, unresolvable.Targets)
	assert.Equal(t, failure.ClassCompilation, failure.ClassOf(err))
	assert.Contains(t, err.Error(), "terraform")
}

func TestBuiltinRenderers(t *testing.T) {
	fixture := contracttest.New("core").WithTargets(
		contracttest.Target{Path: "core/a.json", Kind: "json", Fields: []string{"identity.id"}},
		contracttest.Target{Path: "core/b.yaml", Kind: "yaml", Fields: []string{"identity.version"}},
		contracttest.Target{Path: "core/c.md", Kind: "document", Fields: []string{"integration"}},
	)
	targets, err := New(nil, nil).Compile(context.Background(), parse(t, fixture))
	require.NoError(t, err)

	assert.Contains(t, string(targets[0].Content), `"identity.id": "core"`)
	assert.True(t, strings.HasPrefix(string(targets[1].Content), "# generated by forge from core"))
	assert.Contains(t, string(targets[1].Content), "identity.version: 1.0.0")

	prov, body, err := artifact.ParseFrontMatter(targets[2].Content)
	require.NoError(t, err)
	assert.Equal(t, "core", prov.ContractID)
	assert.Equal(t, targets[2].Fingerprint, prov.Fingerprint)
	assert.Equal(t, []string{"integration"}, prov.Fields)
	assert.Contains(t, string(body), "## integration")
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []string{KindDocument, KindJSON, KindManifest, KindYAML}, r.Kinds())
	err := r.Register("JSON", func(Config) (Rule, error) { return nil, nil })
	assert.Error(t, err)
	assert.Panics(t, func() { RegisterBuiltins(r) })
}

func TestFingerprintStableUnderRecompileProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)
	c := New(nil, nil)

	properties.Property("same hints give same fingerprints", prop.ForAll(
		func(value string) bool {
			ct, err := contract.Parse(specstore.RawSpec{ID: "core", Body: contracttest.New("core").WithHint("endpoint", value).YAML()})
			if err != nil {
				return false
			}
			a, errA := c.Compile(context.Background(), ct)
			b, errB := c.Compile(context.Background(), ct.Clone())
			if errA != nil || errB != nil {
				return false
			}
			return a[0].Fingerprint == b[0].Fingerprint && a[1].Fingerprint == b[1].Fingerprint
		},
		gen.AlphaString(),
	))
	properties.TestingRun(t)
}
