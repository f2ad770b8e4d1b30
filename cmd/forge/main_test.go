package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/kingrea/forge/internal/approval"
	"github.com/kingrea/forge/internal/contract/contracttest"
	"github.com/kingrea/forge/internal/orchestrator"
	"github.com/kingrea/forge/internal/server"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	jsonOutput, dryRun, waitForBatch, verifyChain = false, false, false, false
	serverURL, authToken, decisionReason, evidenceFormat = "", "", "", "json"
	projectDir = "."
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func findCommand(name string) *cobra.Command {
	for _, cmd := range rootCmd.Commands() {
		if cmd.Name() == name {
			return cmd
		}
	}
	return nil
}

func newProject(t *testing.T, fixtures ...*contracttest.Fixture) string {
	t.Helper()
	dir := t.TempDir()
	if _, err := execute(t, "init", "--project", dir); err != nil {
		t.Fatalf("init: %v", err)
	}
	for _, f := range fixtures {
		path := filepath.Join(dir, ".forge", "specs", f.ID+".yaml")
		if err := os.WriteFile(path, f.YAML(), 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	return dir
}

func TestCommands_Exist(t *testing.T) {
	for _, name := range []string{"init", "serve", "validate", "graph", "plan", "submit", "status", "cancel", "evidence", "approvals", "decide", "token", "watch"} {
		cmd := findCommand(name)
		if cmd == nil {
			t.Errorf("%s command not found in rootCmd", name)
			continue
		}
		if cmd.Short == "" {
			t.Errorf("%s command should have Short description", name)
		}
	}
}

func TestPersistentFlags(t *testing.T) {
	for _, name := range []string{"project", "server"} {
		if rootCmd.PersistentFlags().Lookup(name) == nil {
			t.Errorf("--%s flag not registered", name)
		}
	}
	if findCommand("submit").Flags().Lookup("dry-run") == nil {
		t.Error("submit should accept --dry-run")
	}
	if findCommand("evidence").Flags().Lookup("verify") == nil {
		t.Error("evidence should accept --verify")
	}
}

func TestInitCreatesLayout(t *testing.T) {
	dir := newProject(t)
	for _, sub := range []string{"specs", "rules", "state", "journal", "config.yaml"} {
		if _, err := os.Stat(filepath.Join(dir, ".forge", sub)); err != nil {
			t.Errorf("expected .forge/%s: %v", sub, err)
		}
	}
}

func TestValidateReportsEachContract(t *testing.T) {
	dir := newProject(t,
		contracttest.New("core"),
		contracttest.New("adapter").DependsOn("core"),
		contracttest.New("orphan").DependsOn("missing"),
	)
	out, err := execute(t, "validate", "--project", dir)
	if err == nil {
		t.Fatal("expected validate to fail for the orphan contract")
	}
	if !strings.Contains(out, "ok      core") || !strings.Contains(out, "ok      adapter") {
		t.Errorf("expected core and adapter to validate, got:\n%s", out)
	}
	if !strings.Contains(out, "invalid orphan [graph]") {
		t.Errorf("expected orphan to fail with class graph, got:\n%s", out)
	}
}

func TestGraphPrintsLevels(t *testing.T) {
	dir := newProject(t,
		contracttest.New("core"),
		contracttest.New("adapter").DependsOn("core"),
	)
	out, err := execute(t, "graph", "adapter", "--project", dir, "--json")
	if err != nil {
		t.Fatalf("graph: %v\n%s", err, out)
	}
	var got struct {
		Levels [][]string `json:"levels"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if len(got.Levels) != 2 || got.Levels[0][0] != "core" || got.Levels[1][0] != "adapter" {
		t.Errorf("unexpected levels %v", got.Levels)
	}
}

func TestGraphRejectsCycle(t *testing.T) {
	dir := newProject(t,
		contracttest.New("a").DependsOn("b"),
		contracttest.New("b").DependsOn("a"),
	)
	if _, err := execute(t, "graph", "--project", dir); err == nil {
		t.Fatal("expected a cycle error")
	}
}

func TestPlanPreviewsCreates(t *testing.T) {
	dir := newProject(t, contracttest.New("core"))
	out, err := execute(t, "plan", "core", "--project", dir)
	if err != nil {
		t.Fatalf("plan: %v\n%s", err, out)
	}
	if !strings.Contains(out, "create") {
		t.Errorf("expected create actions, got:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(dir, "generated", "core")); !os.IsNotExist(err) {
		t.Errorf("plan must not write targets, stat err = %v", err)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	dir := newProject(t)
	t.Setenv("FORGE_TOKEN_SECRET", "s3cret")
	out, err := execute(t, "token", "release-manager", "--project", dir)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	id, err := approval.NewTokenVerifier([]byte("s3cret")).Verify(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id != "release-manager" {
		t.Errorf("expected release-manager, got %s", id)
	}
}

func TestDecideRequiresToken(t *testing.T) {
	t.Setenv("FORGE_TOKEN", "")
	_, err := execute(t, "decide", "req-1", "approve", "--server", "http://127.0.0.1:1")
	if err == nil || !strings.Contains(err.Error(), "token") {
		t.Fatalf("expected a token error, got %v", err)
	}
}

func TestSubmitPostsBatch(t *testing.T) {
	var got server.SubmitRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/batches" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(orchestrator.BatchHandle{ID: "batch-1"})
	}))
	defer srv.Close()

	out, err := execute(t, "submit", "core", "adapter", "--dry-run", "--server", srv.URL)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if strings.TrimSpace(out) != "batch-1" {
		t.Errorf("expected batch id, got %q", out)
	}
	if !got.DryRun || len(got.Contracts) != 2 {
		t.Errorf("unexpected request %+v", got)
	}
}

func TestSubmitSurfacesRejectionClass(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(server.ErrorResponse{Error: "cycle a -> b -> a", Class: "graph"})
	}))
	defer srv.Close()

	_, err := execute(t, "submit", "a", "--server", srv.URL)
	if err == nil || !strings.Contains(err.Error(), "[graph]") {
		t.Fatalf("expected graph rejection, got %v", err)
	}
}
