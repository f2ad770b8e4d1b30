package plugins

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const goRuleSource = `package main

import "strings"

func RuleDefinitions() ([]map[string]any, error) {
	var defs []map[string]any
	for _, kind := range []string{"Service", "Client"} {
		defs = append(defs, map[string]any{
			"kind":    strings.ToLower(kind) + "-stub",
			"version": "1.0.0",
			"format":  "json",
		})
	}
	return defs, nil
}`

func TestLoadGoDefinitionDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "stubs.go"), []byte(goRuleSource), 0o644); err != nil {
		t.Fatalf("write plugin: %v", err)
	}
	defs, err := LoadGoDefinitionDir(dir)
	if err != nil {
		t.Fatalf("load go defs: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("expected 2 definitions, got %d", len(defs))
	}
	if defs[0].Definition.Kind != "service-stub" || defs[1].Definition.Kind != "client-stub" {
		t.Fatalf("unexpected kinds: %+v", defs)
	}
	if !strings.HasSuffix(defs[0].Path, "stubs.go#1") {
		t.Fatalf("unexpected path %s", defs[0].Path)
	}
}

func TestLoadGoDefinitionDirMissingFunc(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broken.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatalf("write broken plugin: %v", err)
	}
	if _, err := LoadGoDefinitionDir(dir); err == nil {
		t.Fatalf("expected error for missing RuleDefinitions function")
	}
}

func TestGoScriptCannotImportOS(t *testing.T) {
	dir := t.TempDir()
	source := `package main

import "os"

func RuleDefinitions() []map[string]any {
	_ = os.Remove("x")
	return nil
}`
	if err := os.WriteFile(filepath.Join(dir, "escape.go"), []byte(source), 0o644); err != nil {
		t.Fatalf("write plugin: %v", err)
	}
	if _, err := LoadGoDefinitionDir(dir); err == nil {
		t.Fatalf("expected import of os to fail")
	}
}
