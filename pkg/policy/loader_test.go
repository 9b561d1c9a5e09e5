package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const legacyPolicy = `# Disables the legacy plugin
package plugind.legacy

import rego.v1

default disabled := false

disabled if input.short_name == "legacy"

reason := "legacy plugin" if disabled
`

const annotatedPolicy = `# METADATA
# title: Flow hold
# description: Holds back flow and legacy during upgrades
# custom:
#   plugins: [flow, legacy]
package plugind.hold

import rego.v1

default disabled := false

disabled if input.version != "2.0.0"
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
}

func TestReadPolicy_Rego(t *testing.T) {
	policyFile := filepath.Join(t.TempDir(), "legacy.rego")
	writeFile(t, policyFile, legacyPolicy)
	modified := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	policy, err := readPolicy(policyFile, modified)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "legacy" {
		t.Errorf("Expected name 'legacy', got '%s'", policy.Name)
	}
	if policy.Rego != legacyPolicy {
		t.Error("Rego content doesn't match")
	}
	if policy.Description != "Disables the legacy plugin" {
		t.Errorf("Unexpected description %q", policy.Description)
	}
	if !policy.Enabled {
		t.Error("Policy should be enabled by default")
	}
	if len(policy.Plugins) != 0 {
		t.Errorf("Unannotated policy should apply to every plugin, got %v", policy.Plugins)
	}
	if policy.Source != policyFile || !policy.UpdatedAt.Equal(modified) {
		t.Errorf("Unexpected source or timestamp: %+v", policy)
	}
}

func TestReadPolicy_Annotations(t *testing.T) {
	policyFile := filepath.Join(t.TempDir(), "hold.rego")
	writeFile(t, policyFile, annotatedPolicy)

	policy, err := readPolicy(policyFile, time.Now())
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if policy.Description != "Holds back flow and legacy during upgrades" {
		t.Errorf("Unexpected description %q", policy.Description)
	}
	if len(policy.Plugins) != 2 || policy.Plugins[0] != "flow" || policy.Plugins[1] != "legacy" {
		t.Errorf("Unexpected plugins %v", policy.Plugins)
	}
}

func TestReadPolicy_JSON(t *testing.T) {
	policyFile := filepath.Join(t.TempDir(), "legacy.json")
	data, err := json.Marshal(Policy{
		Name:        "legacy-json",
		Description: "JSON defined",
		Rego:        annotatedPolicy,
		Plugins:     []string{"base"},
		Enabled:     true,
	})
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, policyFile, string(data))

	policy, err := readPolicy(policyFile, time.Now())
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if policy.Name != "legacy-json" || !policy.Enabled {
		t.Errorf("Unexpected policy: %+v", policy)
	}
	if policy.Description != "JSON defined" {
		t.Errorf("Explicit description should win, got %q", policy.Description)
	}
	if len(policy.Plugins) != 1 || policy.Plugins[0] != "base" {
		t.Errorf("Explicit plugins should win, got %v", policy.Plugins)
	}
	if policy.CreatedAt.IsZero() {
		t.Error("CreatedAt should be defaulted")
	}
	if policy.Source != policyFile {
		t.Errorf("Expected source %s, got %s", policyFile, policy.Source)
	}
}

func TestReadPolicy_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		want    string
	}{
		{"json without name", "noname.json", `{"rego": "package x"}`, "no name"},
		{"json without rego", "norego.json", `{"name": "x"}`, "no rego source"},
		{"broken json", "broken.json", "{", "failed to parse JSON"},
		{"unsupported type", "test.txt", "not a policy", "unsupported file type"},
		{"syntax error", "broken.rego", "package broken\n\ndisabled if {", "failed to parse"},
		{"no disabled rule", "allow.rego", "package plugind.allow\n\nimport rego.v1\n\nallow := true\n", "defines no disabled rule"},
		{"reason only", "reason.rego", "package plugind.reason\n\nimport rego.v1\n\nreason := \"x\"\n", "defines no disabled rule"},
	}

	dir := t.TempDir()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.file)
			writeFile(t, path, tt.content)
			_, err := readPolicy(path, time.Now())
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadFromPaths(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.rego"), legacyPolicy)
	writeFile(t, filepath.Join(dir, "nested", "b.rego"), annotatedPolicy)
	writeFile(t, filepath.Join(dir, "README.md"), "not a policy")
	writeFile(t, filepath.Join(dir, "broken.json"), "{")
	writeFile(t, filepath.Join(dir, "allow.rego"), "package plugind.allow\n\nallow := true\n")

	single := filepath.Join(t.TempDir(), "c.rego")
	writeFile(t, single, legacyPolicy)

	policies, err := loader.LoadFromPaths(context.Background(), []string{dir, single})
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	var names []string
	for _, p := range policies {
		names = append(names, p.Name)
	}
	if strings.Join(names, ",") != "a,b,c" {
		t.Errorf("Expected a,b,c, got %v", names)
	}
}

func TestLoadFromPaths_Errors(t *testing.T) {
	dir := t.TempDir()
	broken := filepath.Join(dir, "broken.rego")
	writeFile(t, broken, "package plugind.broken\n\nallow := true\n")

	dupA := filepath.Join(t.TempDir(), "legacy.rego")
	dupB := filepath.Join(t.TempDir(), "legacy.rego")
	writeFile(t, dupA, legacyPolicy)
	writeFile(t, dupB, legacyPolicy)

	tests := []struct {
		name  string
		paths []string
		want  string
	}{
		{"missing path", []string{"/nonexistent/path"}, "failed to stat"},
		{"named file without disabled rule", []string{broken}, "defines no disabled rule"},
		{"duplicate names", []string{dupA, dupB}, "defined by both"},
	}

	loader := NewLoader(zerolog.Nop())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loader.LoadFromPaths(context.Background(), tt.paths)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestAppliesTo(t *testing.T) {
	tests := []struct {
		name    string
		plugins []string
		input   PolicyInput
		want    bool
	}{
		{"unrestricted", nil, PolicyInput{Stem: "flow"}, true},
		{"stem listed", []string{"flow"}, PolicyInput{Stem: "flow", ShortName: "flow"}, true},
		{"short name listed", []string{"flow"}, PolicyInput{Stem: "reactive-graph-plugin-flow", ShortName: "flow"}, true},
		{"not listed", []string{"flow"}, PolicyInput{Stem: "base", ShortName: "base"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Policy{Plugins: tt.plugins}
			if got := p.AppliesTo(tt.input); got != tt.want {
				t.Errorf("AppliesTo = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.rego"), legacyPolicy)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan int, 4)
	done, err := loader.Watch(ctx, []string{dir}, func(p []Policy) error {
		reloaded <- len(p)
		return nil
	})
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	writeFile(t, filepath.Join(dir, "b.rego"), legacyPolicy)

	select {
	case n := <-reloaded:
		if n != 2 {
			t.Errorf("Expected 2 policies after reload, got %d", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for reload")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
	writeFile(t, filepath.Join(dir, "c.rego"), legacyPolicy)
	select {
	case n := <-reloaded:
		t.Fatalf("reloaded %d policies after the watcher stopped", n)
	case <-time.After(2 * reloadDelay):
	}
}
