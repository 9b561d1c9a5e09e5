package commands

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/reactivegraph/plugind/pkg/config"
	"github.com/reactivegraph/plugind/pkg/plugins"
)

func execute(t *testing.T, args ...string) error {
	t.Helper()
	cmd := newRootCommand("test", "none", "today")
	cmd.SetArgs(args)
	return cmd.ExecuteContext(context.Background())
}

func TestInitWritesLoadableWorkspace(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv(config.EnvConfigPath, "")

	if err := execute(t, "init", "--config", "plugind.toml", "--directory", "plugs"); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	for _, dir := range []string{"plugs/deploy", "plugs/installed"} {
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			t.Errorf("%s was not created", dir)
		}
	}
	if _, err := os.Stat(config.DefaultStorePath); err != nil {
		t.Errorf("store was not created: %v", err)
	}

	cfg, err := config.Load("plugind.toml")
	if err != nil {
		t.Fatalf("written config does not load: %v", err)
	}
	if cfg.Plugins.Directory != "plugs" {
		t.Errorf("directory = %s", cfg.Plugins.Directory)
	}

	if err := execute(t, "validate", "plugind.toml"); err != nil {
		t.Errorf("validate failed: %v", err)
	}
	if err := execute(t, "init", "--config", "plugind.toml"); err == nil {
		t.Error("init should refuse to overwrite an existing config")
	}
	if err := execute(t, "init", "--config", "plugind.toml", "--force"); err != nil {
		t.Errorf("init --force failed: %v", err)
	}
}

func TestValidateReportsErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plugind.yaml")
	if err := os.WriteFile(path, []byte("plugins:\n  max_iterations: -1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	err := execute(t, "validate", path)
	if err == nil || !strings.Contains(err.Error(), "validation error") {
		t.Fatalf("err = %v", err)
	}
}

func TestTableAlignsColumns(t *testing.T) {
	out := table(
		[]string{"STEM", "STATE"},
		[][]string{{"base", "Active"}, {"flow-engine", "Resolved"}},
		[][]lipgloss.Style{{mutedStyle, stateStyle(plugins.Plain(plugins.PhaseActive))}},
	)
	lines := strings.Split(out, "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %q", lines)
	}
	// Columns line up on the unstyled text.
	idx := strings.Index(lines[2], "Resolved")
	if idx != len("flow-engine")+2 {
		t.Errorf("STATE column starts at %d in %q", idx, lines[2])
	}
	for _, l := range lines {
		if strings.HasSuffix(l, " ") {
			t.Errorf("trailing space in %q", l)
		}
	}
}

func TestStateStyleRefreshingIsBusy(t *testing.T) {
	refreshing := plugins.State{Phase: plugins.PhaseActive, Refreshing: true}
	if got := stateStyle(refreshing).GetForeground(); got != colorBusy {
		t.Errorf("foreground = %v", got)
	}
	if got := stateStyle(plugins.Plain(plugins.PhaseDisabled)).GetForeground(); got != colorMuted {
		t.Errorf("foreground = %v", got)
	}
}

func TestAge(t *testing.T) {
	tests := []struct {
		ago  time.Duration
		want string
	}{
		{5 * time.Second, "5s"},
		{3*time.Minute + 4*time.Second, "3m4s"},
		{2*time.Hour + 30*time.Minute, "2h30m"},
		{50 * time.Hour, "2d"},
	}
	for _, tt := range tests {
		if got := age(time.Now().Add(-tt.ago)); got != tt.want {
			t.Errorf("age(%v) = %s, want %s", tt.ago, got, tt.want)
		}
	}
	if age(time.Time{}) != "-" {
		t.Error("zero time should render as -")
	}
}
