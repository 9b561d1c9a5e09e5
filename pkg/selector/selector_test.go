package selector

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/reactivegraph/plugind/pkg/plugins"
)

func activeInfo() plugins.Info {
	return plugins.Info{
		ID:      "5b1e8c4e-8f7c-4c69-9d47-6a1b0f0f7d21",
		Stem:    "libflow",
		Name:    plugins.DefaultNamePrefix + "flow",
		Version: "1.4.2",
		State:   plugins.Plain(plugins.PhaseActive),
		Dependencies: []plugins.Dependency{
			{Name: plugins.DefaultNamePrefix + "base", Version: "^1.0"},
		},
	}
}

func TestMatch(t *testing.T) {
	info := activeInfo()
	ghost := []plugins.Dependency{{Name: "ghost", Version: "1.0"}}

	tests := []struct {
		name        string
		expr        string
		unsatisfied []plugins.Dependency
		want        bool
	}{
		{"group", `group == "Active"`, nil, true},
		{"state", `state == "Active" and not refreshing`, nil, true},
		{"short name", `short_name == "flow"`, nil, true},
		{"full name", `name.startswith("reactive-graph-plugin-")`, nil, true},
		{"stem", `stem == "libother"`, nil, false},
		{"dependency names", `[d.name for d in dependencies] == ["reactive-graph-plugin-base"]`, nil, true},
		{"no unsatisfied", `len(unsatisfied) == 0`, nil, true},
		{"unsatisfied", `any([d.name == "ghost" for d in unsatisfied])`, ghost, true},
		{"satisfies", `satisfies(version, ">=1.2, <2")`, nil, true},
		{"not satisfies", `satisfies(version, "^2")`, nil, false},
		{"phase", `phase in ("Active", "Resolved")`, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Compile(tt.expr)
			if err != nil {
				t.Fatalf("Compile: %v", err)
			}
			got, err := s.Match(info, info.State.Group(), tt.unsatisfied)
			if err != nil {
				t.Fatalf("Match: %v", err)
			}
			if got != tt.want {
				t.Errorf("Match(%s) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestMatchRefreshingState(t *testing.T) {
	info := activeInfo()
	info.State = plugins.Refreshing(plugins.PhaseActivating)

	s := MustCompile(`refreshing and state == "Refreshing(Starting(Activating))" and group == "Starting"`)
	ok, err := s.Match(info, info.State.Group(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("expected refreshing selector to match")
	}
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{"empty", "   "},
		{"syntax", `group ==`},
		{"unknown name", `colour == "red"`},
		{"statement", `x = 1`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Compile(tt.expr); err == nil {
				t.Errorf("Compile(%q) succeeded", tt.expr)
			}
		})
	}
}

func TestMatchNotBool(t *testing.T) {
	info := activeInfo()
	s := MustCompile(`stem`)
	_, err := s.Match(info, info.State.Group(), nil)
	if !errors.Is(err, ErrNotBool) {
		t.Fatalf("expected ErrNotBool, got %v", err)
	}
}

func TestMatchStepLimit(t *testing.T) {
	info := activeInfo()
	s := MustCompile(`len([x for x in range(100000)]) > 0`, WithMaxSteps(100))
	_, err := s.Match(info, info.State.Group(), nil)
	if err == nil {
		t.Fatal("expected step limit error")
	}
	if !strings.Contains(err.Error(), "too many steps") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestMatchTimeout(t *testing.T) {
	info := activeInfo()
	s := MustCompile(`len([x for x in range(100000000)]) > 0`, WithMaxSteps(0), WithTimeout(10*time.Millisecond))
	_, err := s.Match(info, info.State.Group(), nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestNamePrefixOption(t *testing.T) {
	info := activeInfo()
	info.Name = "acme-flow"
	s := MustCompile(`short_name == "flow"`, WithNamePrefix("acme-"))
	ok, err := s.Match(info, info.State.Group(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("expected custom prefix to be stripped")
	}
}

func TestQueryWhere(t *testing.T) {
	s := MustCompile(`group == "Active"`)
	var m plugins.Matcher = s
	if m == nil {
		t.Fatal("selector is not a matcher")
	}
	if s.String() != `group == "Active"` {
		t.Errorf("String() = %q", s.String())
	}
}
