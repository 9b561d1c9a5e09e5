package selector

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/reactivegraph/plugind/pkg/plugins"
	"github.com/reactivegraph/plugind/pkg/semver"
)

const (
	// DefaultMaxSteps bounds the work a single evaluation may do.
	DefaultMaxSteps = 100_000
	// DefaultTimeout bounds the wall time of a single evaluation.
	DefaultTimeout = time.Second

	filename = "where"
)

// ErrNotBool is returned when an expression evaluates to a non-boolean.
var ErrNotBool = errors.New("selector did not evaluate to a bool")

// names are the variables an expression may reference.
var names = map[string]bool{
	"id":           true,
	"stem":         true,
	"path":         true,
	"name":         true,
	"short_name":   true,
	"version":      true,
	"description":  true,
	"state":        true,
	"phase":        true,
	"group":        true,
	"refreshing":   true,
	"start_failed": true,
	"last_error":   true,
	"dependencies": true,
	"unsatisfied":  true,
	"satisfies":    true,
}

// Selector is a compiled Starlark boolean expression over plugin info.
// It is safe for concurrent use; every Match runs on its own thread.
type Selector struct {
	src      string
	prefix   string
	maxSteps uint64
	timeout  time.Duration
}

// Option configures a Selector.
type Option func(*Selector)

// WithNamePrefix sets the prefix stripped to compute short_name.
func WithNamePrefix(prefix string) Option {
	return func(s *Selector) { s.prefix = prefix }
}

// WithMaxSteps overrides DefaultMaxSteps.
func WithMaxSteps(n uint64) Option {
	return func(s *Selector) { s.maxSteps = n }
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Selector) { s.timeout = d }
}

// Compile parses src and checks that it only references known names.
func Compile(src string, opts ...Option) (*Selector, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, errors.New("selector expression is empty")
	}
	expr, err := syntax.ParseExpr(filename, src, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to parse selector: %w", err)
	}
	if _, err := resolve.Expr(expr, func(name string) bool { return names[name] }, starlark.Universe.Has); err != nil {
		return nil, fmt.Errorf("invalid selector: %w", err)
	}

	s := &Selector{
		src:      src,
		prefix:   plugins.DefaultNamePrefix,
		maxSteps: DefaultMaxSteps,
		timeout:  DefaultTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(src string, opts ...Option) *Selector {
	s, err := Compile(src, opts...)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Selector) String() string { return s.src }

// Match evaluates the expression against one plugin.
func (s *Selector) Match(info plugins.Info, group plugins.Group, unsatisfied []plugins.Dependency) (bool, error) {
	thread := &starlark.Thread{
		Name:  "selector",
		Print: func(*starlark.Thread, string) {},
	}
	if s.maxSteps > 0 {
		thread.SetMaxExecutionSteps(s.maxSteps)
	}
	if s.timeout > 0 {
		timer := time.AfterFunc(s.timeout, func() {
			thread.Cancel(fmt.Sprintf("timed out after %v", s.timeout))
		})
		defer timer.Stop()
	}

	v, err := starlark.Eval(thread, filename, s.src, s.env(info, group, unsatisfied))
	if err != nil {
		return false, err
	}
	b, ok := v.(starlark.Bool)
	if !ok {
		return false, fmt.Errorf("%w: got %s", ErrNotBool, v.Type())
	}
	return bool(b), nil
}

func (s *Selector) env(info plugins.Info, group plugins.Group, unsatisfied []plugins.Dependency) starlark.StringDict {
	return starlark.StringDict{
		"id":           starlark.String(info.ID),
		"stem":         starlark.String(info.Stem),
		"path":         starlark.String(info.Path),
		"name":         starlark.String(info.Name),
		"short_name":   starlark.String(plugins.ShortName(info.Name, s.prefix)),
		"version":      starlark.String(info.Version),
		"description":  starlark.String(info.Description),
		"state":        starlark.String(info.State.String()),
		"phase":        starlark.String(info.State.Phase.String()),
		"group":        starlark.String(string(group)),
		"refreshing":   starlark.Bool(info.State.Refreshing),
		"start_failed": starlark.Bool(info.StartFailed),
		"last_error":   starlark.String(info.LastError),
		"dependencies": dependencyList(info.Dependencies),
		"unsatisfied":  dependencyList(unsatisfied),
		"satisfies":    starlark.NewBuiltin("satisfies", builtinSatisfies),
	}
}

// dependencyList exposes dependencies as structs with name and version.
func dependencyList(deps []plugins.Dependency) *starlark.List {
	elems := make([]starlark.Value, len(deps))
	for i, d := range deps {
		elems[i] = starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
			"name":    starlark.String(d.Name),
			"version": starlark.String(d.Version),
		})
	}
	list := starlark.NewList(elems)
	list.Freeze()
	return list
}

// builtinSatisfies implements satisfies(version, requirement).
func builtinSatisfies(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var version, requirement string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "version", &version, "requirement", &requirement); err != nil {
		return nil, err
	}
	return starlark.Bool(semver.Satisfies(version, requirement)), nil
}

var _ plugins.Matcher = (*Selector)(nil)
