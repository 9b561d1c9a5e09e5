package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/open-policy-agent/opa/ast"
	"github.com/rs/zerolog"
)

// reloadDelay coalesces bursts of file events into one reload.
const reloadDelay = 500 * time.Millisecond

// Loader reads plugin policies from .rego modules and .json definitions and
// watches them for changes.
//
// A .rego module is enabled and named after its file. Its package annotation
// may carry a description and a custom plugins list restricting the policy
// to those stems:
//
//	# METADATA
//	# description: Holds back legacy plugins
//	# custom:
//	#   plugins: [legacy, flow]
//	package plugind.legacy
type Loader struct {
	logger  zerolog.Logger
	watcher *fsnotify.Watcher
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
	}
}

// LoadFromPaths loads every policy under paths. A named file that fails to
// load is an error; broken files found while walking a directory are logged
// and skipped. Two policies with the same name are an error.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var loaded []Policy
	seen := make(map[string]string)

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		found, err := l.loadPath(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		for _, p := range found {
			if prev, dup := seen[p.Name]; dup {
				return nil, fmt.Errorf("policy %s defined by both %s and %s", p.Name, prev, p.Source)
			}
			seen[p.Name] = p.Source
			loaded = append(loaded, p)
		}
	}

	l.logger.Info().
		Int("total", len(loaded)).
		Int("sources", len(paths)).
		Msg("Policies loaded from paths")

	return loaded, nil
}

func (l *Loader) loadPath(path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}
	if !info.IsDir() {
		p, err := readPolicy(path, info.ModTime())
		if err != nil {
			return nil, err
		}
		return []Policy{*p}, nil
	}

	var found []Policy
	err = filepath.WalkDir(path, func(file string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isPolicyFile(file) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		p, err := readPolicy(file, info.ModTime())
		if err != nil {
			l.logger.Warn().Err(err).Str("path", file).Msg("Skipping policy file")
			return nil
		}
		found = append(found, *p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	sort.Slice(found, func(i, j int) bool { return found[i].Name < found[j].Name })
	return found, nil
}

func isPolicyFile(name string) bool {
	switch filepath.Ext(name) {
	case ".rego", ".json":
		return true
	}
	return false
}

// readPolicy reads one policy file and fills in its metadata.
func readPolicy(path string, modified time.Time) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var p Policy
	switch filepath.Ext(path) {
	case ".rego":
		p = Policy{
			Name:    strings.TrimSuffix(filepath.Base(path), ".rego"),
			Rego:    string(data),
			Enabled: true,
		}
	case ".json":
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
		}
		if p.Name == "" {
			return nil, fmt.Errorf("JSON policy has no name")
		}
		if p.Rego == "" {
			return nil, fmt.Errorf("JSON policy %s has no rego source", p.Name)
		}
	default:
		return nil, fmt.Errorf("unsupported file type: %s", path)
	}

	p.Source = path
	if p.CreatedAt.IsZero() {
		p.CreatedAt = modified
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = modified
	}
	if err := annotate(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// annotate parses the policy module, checks that it decides disabled and
// copies its package annotations into p. Values already set on p win.
func annotate(p *Policy) error {
	module, err := ast.ParseModuleWithOpts(p.Name, p.Rego, ast.ParserOptions{ProcessAnnotation: true})
	if err != nil {
		return fmt.Errorf("failed to parse policy %s: %w", p.Name, err)
	}
	if err := checkModule(p.Name, module); err != nil {
		return err
	}

	annotated := false
	for _, a := range module.Annotations {
		if a.Scope != "package" {
			continue
		}
		annotated = true
		if p.Description == "" {
			p.Description = a.Description
		}
		if p.Description == "" {
			p.Description = a.Title
		}
		if len(p.Plugins) == 0 {
			p.Plugins = customStrings(a.Custom["plugins"])
		}
	}
	if p.Description == "" && !annotated {
		p.Description = headerComment(module)
	}
	return nil
}

// checkModule rejects modules that cannot produce a disabled decision.
func checkModule(name string, module *ast.Module) error {
	if module == nil {
		return fmt.Errorf("policy %s is empty", name)
	}
	for _, rule := range module.Rules {
		if ref := rule.Head.Ref(); len(ref) > 0 && ref[0].Value.String() == "disabled" {
			return nil
		}
	}
	return fmt.Errorf("policy %s defines no disabled rule", name)
}

func customStrings(v interface{}) []string {
	switch v := v.(type) {
	case string:
		return []string{v}
	case []interface{}:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// headerComment joins the comment lines above the package clause.
func headerComment(module *ast.Module) string {
	if module.Package == nil || module.Package.Location == nil {
		return ""
	}
	row := module.Package.Location.Row

	var parts []string
	for _, c := range module.Comments {
		if c.Location == nil || c.Location.Row >= row {
			continue
		}
		if text := strings.TrimSpace(string(c.Text)); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

// Watch reloads the policies under paths whenever a policy file is written,
// created, removed or renamed, and hands them to reloadFn. Watching stops
// when ctx is done. reloadFn runs on the watcher goroutine and the returned
// channel is closed once that goroutine has exited.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	l.watcher = watcher

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to stat path for watching")
			continue
		}
		if !info.IsDir() {
			// Editors replace files, so the parent directory is watched.
			err = watcher.Add(filepath.Dir(path))
		} else {
			err = l.addTree(path)
		}
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch path")
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		l.processEvents(ctx, paths, reloadFn)
	}()

	l.logger.Info().
		Int("paths", len(paths)).
		Msg("Started watching policy paths")

	return done, nil
}

func (l *Loader) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return l.watcher.Add(path)
		}
		return nil
	})
}

func (l *Loader) processEvents(ctx context.Context, paths []string, reloadFn func([]Policy) error) {
	defer func() { _ = l.watcher.Close() }()

	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := l.addTree(event.Name); err != nil {
						l.logger.Warn().Err(err).Str("path", event.Name).Msg("Failed to watch new directory")
					}
					continue
				}
			}
			if !isPolicyFile(event.Name) || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Policy file changed")
			timer.Reset(reloadDelay)

		case <-timer.C:
			if err := l.reload(ctx, paths, reloadFn); err != nil {
				l.logger.Error().Err(err).Msg("Failed to reload policies")
			}

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (l *Loader) reload(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	policies, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to reload policies: %w", err)
	}
	if err := reloadFn(policies); err != nil {
		return fmt.Errorf("failed to apply reloaded policies: %w", err)
	}

	l.logger.Info().
		Int("count", len(policies)).
		Msg("Policies reloaded successfully")
	return nil
}
