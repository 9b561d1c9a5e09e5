// Package repository keeps the plugin directories in step with the manager:
// it moves new builds from the deploy directory into the install directory,
// registers installed artifacts and hot-deploys files dropped while running.
package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/reactivegraph/plugind/pkg/plugins"
)

// DefaultDebounce is how long a deploy path must be quiet before it is handled.
const DefaultDebounce = 500 * time.Millisecond

const (
	ActionInstall  = "install"
	ActionRedeploy = "redeploy"
)

// Accepter reports whether an artifact can be loaded.
type Accepter interface {
	Accepts(path string) bool
}

// Reporter is told about every artifact taken from the deploy directory.
type Reporter interface {
	Deployed(ctx context.Context, stem, path, action string)
}

// Config configures a Repository.
type Config struct {
	Layout   plugins.Layout
	Accepter Accepter
	Reporter Reporter
	Debounce time.Duration
	Now      func() time.Time
}

// Repository owns the deploy and install directories.
type Repository struct {
	layout   plugins.Layout
	accepter Accepter
	reporter Reporter
	debounce time.Duration
	now      func() time.Time

	admin *plugins.Admin

	// mu serialises deploys so two artifacts never race through the resolver.
	mu     sync.Mutex
	logger zerolog.Logger
}

func New(admin *plugins.Admin, cfg Config, logger zerolog.Logger) *Repository {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Repository{
		layout:   cfg.Layout,
		accepter: cfg.Accepter,
		reporter: cfg.Reporter,
		debounce: cfg.Debounce,
		now:      cfg.Now,
		admin:    admin,
		logger:   logger.With().Str("component", "plugin-repository").Logger(),
	}
}

func (r *Repository) Layout() plugins.Layout { return r.layout }

// EnsureDirs creates the deploy and install directories.
func (r *Repository) EnsureDirs() error {
	for _, dir := range []string{r.layout.InstallDir, r.layout.DeployDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

func (r *Repository) accepts(path string) bool {
	if r.accepter == nil {
		return true
	}
	return r.accepter.Accepts(path)
}

// artifacts lists the accepted regular files directly inside dir.
func (r *Repository) artifacts(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}
	var paths []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if r.accepts(path) {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// install moves a deploy artifact to a timestamped install path.
func (r *Repository) install(src string) (string, error) {
	stem := plugins.ArtifactStem(src)
	dst := r.layout.InstallPath(stem, plugins.ArtifactExt(src), r.now().Unix())
	if err := plugins.CopyFile(src, dst); err != nil {
		return "", err
	}
	if err := os.Remove(src); err != nil {
		r.logger.Warn().Err(err).Str("deploy_path", src).Msg("Failed to remove deployed artifact")
	}
	return dst, nil
}

// ScanDeploy moves every artifact waiting in the deploy directory into the
// install directory and returns the new install paths.
func (r *Repository) ScanDeploy() ([]string, error) {
	paths, err := r.artifacts(r.layout.DeployDir)
	if err != nil {
		return nil, err
	}
	var installed []string
	for _, src := range paths {
		dst, err := r.install(src)
		if err != nil {
			r.logger.Error().Err(err).Str("deploy_path", src).Msg("Failed to install deployed artifact")
			continue
		}
		r.logger.Info().Str("plugin", plugins.ArtifactStem(src)).Str("path", dst).Msg("Installed deployed artifact")
		installed = append(installed, dst)
	}
	return installed, nil
}

// RemoveDuplicates keeps the newest installed artifact per stem and deletes
// the rest. Files without a timestamp count as the oldest.
func (r *Repository) RemoveDuplicates() ([]string, error) {
	paths, err := r.artifacts(r.layout.InstallDir)
	if err != nil {
		return nil, err
	}
	type entry struct {
		path string
		ts   int64
	}
	byStem := make(map[string][]entry)
	for _, p := range paths {
		stem, ts, ok := plugins.ParseInstalledName(p)
		if !ok {
			stem, ts = plugins.ArtifactStem(p), -1
		}
		byStem[stem] = append(byStem[stem], entry{path: p, ts: ts})
	}

	var removed []string
	for stem, entries := range byStem {
		if len(entries) < 2 {
			continue
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].ts > entries[j].ts })
		for _, e := range entries[1:] {
			if err := os.Remove(e.path); err != nil {
				r.logger.Warn().Err(err).Str("path", e.path).Msg("Failed to remove duplicate artifact")
				continue
			}
			r.logger.Debug().Str("plugin", stem).Str("path", e.path).Msg("Removed duplicate artifact")
			removed = append(removed, e.path)
		}
	}
	sort.Strings(removed)
	return removed, nil
}

// ScanInstalled registers a container for every installed artifact whose
// stem is not registered yet. It returns the number registered.
func (r *Repository) ScanInstalled() (int, error) {
	paths, err := r.artifacts(r.layout.InstallDir)
	if err != nil {
		return 0, err
	}
	m := r.admin.Manager()
	n := 0
	for _, p := range paths {
		if _, ok := m.Create(plugins.ArtifactStem(p), p); ok {
			n++
		}
	}
	return n, nil
}

// Bootstrap prepares the directories, registers what is installed and runs
// the starting resolve.
func (r *Repository) Bootstrap(ctx context.Context) error {
	if err := r.EnsureDirs(); err != nil {
		return err
	}
	if _, err := r.ScanDeploy(); err != nil {
		return err
	}
	if _, err := r.RemoveDuplicates(); err != nil {
		return err
	}
	n, err := r.ScanInstalled()
	if err != nil {
		return err
	}
	r.logger.Info().Int("plugins", n).Str("dir", r.layout.InstallDir).Msg("Registered installed plugins")

	resolver := r.admin.Resolver()
	resolver.Boot(ctx)
	resolver.TransitionToFallbackStates(ctx)
	return nil
}

// Deploy handles one artifact in the deploy directory. A known stem is
// hot-swapped, a new one installed and started.
func (r *Repository) Deploy(ctx context.Context, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if !r.accepts(path) {
		return fmt.Errorf("no loader accepts %s", path)
	}

	stem := plugins.ArtifactStem(path)
	log := r.logger.With().Str("plugin", stem).Str("deploy_path", path).Logger()
	m := r.admin.Manager()

	var action string
	if id, ok := m.IDByStem(stem); ok {
		current, _ := m.Path(id)
		if plugins.ArtifactExt(current) != plugins.ArtifactExt(path) {
			return fmt.Errorf("plugin %s is installed as %s and cannot be replaced by %s",
				stem, filepath.Base(current), filepath.Base(path))
		}
		log.Info().Msg("Redeploying plugin")
		if err := r.admin.Redeploy(ctx, id); err != nil {
			return fmt.Errorf("failed to redeploy %s: %w", stem, err)
		}
		path, _ = m.Path(id)
		action = ActionRedeploy
	} else {
		dst, err := r.install(path)
		if err != nil {
			return err
		}
		log.Info().Str("path", dst).Msg("Installing new plugin")
		if _, err := r.admin.Install(ctx, stem, dst); err != nil {
			return fmt.Errorf("failed to install %s: %w", stem, err)
		}
		path = dst
		action = ActionInstall
	}

	if r.reporter != nil {
		r.reporter.Deployed(ctx, stem, path, action)
	}
	if id, ok := m.IDByStem(stem); ok {
		if s, _ := m.State(id); s.Phase == plugins.PhaseDisabled {
			log.Info().Msg("Deployed plugin is disabled")
		}
	}
	r.admin.Resolver().LogUnsatisfied()
	return nil
}
