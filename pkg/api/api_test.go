package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/reactivegraph/plugind/pkg/plugins"
	"github.com/reactivegraph/plugind/pkg/stores"
)

type fakePlugin struct{ meta plugins.Metadata }

func (p *fakePlugin) Metadata() plugins.Metadata                             { return p.meta }
func (p *fakePlugin) SetContext(context.Context, plugins.Context) error      { return nil }
func (p *fakePlugin) RemoveContext(context.Context) error                    { return nil }
func (p *fakePlugin) Activate(context.Context) error                         { return nil }
func (p *fakePlugin) Deactivate(context.Context) error                       { return nil }
func (p *fakePlugin) Providers(context.Context) (plugins.ProviderSet, error) { return nil, nil }

type fakeLibrary struct {
	stem string
	deps []plugins.Dependency
}

func (l *fakeLibrary) Declaration(context.Context) (*plugins.Declaration, error) {
	name := plugins.DefaultNamePrefix + l.stem
	return &plugins.Declaration{
		CompilerVersion: "go-test",
		APIVersion:      plugins.APIVersion,
		Name:            name,
		Version:         "1.0.0",
		Register: func(context.Context) (plugins.Plugin, error) {
			return &fakePlugin{meta: plugins.Metadata{Name: name, Version: "1.0.0"}}, nil
		},
		Dependencies: func(context.Context) ([]plugins.Dependency, error) { return l.deps, nil },
	}, nil
}

func (l *fakeLibrary) CompilerVersion() string     { return "go-test" }
func (l *fakeLibrary) Close(context.Context) error { return nil }

type fakeLoader map[string][]plugins.Dependency

func (fakeLoader) Accepts(string) bool { return true }

func (l fakeLoader) Load(_ context.Context, path string) (plugins.Library, error) {
	stem := plugins.ArtifactStem(path)
	return &fakeLibrary{stem: stem, deps: l[stem]}, nil
}

func setupTestStore(t *testing.T) *stores.SQLiteStore {
	t.Helper()
	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// newTestAPI boots "base" and "flow" (flow depends on base) behind an
// httptest server.
func newTestAPI(t *testing.T, store stores.Store) (*Client, *plugins.Admin) {
	t.Helper()
	loader := fakeLoader{
		"flow": {{Name: plugins.DefaultNamePrefix + "base", Version: "^1.0"}},
	}
	dir := t.TempDir()
	m := plugins.NewManager(plugins.ManagerConfig{Loader: loader}, zerolog.Nop())
	if store != nil {
		m.AddObserver(stores.NewRecorder(store, zerolog.Nop()))
	}
	r := plugins.NewResolver(m, plugins.StaticPolicy{}, plugins.ResolverConfig{}, zerolog.Nop())
	admin := plugins.NewAdmin(m, r, zerolog.Nop())
	for _, stem := range []string{"base", "flow"} {
		m.Create(stem, filepath.Join(dir, "installed", stem+".1.fake"))
	}
	r.Boot(context.Background())

	srv := NewServer(admin, ServerConfig{
		Store: store,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("plugind_plugins 2\n"))
		}),
	}, zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	client, err := NewClient(&Config{BaseURL: ts.URL})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client, admin
}

func apiError(t *testing.T, err error) *Error {
	t.Helper()
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("expected *api.Error, got %v", err)
	}
	return e
}

func TestListPlugins(t *testing.T) {
	client, _ := newTestAPI(t, nil)
	ctx := context.Background()
	yes := true

	tests := []struct {
		name string
		opts ListOptions
		want []string
	}{
		{"all", ListOptions{}, []string{"base", "flow"}},
		{"stem", ListOptions{Stem: "flow"}, []string{"flow"}},
		{"short name", ListOptions{Name: "base"}, []string{"base"}},
		{"group", ListOptions{Group: plugins.GroupActive}, []string{"base", "flow"}},
		{"has dependencies", ListOptions{HasDependencies: &yes}, []string{"flow"}},
		{"where", ListOptions{Where: `len(dependencies) == 0 and group == "Active"`}, []string{"base"}},
		{"no match", ListOptions{Where: `stem == "ghost"`}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := client.List(ctx, tt.opts)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			var got []string
			for _, p := range list.Plugins {
				got = append(got, p.Stem)
			}
			if len(got) != len(tt.want) || list.Total != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("got %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestListRejectsBadSelector(t *testing.T) {
	client, _ := newTestAPI(t, nil)
	_, err := client.List(context.Background(), ListOptions{Where: `colour == "red"`})
	e := apiError(t, err)
	if e.Status != http.StatusBadRequest || e.Code != CodeBadRequest {
		t.Errorf("got %d %s", e.Status, e.Code)
	}
}

func TestGetPlugin(t *testing.T) {
	client, _ := newTestAPI(t, nil)
	ctx := context.Background()

	info, err := client.Get(ctx, "flow")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if info.StateName != "Active" || info.Name != plugins.DefaultNamePrefix+"flow" {
		t.Errorf("unexpected info %+v", info)
	}

	byID, err := client.Get(ctx, info.ID)
	if err != nil {
		t.Fatalf("Get by id: %v", err)
	}
	if byID.Stem != "flow" {
		t.Errorf("Get(%s) returned %s", info.ID, byID.Stem)
	}

	_, err = client.Get(ctx, "ghost")
	if e := apiError(t, err); e.Status != http.StatusNotFound || e.Code != plugins.ErrCodeNotFound {
		t.Errorf("got %d %s", e.Status, e.Code)
	}
}

func TestActions(t *testing.T) {
	client, _ := newTestAPI(t, nil)
	ctx := context.Background()

	res, err := client.Do(ctx, ActionStop, "flow")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if res.Action != ActionStop || res.Plugin.StateName != "Resolved" {
		t.Errorf("stop result %+v", res)
	}

	_, err = client.Do(ctx, ActionStop, "flow")
	e := apiError(t, err)
	if e.Status != http.StatusConflict || e.Code != plugins.ErrCodeNotActive || e.Retryable {
		t.Errorf("second stop: %d %s retryable=%v", e.Status, e.Code, e.Retryable)
	}

	res, err = client.Do(ctx, ActionStart, "flow")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if res.Plugin.StateName != "Active" {
		t.Errorf("start left flow %s", res.Plugin.StateName)
	}

	res, err = client.Do(ctx, ActionRestart, "base")
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if res.Plugin.StateName != "Active" {
		t.Errorf("restart left base %s", res.Plugin.StateName)
	}
	flow, err := client.Get(ctx, "flow")
	if err != nil {
		t.Fatal(err)
	}
	if flow.StateName != "Active" {
		t.Errorf("dependent not restarted: %s", flow.StateName)
	}
}

func TestUnknownAction(t *testing.T) {
	client, _ := newTestAPI(t, nil)
	if _, err := client.Do(context.Background(), Action("explode"), "base"); err == nil {
		t.Fatal("client accepted an unknown action")
	}

	resp, err := http.Post(client.base.String()+"/plugins/base/explode", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestDiagnosticsAndGraph(t *testing.T) {
	client, _ := newTestAPI(t, nil)
	ctx := context.Background()

	d, err := client.Diagnostics(ctx)
	if err != nil {
		t.Fatalf("Diagnostics: %v", err)
	}
	if d.Total != 2 || len(d.Unsatisfied) != 0 || d.Summary == "" {
		t.Errorf("unexpected diagnostics %+v", d)
	}

	g, err := client.Graph(ctx)
	if err != nil {
		t.Fatalf("Graph: %v", err)
	}
	if len(g.StartOrder) != 2 || g.StartOrder[0] != "base" {
		t.Errorf("start order = %v", g.StartOrder)
	}
	if g.Graph == nil || g.Nodes["flow"] == nil {
		t.Fatalf("graph nodes missing: %+v", g.Graph)
	}

	dot, err := client.GraphDOT(ctx)
	if err != nil {
		t.Fatalf("GraphDOT: %v", err)
	}
	if !strings.HasPrefix(dot, "digraph") {
		t.Errorf("unexpected DOT output %q", dot)
	}
}

func TestHistory(t *testing.T) {
	client, _ := newTestAPI(t, setupTestStore(t))
	ctx := context.Background()

	if _, err := client.Do(ctx, ActionStop, "flow"); err != nil {
		t.Fatal(err)
	}
	h, err := client.History(ctx, "flow", 5)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(h.Transitions) != 5 {
		t.Fatalf("got %d transitions, want 5", len(h.Transitions))
	}
	latest := h.Transitions[0]
	if latest.Stem != "flow" || latest.ToState != "Resolved" {
		t.Errorf("latest transition %+v", latest)
	}

	all, err := client.History(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all.Transitions) <= len(h.Transitions) {
		t.Errorf("unfiltered history has %d entries", len(all.Transitions))
	}
}

func TestHistoryWithoutStore(t *testing.T) {
	client, _ := newTestAPI(t, nil)
	_, err := client.History(context.Background(), "", 0)
	if e := apiError(t, err); e.Status != http.StatusNotFound || e.Code != CodeNoStore {
		t.Errorf("got %d %s", e.Status, e.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	client, _ := newTestAPI(t, setupTestStore(t))
	ctx := context.Background()

	h, err := client.Health(ctx)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.Status != "ok" || h.Plugins != 2 || h.Store != "ok" {
		t.Errorf("unexpected health %+v", h)
	}

	var body string
	if err := client.do(ctx, http.MethodGet, "/metrics", nil, &body); err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if !strings.Contains(body, "plugind_plugins") {
		t.Errorf("metrics body %q", body)
	}
}

func TestNewClientAcceptsHostPort(t *testing.T) {
	c, err := NewClient(&Config{BaseURL: "127.0.0.1:31415"})
	if err != nil {
		t.Fatal(err)
	}
	if c.base.String() != "http://127.0.0.1:31415" {
		t.Errorf("base = %s", c.base)
	}
	if _, err := NewClient(&Config{}); err == nil {
		t.Error("expected an error without a base URL")
	}
}
