package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/reactivegraph/plugind/pkg/plugins"
)

// Config contains client configuration options.
type Config struct {
	// BaseURL of a running daemon, e.g. "http://127.0.0.1:31415".
	// A bare host:port is accepted.
	BaseURL string
	Timeout time.Duration
	// HTTPClient overrides the default client, mostly for tests.
	HTTPClient *http.Client
}

// Client talks to the admin API of a running daemon.
type Client struct {
	base *url.URL
	http *http.Client
}

// NewClient creates a new admin API client.
func NewClient(cfg *Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	raw := cfg.BaseURL
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{base: base, http: hc}, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, out any) error {
	u := *c.base
	u.Path += path
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &Error{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr.ErrorMessage); err != nil || apiErr.Code == "" {
			apiErr.Code = CodeInternal
			apiErr.Message = resp.Status
		}
		return apiErr
	}

	switch v := out.(type) {
	case nil:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	case *string:
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}
		*v = string(b)
		return nil
	default:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
		return nil
	}
}

// List returns the plugins matching opts.
func (c *Client) List(ctx context.Context, opts ListOptions) (*PluginList, error) {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("stem", opts.Stem)
	set("name", opts.Name)
	set("group", string(opts.Group))
	set("where", opts.Where)
	if opts.HasDependencies != nil {
		q.Set("has_dependencies", strconv.FormatBool(*opts.HasDependencies))
	}
	if opts.HasUnsatisfiedDependencies != nil {
		q.Set("has_unsatisfied_dependencies", strconv.FormatBool(*opts.HasUnsatisfiedDependencies))
	}

	var list PluginList
	if err := c.do(ctx, http.MethodGet, "/plugins", q, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// Get returns one plugin by id, stem or name.
func (c *Client) Get(ctx context.Context, ref string) (*plugins.Info, error) {
	var info plugins.Info
	if err := c.do(ctx, http.MethodGet, "/plugins/"+url.PathEscape(ref), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Do runs an action on one plugin and returns its resulting state.
func (c *Client) Do(ctx context.Context, action Action, ref string) (*ActionResult, error) {
	if err := action.Validate(); err != nil {
		return nil, err
	}
	var res ActionResult
	path := "/plugins/" + url.PathEscape(ref) + "/" + string(action)
	if err := c.do(ctx, http.MethodPost, path, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Diagnostics(ctx context.Context) (*DiagnosticsResponse, error) {
	var d DiagnosticsResponse
	if err := c.do(ctx, http.MethodGet, "/diagnostics", nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *Client) Graph(ctx context.Context) (*GraphResponse, error) {
	var g GraphResponse
	if err := c.do(ctx, http.MethodGet, "/graph", nil, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// GraphDOT returns the dependency graph in Graphviz format.
func (c *Client) GraphDOT(ctx context.Context) (string, error) {
	var dot string
	q := url.Values{"format": {"dot"}}
	if err := c.do(ctx, http.MethodGet, "/graph", q, &dot); err != nil {
		return "", err
	}
	return dot, nil
}

// History returns recorded transitions, newest first. An empty stem returns
// every plugin's history.
func (c *Client) History(ctx context.Context, stem string, limit int) (*HistoryResponse, error) {
	q := url.Values{}
	if stem != "" {
		q.Set("stem", stem)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var h HistoryResponse
	if err := c.do(ctx, http.MethodGet, "/history", q, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var h HealthResponse
	if err := c.do(ctx, http.MethodGet, "/healthz", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}
