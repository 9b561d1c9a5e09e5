// Package api defines the JSON admin protocol served by plugind run, the
// HTTP server that answers it and a client for the CLI.
package api

import (
	"fmt"

	"github.com/reactivegraph/plugind/pkg/plugins"
	"github.com/reactivegraph/plugind/pkg/stores"
)

// Action is an operator request on one plugin.
type Action string

const (
	ActionStart     Action = "start"
	ActionStop      Action = "stop"
	ActionRestart   Action = "restart"
	ActionUninstall Action = "uninstall"
	ActionRedeploy  Action = "redeploy"
)

// Actions lists every action in display order.
func Actions() []Action {
	return []Action{ActionStart, ActionStop, ActionRestart, ActionUninstall, ActionRedeploy}
}

// Validate checks if the action is known.
func (a Action) Validate() error {
	switch a {
	case ActionStart, ActionStop, ActionRestart, ActionUninstall, ActionRedeploy:
		return nil
	default:
		return fmt.Errorf("unknown action: %s", a)
	}
}

// ListOptions narrows GET /plugins. Empty fields match everything.
type ListOptions struct {
	Stem                       string
	Name                       string
	Group                      plugins.Group
	HasDependencies            *bool
	HasUnsatisfiedDependencies *bool
	// Where is a selector expression evaluated per plugin.
	Where string
}

// PluginList is the body of GET /plugins.
type PluginList struct {
	Plugins []plugins.Info `json:"plugins"`
	Total   int            `json:"total"`
}

// ActionResult is returned when an action completes.
type ActionResult struct {
	Action   Action       `json:"action"`
	Plugin   plugins.Info `json:"plugin"`
	Duration float64      `json:"duration"` // seconds
}

// DiagnosticsResponse is the body of GET /diagnostics.
type DiagnosticsResponse struct {
	plugins.Diagnostics
	Summary string `json:"summary"`
}

// GraphResponse is the body of GET /graph.
type GraphResponse struct {
	*plugins.Graph
	StartOrder []string `json:"start_order"`
	DOT        string   `json:"dot"`
}

// HistoryResponse is the body of GET /history.
type HistoryResponse struct {
	Transitions []*stores.TransitionRecord `json:"transitions"`
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	Plugins int    `json:"plugins"`
	Store   string `json:"store,omitempty"`
}

// ErrorMessage is the body of every non-2xx response.
type ErrorMessage struct {
	Class     string         `json:"class,omitempty"`
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	State     string         `json:"state,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Retryable bool           `json:"retryable"`
}

// Error lets a decoded ErrorMessage be returned as an error.
type Error struct {
	Status int
	ErrorMessage
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.State != "" {
		msg += fmt.Sprintf(" (state=%s)", e.State)
	}
	return msg
}

// Error codes used by the API itself. Plugin errors keep their own codes.
const (
	CodeBadRequest = "BAD_REQUEST"
	CodeInternal   = "INTERNAL"
	CodeNoStore    = "NO_STORE"
)
