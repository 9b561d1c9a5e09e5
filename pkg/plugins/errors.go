package plugins

import (
	"errors"
	"fmt"
)

// ErrorClass groups errors by the entry point that produced them.
type ErrorClass string

const (
	// ClassStart errors are returned by explicit start requests.
	ClassStart ErrorClass = "start"

	// ClassStop errors are returned by explicit stop requests.
	ClassStop ErrorClass = "stop"

	// ClassUninstall errors are returned by explicit uninstall requests.
	ClassUninstall ErrorClass = "uninstall"

	// ClassDeploy errors are returned by redeploy requests.
	ClassDeploy ErrorClass = "deploy"

	// ClassLookup errors are returned when a container id is unknown.
	ClassLookup ErrorClass = "lookup"

	// ClassLifecycle errors come from a plugin hook or the loader. They are
	// recorded on the container, never returned from a transition.
	ClassLifecycle ErrorClass = "lifecycle"
)

// Error is a classified plugin error.
type Error struct {
	Class     ErrorClass     `json:"class"`
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	PluginID  string         `json:"plugin_id,omitempty"`
	Stem      string         `json:"stem,omitempty"`
	Operation string         `json:"operation,omitempty"`
	State     *State         `json:"state,omitempty"`
	Err       error          `json:"-"`
	Details   map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.State != nil {
		msg += fmt.Sprintf(" (state=%s)", e.State)
	}
	switch {
	case e.Stem != "" && e.Operation != "":
		msg += fmt.Sprintf(" (plugin=%s, operation=%s)", e.Stem, e.Operation)
	case e.Stem != "":
		msg += fmt.Sprintf(" (plugin=%s)", e.Stem)
	case e.PluginID != "":
		msg += fmt.Sprintf(" (plugin=%s)", e.PluginID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Class and Code so sentinel values work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func newError(class ErrorClass, code, message string) *Error {
	return &Error{Class: class, Code: code, Message: message}
}

// WithPlugin attaches the container identity.
func (e *Error) WithPlugin(id, stem string) *Error {
	e.PluginID = id
	e.Stem = stem
	return e
}

func (e *Error) WithOperation(op string) *Error {
	e.Operation = op
	return e
}

func (e *Error) WithState(s State) *Error {
	e.State = &s
	return e
}

func (e *Error) WithCause(err error) *Error {
	e.Err = err
	return e
}

func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Error codes.
const (
	ErrCodeAlreadyActive      = "ALREADY_ACTIVE"
	ErrCodeInTransition       = "IN_TRANSITION"
	ErrCodeNotResolved        = "NOT_RESOLVED"
	ErrCodeNotActive          = "NOT_ACTIVE"
	ErrCodeNotStopped         = "NOT_STOPPED"
	ErrCodeAlreadyUninstalled = "ALREADY_UNINSTALLED"
	ErrCodeDisabled           = "DISABLED"
	ErrCodeUninstalled        = "UNINSTALLED"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeLoadFailed         = "LOAD_FAILED"
	ErrCodeHookFailed         = "HOOK_FAILED"
	ErrCodeWiringFailed       = "WIRING_FAILED"
)

// Sentinels for errors.Is. Returned errors carry more context but compare
// equal to these.
var (
	ErrAlreadyActive      = newError(ClassStart, ErrCodeAlreadyActive, "plugin is already active")
	ErrStartInTransition  = newError(ClassStart, ErrCodeInTransition, "plugin is in transition")
	ErrNotResolved        = newError(ClassStart, ErrCodeNotResolved, "plugin is not resolved")
	ErrStopInTransition   = newError(ClassStop, ErrCodeInTransition, "plugin is in transition")
	ErrNotActive          = newError(ClassStop, ErrCodeNotActive, "plugin is not active")
	ErrAlreadyUninstalled = newError(ClassUninstall, ErrCodeAlreadyUninstalled, "plugin is already uninstalled")
	ErrNotFound           = newError(ClassLookup, ErrCodeNotFound, "plugin not found")
	ErrDeployNotFound     = newError(ClassDeploy, ErrCodeNotFound, "plugin not found")
)

func startError(code, message string) *Error {
	return newError(ClassStart, code, message).WithOperation("start")
}

func stopError(code, message string) *Error {
	return newError(ClassStop, code, message).WithOperation("stop")
}

func uninstallError(code, message string) *Error {
	return newError(ClassUninstall, code, message).WithOperation("uninstall")
}

func deployError(code, message string) *Error {
	return newError(ClassDeploy, code, message).WithOperation("redeploy")
}

func lifecycleError(code, op string, err error) *Error {
	return newError(ClassLifecycle, code, op+" failed").WithOperation(op).WithCause(err)
}

// notFound is returned by manager entry points for unknown ids.
func notFound(id string) *Error {
	return newError(ClassLookup, ErrCodeNotFound, "plugin not found").WithPlugin(id, "")
}

// IsNotFound reports whether err means the plugin does not exist.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == ErrCodeNotFound
	}
	return false
}

// IsInTransition reports whether err was caused by a transition in progress.
func IsInTransition(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == ErrCodeInTransition
	}
	return false
}

// StateOf returns the state attached to err, if any.
func StateOf(err error) (State, bool) {
	var e *Error
	if errors.As(err, &e) && e.State != nil {
		return *e.State, true
	}
	return State{}, false
}
