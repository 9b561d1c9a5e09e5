// Package stores persists the plugin inventory and its transition history.
// It includes a SQLite store with embedded migrations and a Recorder that
// writes every committed state change as it happens.
package stores
