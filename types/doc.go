// Package types defines the shared contracts of the orchestration core:
// the structured error taxonomy, the minimal agent execution interface with
// its capability registry, and the typed lifecycle event model.
//
// It is the lowest-level package in the module and imports nothing from it.
package types
