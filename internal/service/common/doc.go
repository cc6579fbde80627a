// Package common holds helpers shared by several services.
//
// It inspects the process table so the pack orchestrator can tell when
// another instance of the packaging tool is already running.
//
//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common
