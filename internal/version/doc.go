// Package version holds build metadata injected through -ldflags and the
// cobra `version` subcommand that prints it.
package version
