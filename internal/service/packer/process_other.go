//go:build !unix

package packer

import "os/exec"

// isolate keeps the default cancellation, which kills the tool process only.
func isolate(*exec.Cmd) {}
