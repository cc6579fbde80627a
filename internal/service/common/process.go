//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/mitchellh/go-ps"
)

// ExecutableName returns the process-table name of the executable at path.
// On Windows the extension is part of the name and is appended when missing.
func ExecutableName(path string) string {
	name := filepath.Base(path)

	if runtime.GOOS == "windows" && filepath.Ext(name) == "" {
		name += ".exe"
	}

	return name
}

// FindProcesses returns the PIDs of running processes named like the executable
// at path, excluding the current process.
func FindProcesses(path string) ([]int, error) {
	processList, err := ps.Processes()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	var (
		name          = ExecutableName(path)
		thisProcessID = os.Getpid()
		pids          []int
	)

	for _, process := range processList {
		if process.Pid() == thisProcessID {
			continue
		}

		if !strings.EqualFold(process.Executable(), name) {
			continue
		}

		pids = append(pids, process.Pid())
	}

	return pids, nil
}
