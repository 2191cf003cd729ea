package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// PIDFilePath returns the pid file location for the given configuration
// file: <pidDir>/godirectord.<basename(configFile)>.pid.
func PIDFilePath(pidDir, configFile string) string {
	return filepath.Join(pidDir, fmt.Sprintf("godirectord.%s.pid", filepath.Base(configFile)))
}

// WritePIDFile records the current process id.
func WritePIDFile(path string) error {
	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(path, []byte(pid+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing pid file %s: %w", path, err)
	}
	return nil
}

// ReadPIDFile returns the pid recorded in the file.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid pid file %s: %w", path, err)
	}
	return pid, nil
}

// RemovePIDFile deletes the pid file, ignoring a file that is already gone.
func RemovePIDFile(path string) {
	os.Remove(path)
}

// ProcessAlive reports whether a process with the given pid exists.
func ProcessAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
