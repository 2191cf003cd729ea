package server

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPIDFilePath(t *testing.T) {
	got := PIDFilePath("/run", "/etc/godirectord/lb.conf")
	if got != "/run/godirectord.lb.conf.pid" {
		t.Errorf("unexpected pid file path %q", got)
	}
}

func TestPIDFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "godirectord.test.pid")

	if err := WritePIDFile(path); err != nil {
		t.Fatalf("WritePIDFile failed: %v", err)
	}
	pid, err := ReadPIDFile(path)
	if err != nil {
		t.Fatalf("ReadPIDFile failed: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("expected pid %d, got %d", os.Getpid(), pid)
	}

	RemovePIDFile(path)
	if _, err := ReadPIDFile(path); err == nil {
		t.Error("expected an error after removal")
	}
}

func TestReadPIDFile_Garbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "godirectord.test.pid")
	if err := os.WriteFile(path, []byte("not a pid\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadPIDFile(path); err == nil {
		t.Error("expected an error for a garbage pid file")
	}
}

func TestProcessAlive(t *testing.T) {
	if !ProcessAlive(os.Getpid()) {
		t.Error("expected the current process to be alive")
	}
	// An absurdly high pid should not exist.
	if ProcessAlive(1 << 22) {
		t.Error("expected a bogus pid to be dead")
	}
}
