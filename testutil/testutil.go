// Package testutil holds helpers shared by tunvisor package tests.
package testutil

import (
	"net"
	"os"
	"path/filepath"
	"testing"
)

// TempDir creates a directory with a short path and returns it with a
// function that removes it early. It is removed at test end regardless.
func TempDir(t testing.TB) (string, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "tv-*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	remove := func() { _ = os.RemoveAll(dir) }
	t.Cleanup(remove)
	return dir, remove
}

// SocketPath returns a path for a unix socket named name. t.TempDir paths
// embed the test name and can exceed the sun_path limit.
func SocketPath(t testing.TB, name string) string {
	t.Helper()
	dir, _ := TempDir(t)
	return filepath.Join(dir, name)
}

// TempFile writes content to dir/name, creating parent directories, and
// returns the path.
func TempFile(t testing.TB, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("create %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

// FreePort returns a TCP port on 127.0.0.1 that was free a moment ago.
func FreePort(t testing.TB) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = l.Close() }()
	return l.Addr().(*net.TCPAddr).Port
}
