//go:build !windows

package ipc

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// DefaultSocketPath returns $XDG_RUNTIME_DIR/nowplayingd.sock, or a per-user
// path under the temp directory when XDG_RUNTIME_DIR is unset
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "nowplayingd.sock")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("nowplayingd-%d.sock", os.Getuid()))
}

func listen(path string) (net.Listener, error) {
	// Remove existing socket file if it exists
	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("failed to remove existing socket: %w", err)
	}

	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on socket: %w", err)
	}

	// Set socket permissions (user-only)
	if err := os.Chmod(path, 0600); err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to set socket permissions: %w", err)
	}
	return l, nil
}

func cleanupSocket(path string) {
	os.RemoveAll(path)
}

func dial(ctx context.Context, path string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", path)
}
