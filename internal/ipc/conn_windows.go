//go:build windows

package ipc

import (
	"context"
	"fmt"
	"net"

	"github.com/Microsoft/go-winio"
)

// DefaultSocketPath returns the named pipe the daemon listens on
func DefaultSocketPath() string {
	return `\\.\pipe\nowplayingd`
}

// owner-only access, like the 0600 unix socket
const pipeSecurity = "D:P(A;;GA;;;OW)"

func listen(path string) (net.Listener, error) {
	l, err := winio.ListenPipe(path, &winio.PipeConfig{SecurityDescriptor: pipeSecurity})
	if err != nil {
		return nil, fmt.Errorf("failed to listen on pipe: %w", err)
	}
	return l, nil
}

func cleanupSocket(path string) {}

func dial(ctx context.Context, path string) (net.Conn, error) {
	return winio.DialPipeContext(ctx, path)
}
