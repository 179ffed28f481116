//go:build !linux

package media

import (
	"context"
	"fmt"
	"runtime"

	"go.uber.org/zap"
)

// PlatformOptions configures the OS session manager
type PlatformOptions struct {
	Artwork *URLResolver
	Logger  *zap.SugaredLogger
}

// NewPlatformAcquirer returns an Acquirer that always fails: only MPRIS on
// Linux is supported
func NewPlatformAcquirer(opts PlatformOptions) Acquirer {
	return func(ctx context.Context) (Manager, error) {
		return nil, platformUnavailable(errUnsupportedOS)
	}
}

var errUnsupportedOS = fmt.Errorf("media sessions are not supported on %s", runtime.GOOS)
