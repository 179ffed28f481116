package media

import (
	"context"
	"io"
)

// Token identifies a callback registered with the OS facility
type Token uint64

// Manager is the OS-level facility that tracks the set of active media sessions
type Manager interface {
	// Sessions returns the current sessions in the order reported by the OS
	Sessions() ([]Session, error)

	// OnSessionsChanged registers fn to be called whenever the session set changes.
	// fn may be called from any goroutine.
	OnSessionsChanged(fn func()) (Token, error)

	// RemoveSessionsChanged unregisters a callback added by OnSessionsChanged
	RemoveSessionsChanged(tok Token)

	// Close releases the connection to the OS facility
	Close() error
}

// Session is one media session exposed by the OS.
//
// Implementations must be comparable (typically pointers), and a Manager
// must return the same value for a session across calls to Sessions until
// that session goes away.
type Session interface {
	// AppID returns the stable identity of the owning application
	AppID() AppID

	// MediaProperties fetches the current track properties
	MediaProperties(ctx context.Context) (*MediaProperties, error)

	// PlaybackInfo reads the playback status and capabilities
	PlaybackInfo() (PlaybackInfo, error)

	Previous(ctx context.Context) error
	TogglePlayPause(ctx context.Context) error
	Next(ctx context.Context) error

	// OnMediaPropertiesChanged registers fn for track property changes.
	// fn may be called from any goroutine.
	OnMediaPropertiesChanged(fn func()) (Token, error)
	RemoveMediaPropertiesChanged(tok Token)

	// OnPlaybackInfoChanged registers fn for status and capability changes.
	// fn may be called from any goroutine.
	OnPlaybackInfoChanged(fn func()) (Token, error)
	RemovePlaybackInfoChanged(tok Token)
}

// MediaProperties holds the track properties reported by a session
type MediaProperties struct {
	Title  string
	Artist string
	Album  string

	// Thumbnail is nil when the session reports no artwork
	Thumbnail ThumbnailSource
}

// ThumbnailSource opens the artwork stream of a track
type ThumbnailSource interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// ThumbnailFunc is a function adapter for ThumbnailSource
type ThumbnailFunc func(ctx context.Context) (io.ReadCloser, error)

func (f ThumbnailFunc) Open(ctx context.Context) (io.ReadCloser, error) {
	return f(ctx)
}

// PlaybackInfo is the raw playback information read from a session
type PlaybackInfo struct {
	Status          PlaybackStatus
	CanToggle       bool
	CanSkipNext     bool
	CanSkipPrevious bool
}

// Acquirer obtains the OS session manager. It fails when the facility is
// not available on this system.
type Acquirer func(ctx context.Context) (Manager, error)
