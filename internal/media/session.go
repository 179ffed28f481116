// Package media mirrors the operating system's media sessions in process.
//
// A Registry keeps one SessionHandle per application currently producing
// media, a Facade exposes metadata queries and transport commands on top of
// it, and a Notifier tells presentation code when something changed.
package media

import (
	"fmt"
	"strings"
)

// AppID identifies the application that owns a media session
type AppID string

// PlaybackStatus represents the playback status reported by the OS
type PlaybackStatus int

const (
	StatusUnknown PlaybackStatus = iota
	StatusClosed
	StatusOpened
	StatusChanging
	StatusStopped
	StatusPlaying
	StatusPaused
)

var statusNames = map[PlaybackStatus]string{
	StatusUnknown:  "UNKNOWN",
	StatusClosed:   "CLOSED",
	StatusOpened:   "OPENED",
	StatusChanging: "CHANGING",
	StatusStopped:  "STOPPED",
	StatusPlaying:  "PLAYING",
	StatusPaused:   "PAUSED",
}

// String returns the status name
func (s PlaybackStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return statusNames[StatusUnknown]
}

// MarshalText implements encoding.TextMarshaler
func (s PlaybackStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *PlaybackStatus) UnmarshalText(text []byte) error {
	name := strings.ToUpper(string(text))
	for status, n := range statusNames {
		if n == name {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("unknown playback status %q", text)
}

// PlaybackState is the cached playback status and transport capabilities of a session
type PlaybackState struct {
	App             AppID          `json:"app"`
	Status          PlaybackStatus `json:"status"`
	CanToggle       bool           `json:"canToggle"`
	CanSkipNext     bool           `json:"canSkipNext"`
	CanSkipPrevious bool           `json:"canSkipPrevious"`
}

// Allows reports whether the session currently accepts cmd
func (p PlaybackState) Allows(cmd Command) bool {
	switch cmd {
	case CmdPrevious:
		return p.CanSkipPrevious
	case CmdTogglePlayPause:
		return p.CanToggle
	case CmdNext:
		return p.CanSkipNext
	}
	return false
}

// Metadata contains the current track of a session. It is fetched on demand
// and never cached by the registry.
type Metadata struct {
	App         AppID  `json:"app"`
	Title       string `json:"title"`
	Artist      string `json:"artist"`
	Album       string `json:"album,omitempty"`
	Artwork     []byte `json:"artwork,omitempty"`
	ArtworkType string `json:"artworkType,omitempty"`
}

// SessionDelta lists the applications added and removed by one reconciliation pass
type SessionDelta struct {
	Added   []AppID `json:"added"`
	Removed []AppID `json:"removed"`
}

// Empty reports whether the pass changed nothing
func (d SessionDelta) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// Command represents a transport command forwarded to a session
type Command int

const (
	CmdPrevious Command = iota
	CmdTogglePlayPause
	CmdNext
)

// String returns the command name
func (c Command) String() string {
	switch c {
	case CmdPrevious:
		return "previous"
	case CmdTogglePlayPause:
		return "toggle"
	case CmdNext:
		return "next"
	default:
		return "unknown"
	}
}

// ParseCommand parses a command name as returned by Command.String
func ParseCommand(s string) (Command, error) {
	switch strings.ToLower(s) {
	case "previous", "prev":
		return CmdPrevious, nil
	case "toggle", "playpause", "play-pause":
		return CmdTogglePlayPause, nil
	case "next":
		return CmdNext, nil
	}
	return 0, fmt.Errorf("unknown command %q", s)
}
