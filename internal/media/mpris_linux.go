//go:build linux

package media

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

const (
	mprisBusPrefix       = "org.mpris.MediaPlayer2."
	mprisPlayerInterface = "org.mpris.MediaPlayer2.Player"
	mprisObjectPath      = "/org/mpris/MediaPlayer2"

	dbusInterface           = "org.freedesktop.DBus"
	dbusPropertiesInterface = "org.freedesktop.DBus.Properties"

	mprisCallTimeout = 5 * time.Second
)

// PlatformOptions configures the OS session manager
type PlatformOptions struct {
	// Artwork resolves mpris:artUrl values. Nil uses default HTTP settings.
	Artwork *URLResolver
	Logger  *zap.SugaredLogger
}

// NewPlatformAcquirer returns an Acquirer that watches MPRIS players on the
// D-Bus session bus
func NewPlatformAcquirer(opts PlatformOptions) Acquirer {
	return func(ctx context.Context) (Manager, error) {
		return newMPRISManager(ctx, opts)
	}
}

var nextToken atomic.Uint64

func newToken() Token {
	return Token(nextToken.Add(1))
}

// callbacks is a token-keyed set of change callbacks
type callbacks struct {
	mu  sync.Mutex
	fns map[Token]func()
}

func (c *callbacks) add(fn func()) Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fns == nil {
		c.fns = make(map[Token]func())
	}
	tok := newToken()
	c.fns[tok] = fn
	return tok
}

func (c *callbacks) remove(tok Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.fns, tok)
}

func (c *callbacks) fire() {
	c.mu.Lock()
	fns := make([]func(), 0, len(c.fns))
	for _, fn := range c.fns {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// mprisManager tracks MPRIS players through NameOwnerChanged and routes
// PropertiesChanged signals to the matching session
type mprisManager struct {
	conn    *dbus.Conn
	artwork *URLResolver
	logger  *zap.SugaredLogger

	signals chan *dbus.Signal
	done    chan struct{}
	closeMu sync.Once

	changed callbacks

	mu       sync.Mutex
	sessions map[string]*mprisSession // by bus name
}

func newMPRISManager(ctx context.Context, opts PlatformOptions) (*mprisManager, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	artwork := opts.Artwork
	if artwork == nil {
		artwork = NewURLResolver(DefaultArtworkHTTPTimeout, DefaultArtworkHTTPRetries, logger)
	}

	conn, err := dbus.ConnectSessionBus(dbus.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(dbusInterface),
		dbus.WithMatchMember("NameOwnerChanged"),
		dbus.WithMatchArg0Namespace(strings.TrimSuffix(mprisBusPrefix, ".")),
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to watch name owners: %w", err)
	}
	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(dbusPropertiesInterface),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchObjectPath(mprisObjectPath),
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to watch player properties: %w", err)
	}

	m := &mprisManager{
		conn:     conn,
		artwork:  artwork,
		logger:   logger.Named("mpris"),
		signals:  make(chan *dbus.Signal, 64),
		done:     make(chan struct{}),
		sessions: make(map[string]*mprisSession),
	}
	conn.Signal(m.signals)
	go m.dispatch()

	return m, nil
}

func (m *mprisManager) Sessions() ([]Session, error) {
	ctx, cancel := context.WithTimeout(context.Background(), mprisCallTimeout)
	defer cancel()

	var names []string
	if err := m.conn.BusObject().CallWithContext(ctx, dbusInterface+".ListNames", 0).Store(&names); err != nil {
		return nil, fmt.Errorf("failed to list bus names: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	listed := make(map[string]bool)
	var sessions []Session
	for _, name := range names {
		if !strings.HasPrefix(name, mprisBusPrefix) {
			continue
		}
		var owner string
		if err := m.conn.BusObject().CallWithContext(ctx, dbusInterface+".GetNameOwner", 0, name).Store(&owner); err != nil {
			// the player went away between the two calls
			m.logger.Debugw("failed to resolve name owner", "name", name, "error", err)
			continue
		}
		listed[name] = true

		s, ok := m.sessions[name]
		if !ok || s.owner != owner {
			s = &mprisSession{
				manager: m,
				app:     AppID(strings.TrimPrefix(name, mprisBusPrefix)),
				name:    name,
				owner:   owner,
				obj:     m.conn.Object(name, mprisObjectPath),
			}
			m.sessions[name] = s
		}
		sessions = append(sessions, s)
	}

	for name := range m.sessions {
		if !listed[name] {
			delete(m.sessions, name)
		}
	}

	return sessions, nil
}

func (m *mprisManager) OnSessionsChanged(fn func()) (Token, error) {
	return m.changed.add(fn), nil
}

func (m *mprisManager) RemoveSessionsChanged(tok Token) {
	m.changed.remove(tok)
}

func (m *mprisManager) Close() error {
	var err error
	m.closeMu.Do(func() {
		close(m.done)
		m.conn.RemoveSignal(m.signals)
		err = m.conn.Close()
	})
	return err
}

func (m *mprisManager) dispatch() {
	for {
		select {
		case <-m.done:
			return
		case sig, ok := <-m.signals:
			if !ok {
				return
			}
			m.handleSignal(sig)
		}
	}
}

func (m *mprisManager) handleSignal(sig *dbus.Signal) {
	switch sig.Name {
	case dbusInterface + ".NameOwnerChanged":
		if len(sig.Body) < 1 {
			return
		}
		name, _ := sig.Body[0].(string)
		if strings.HasPrefix(name, mprisBusPrefix) {
			m.changed.fire()
		}

	case dbusPropertiesInterface + ".PropertiesChanged":
		if sig.Path != mprisObjectPath || len(sig.Body) < 3 {
			return
		}
		iface, _ := sig.Body[0].(string)
		if iface != mprisPlayerInterface {
			return
		}
		changed, _ := sig.Body[1].(map[string]dbus.Variant)
		invalidated, _ := sig.Body[2].([]string)

		metadata, playback := classifyProperties(changed, invalidated)
		for _, s := range m.sessionsOwnedBy(sig.Sender) {
			if metadata {
				s.metadataChanged.fire()
			}
			if playback {
				s.playbackChanged.fire()
			}
		}
	}
}

func (m *mprisManager) sessionsOwnedBy(owner string) []*mprisSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	var owned []*mprisSession
	for _, s := range m.sessions {
		if s.owner == owner {
			owned = append(owned, s)
		}
	}
	return owned
}

var playbackProperties = map[string]bool{
	"PlaybackStatus": true,
	"CanGoNext":      true,
	"CanGoPrevious":  true,
	"CanPlay":        true,
	"CanPause":       true,
	"CanControl":     true,
}

// classifyProperties reports which of the two session notifications a
// PropertiesChanged signal maps to
func classifyProperties(changed map[string]dbus.Variant, invalidated []string) (metadata, playback bool) {
	check := func(key string) {
		if key == "Metadata" {
			metadata = true
		} else if playbackProperties[key] {
			playback = true
		}
	}
	for key := range changed {
		check(key)
	}
	for _, key := range invalidated {
		check(key)
	}
	return metadata, playback
}

// mprisSession is one MPRIS player, identified by its bus name and owner
type mprisSession struct {
	manager *mprisManager
	app     AppID
	name    string
	owner   string
	obj     dbus.BusObject

	metadataChanged callbacks
	playbackChanged callbacks
}

func (s *mprisSession) AppID() AppID {
	return s.app
}

func (s *mprisSession) MediaProperties(ctx context.Context) (*MediaProperties, error) {
	var v dbus.Variant
	if err := s.obj.CallWithContext(ctx, dbusPropertiesInterface+".Get", 0, mprisPlayerInterface, "Metadata").Store(&v); err != nil {
		return nil, fmt.Errorf("failed to get metadata: %w", err)
	}
	meta, ok := v.Value().(map[string]dbus.Variant)
	if !ok {
		return nil, nil
	}
	return parseMetadata(meta, s.manager.artwork), nil
}

func parseMetadata(meta map[string]dbus.Variant, artwork *URLResolver) *MediaProperties {
	props := &MediaProperties{
		Title: variantString(meta["xesam:title"]),
		Album: variantString(meta["xesam:album"]),
	}
	if v, ok := meta["xesam:artist"]; ok {
		switch artists := v.Value().(type) {
		case []string:
			props.Artist = strings.Join(artists, ", ")
		case string:
			props.Artist = artists
		}
	}
	if artwork != nil {
		if src := artwork.Source(variantString(meta["mpris:artUrl"])); src != nil {
			props.Thumbnail = src
		}
	}
	return props
}

func variantString(v dbus.Variant) string {
	s, _ := v.Value().(string)
	return s
}

func variantBool(v dbus.Variant) bool {
	b, _ := v.Value().(bool)
	return b
}

func (s *mprisSession) PlaybackInfo() (PlaybackInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), mprisCallTimeout)
	defer cancel()

	var props map[string]dbus.Variant
	if err := s.obj.CallWithContext(ctx, dbusPropertiesInterface+".GetAll", 0, mprisPlayerInterface).Store(&props); err != nil {
		return PlaybackInfo{}, fmt.Errorf("failed to get player properties: %w", err)
	}
	return parsePlaybackInfo(props), nil
}

func parsePlaybackInfo(props map[string]dbus.Variant) PlaybackInfo {
	canControl := variantBool(props["CanControl"])
	return PlaybackInfo{
		Status:          parseMPRISStatus(variantString(props["PlaybackStatus"])),
		CanToggle:       canControl && (variantBool(props["CanPlay"]) || variantBool(props["CanPause"])),
		CanSkipNext:     canControl && variantBool(props["CanGoNext"]),
		CanSkipPrevious: canControl && variantBool(props["CanGoPrevious"]),
	}
}

func parseMPRISStatus(s string) PlaybackStatus {
	switch s {
	case "Playing":
		return StatusPlaying
	case "Paused":
		return StatusPaused
	case "Stopped":
		return StatusStopped
	}
	return StatusUnknown
}

func (s *mprisSession) call(ctx context.Context, method string) error {
	return s.obj.CallWithContext(ctx, mprisPlayerInterface+"."+method, 0).Err
}

func (s *mprisSession) Previous(ctx context.Context) error {
	return s.call(ctx, "Previous")
}

func (s *mprisSession) TogglePlayPause(ctx context.Context) error {
	return s.call(ctx, "PlayPause")
}

func (s *mprisSession) Next(ctx context.Context) error {
	return s.call(ctx, "Next")
}

func (s *mprisSession) OnMediaPropertiesChanged(fn func()) (Token, error) {
	return s.metadataChanged.add(fn), nil
}

func (s *mprisSession) RemoveMediaPropertiesChanged(tok Token) {
	s.metadataChanged.remove(tok)
}

func (s *mprisSession) OnPlaybackInfoChanged(fn func()) (Token, error) {
	return s.playbackChanged.add(fn), nil
}

func (s *mprisSession) RemovePlaybackInfoChanged(tok Token) {
	s.playbackChanged.remove(tok)
}
