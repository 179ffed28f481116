// Package mediatest provides an in-memory media session manager for tests.
package mediatest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/austinkregel/local-media/nowplayingd/internal/media"
)

var nextToken atomic.Uint64

func newToken() media.Token {
	return media.Token(nextToken.Add(1))
}

// ErrAcquire is returned by an Acquirer built with FailingAcquirer
var ErrAcquire = errors.New("session manager unavailable")

// FailingAcquirer returns an Acquirer that always fails with err
func FailingAcquirer(err error) media.Acquirer {
	return func(ctx context.Context) (media.Manager, error) {
		return nil, err
	}
}

type callbackSet struct {
	fns        map[media.Token]func()
	revoked    []func()
	subscribes int
	removes    int
}

func (c *callbackSet) add(fn func()) media.Token {
	if c.fns == nil {
		c.fns = make(map[media.Token]func())
	}
	tok := newToken()
	c.fns[tok] = fn
	c.subscribes++
	return tok
}

func (c *callbackSet) remove(tok media.Token) {
	c.removes++
	if fn, ok := c.fns[tok]; ok {
		c.revoked = append(c.revoked, fn)
		delete(c.fns, tok)
	}
}

func (c *callbackSet) active() []func() {
	fns := make([]func(), 0, len(c.fns))
	for _, fn := range c.fns {
		fns = append(fns, fn)
	}
	return fns
}

// Manager is a fake media.Manager
type Manager struct {
	mu           sync.Mutex
	sessions     []media.Session
	sessionsErr  error
	subscribeErr error
	changed      callbackSet
	closed       int
}

// NewManager creates a manager reporting sessions
func NewManager(sessions ...*Session) *Manager {
	m := &Manager{}
	m.SetSessions(sessions...)
	return m
}

// Acquirer returns an Acquirer yielding m
func (m *Manager) Acquirer() media.Acquirer {
	return func(ctx context.Context) (media.Manager, error) {
		return m, nil
	}
}

// SetSessions replaces the snapshot returned by Sessions. It does not notify.
func (m *Manager) SetSessions(sessions ...*Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = make([]media.Session, len(sessions))
	for i, s := range sessions {
		m.sessions[i] = s
	}
}

// SetSessionsErr makes Sessions fail with err
func (m *Manager) SetSessionsErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionsErr = err
}

// SetSubscribeErr makes OnSessionsChanged fail with err
func (m *Manager) SetSubscribeErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribeErr = err
}

// FireSessionsChanged invokes every registered sessions-changed callback
func (m *Manager) FireSessionsChanged() {
	m.mu.Lock()
	fns := m.changed.active()
	m.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Subscriptions returns the number of live sessions-changed callbacks
func (m *Manager) Subscriptions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.changed.fns)
}

// Closed reports how many times Close was called
func (m *Manager) Closed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) Sessions() ([]media.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessionsErr != nil {
		return nil, m.sessionsErr
	}
	sessions := make([]media.Session, len(m.sessions))
	copy(sessions, m.sessions)
	return sessions, nil
}

func (m *Manager) OnSessionsChanged(fn func()) (media.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribeErr != nil {
		return 0, m.subscribeErr
	}
	return m.changed.add(fn), nil
}

func (m *Manager) RemoveSessionsChanged(tok media.Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changed.remove(tok)
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

// Counts holds the subscription bookkeeping of a fake session
type Counts struct {
	MetadataSubscribes   int
	MetadataUnsubscribes int
	PlaybackSubscribes   int
	PlaybackUnsubscribes int
}

// Session is a fake media.Session
type Session struct {
	app media.AppID

	mu                   sync.Mutex
	props                *media.MediaProperties
	artwork              []byte
	propsErr             error
	propsGate            chan struct{}
	propsEntered         chan struct{}
	info                 media.PlaybackInfo
	infoErr              error
	commandErr           error
	playbackSubscribeErr error
	commands             []media.Command
	metadata             callbackSet
	playback             callbackSet
}

// NewSession creates a session for app with full transport capabilities
func NewSession(app media.AppID) *Session {
	return &Session{
		app: app,
		info: media.PlaybackInfo{
			Status:          media.StatusPlaying,
			CanToggle:       true,
			CanSkipNext:     true,
			CanSkipPrevious: true,
		},
	}
}

// SetProperties sets the track reported by MediaProperties
func (s *Session) SetProperties(title, artist, album string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.props = &media.MediaProperties{Title: title, Artist: artist, Album: album}
}

// SetArtwork makes MediaProperties report a thumbnail with data
func (s *Session) SetArtwork(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artwork = data
}

// SetPropertiesErr makes MediaProperties fail with err
func (s *Session) SetPropertiesErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.propsErr = err
}

// BlockProperties makes the next MediaProperties calls wait until release
// is called. entered is closed once a call is waiting.
func (s *Session) BlockProperties() (entered <-chan struct{}, release func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gate := make(chan struct{})
	s.propsGate = gate
	s.propsEntered = make(chan struct{})
	var once sync.Once
	return s.propsEntered, func() { once.Do(func() { close(gate) }) }
}

// SetPlaybackInfo sets the value returned by PlaybackInfo
func (s *Session) SetPlaybackInfo(info media.PlaybackInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info = info
}

// SetPlaybackInfoErr makes PlaybackInfo fail with err
func (s *Session) SetPlaybackInfoErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.infoErr = err
}

// SetCommandErr makes transport commands fail with err
func (s *Session) SetCommandErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commandErr = err
}

// SetPlaybackSubscribeErr makes OnPlaybackInfoChanged fail with err
func (s *Session) SetPlaybackSubscribeErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playbackSubscribeErr = err
}

// Commands returns the transport commands received so far
func (s *Session) Commands() []media.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmds := make([]media.Command, len(s.commands))
	copy(cmds, s.commands)
	return cmds
}

// Counts returns the subscription bookkeeping
func (s *Session) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Counts{
		MetadataSubscribes:   s.metadata.subscribes,
		MetadataUnsubscribes: s.metadata.removes,
		PlaybackSubscribes:   s.playback.subscribes,
		PlaybackUnsubscribes: s.playback.removes,
	}
}

// FireMediaPropertiesChanged invokes the live metadata callbacks
func (s *Session) FireMediaPropertiesChanged() {
	s.mu.Lock()
	fns := s.metadata.active()
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// FirePlaybackInfoChanged invokes the live playback callbacks
func (s *Session) FirePlaybackInfoChanged() {
	s.mu.Lock()
	fns := s.playback.active()
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// FireRevoked invokes callbacks that were already removed, the way an OS
// delivery that was in flight during unsubscription would
func (s *Session) FireRevoked() {
	s.mu.Lock()
	fns := append(append([]func(){}, s.metadata.revoked...), s.playback.revoked...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (s *Session) AppID() media.AppID {
	return s.app
}

func (s *Session) MediaProperties(ctx context.Context) (*media.MediaProperties, error) {
	s.mu.Lock()
	gate, entered := s.propsGate, s.propsEntered
	s.propsGate, s.propsEntered = nil, nil
	s.mu.Unlock()

	if gate != nil {
		close(entered)
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.propsErr != nil {
		return nil, s.propsErr
	}
	if s.props == nil {
		return nil, nil
	}
	props := *s.props
	if s.artwork != nil {
		data := s.artwork
		props.Thumbnail = media.ThumbnailFunc(func(ctx context.Context) (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		})
	}
	return &props, nil
}

func (s *Session) PlaybackInfo() (media.PlaybackInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.infoErr != nil {
		return media.PlaybackInfo{}, s.infoErr
	}
	return s.info, nil
}

func (s *Session) command(cmd media.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.commandErr != nil {
		return s.commandErr
	}
	s.commands = append(s.commands, cmd)
	return nil
}

func (s *Session) Previous(ctx context.Context) error {
	return s.command(media.CmdPrevious)
}

func (s *Session) TogglePlayPause(ctx context.Context) error {
	return s.command(media.CmdTogglePlayPause)
}

func (s *Session) Next(ctx context.Context) error {
	return s.command(media.CmdNext)
}

func (s *Session) OnMediaPropertiesChanged(fn func()) (media.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metadata.add(fn), nil
}

func (s *Session) RemoveMediaPropertiesChanged(tok media.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata.remove(tok)
}

func (s *Session) OnPlaybackInfoChanged(fn func()) (media.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.playbackSubscribeErr != nil {
		return 0, s.playbackSubscribeErr
	}
	return s.playback.add(fn), nil
}

func (s *Session) RemovePlaybackInfoChanged(tok media.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playback.remove(tok)
}
