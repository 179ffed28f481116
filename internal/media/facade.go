package media

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Facade is the entry point for presentation code: it starts and stops the
// registry, fetches metadata, forwards transport commands and exposes the
// three notification streams.
type Facade struct {
	registry *Registry
	notifier *Notifier
	artwork  *ArtworkLoader
	logger   *zap.SugaredLogger
}

type facadeOptions struct {
	acquire Acquirer
	logger  *zap.SugaredLogger
	artwork *ArtworkLoader
}

// FacadeOption configures a Facade
type FacadeOption func(*facadeOptions)

// WithAcquirer replaces the platform session manager
func WithAcquirer(a Acquirer) FacadeOption {
	return func(o *facadeOptions) { o.acquire = a }
}

// WithLogger sets the logger
func WithLogger(l *zap.SugaredLogger) FacadeOption {
	return func(o *facadeOptions) { o.logger = l }
}

// WithArtworkLoader sets the loader used for artwork streams
func WithArtworkLoader(l *ArtworkLoader) FacadeOption {
	return func(o *facadeOptions) { o.artwork = l }
}

// NewFacade creates a facade. Without WithAcquirer the platform's session
// manager is used.
func NewFacade(opts ...FacadeOption) *Facade {
	o := facadeOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop().Sugar()
	}
	if o.acquire == nil {
		o.acquire = NewPlatformAcquirer(PlatformOptions{Logger: o.logger})
	}
	if o.artwork == nil {
		o.artwork = NewArtworkLoader(DefaultArtworkMaxBytes)
	}

	logger := o.logger.Named("media")
	notifier := NewNotifier(logger)
	return &Facade{
		registry: NewRegistry(o.acquire, notifier, logger),
		notifier: notifier,
		artwork:  o.artwork,
		logger:   logger,
	}
}

// Registry returns the underlying registry
func (f *Facade) Registry() *Registry {
	return f.registry
}

// Start blocks until the session manager is acquired and the first
// reconciliation pass has run. Fails with ErrPlatformUnavailable.
func (f *Facade) Start(ctx context.Context) error {
	return f.registry.Initialize(ctx)
}

// Shutdown releases every session subscription. It must be called before exit.
func (f *Facade) Shutdown() {
	f.registry.TeardownAll()
}

// Sessions returns the registered applications
func (f *Facade) Sessions() []AppID {
	return f.registry.Apps()
}

// PlaybackState returns the cached playback state of app
func (f *Facade) PlaybackState(app AppID) (PlaybackState, bool) {
	return f.registry.PlaybackState(app)
}

// FetchMetadata queries the current track of app, including its artwork.
// Returns ErrNotFound if app is not registered or goes away while the
// query is in flight.
func (f *Facade) FetchMetadata(ctx context.Context, app AppID) (*Metadata, error) {
	h, err := f.registry.Get(app)
	if err != nil {
		return nil, err
	}

	props, err := h.session.MediaProperties(ctx)
	if !f.registry.isCurrent(h) {
		f.logger.Debugw("discarding metadata of removed session", "app", app)
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch media properties for %s: %w", app, err)
	}

	m := &Metadata{App: app}
	if props == nil {
		return m, nil
	}
	m.Title = props.Title
	m.Artist = props.Artist
	m.Album = props.Album

	if props.Thumbnail != nil {
		data, typ, err := f.artwork.Load(ctx, props.Thumbnail)
		if err != nil {
			f.logger.Debugw("artwork unavailable", "app", app, "error", err)
		} else {
			m.Artwork = data
			m.ArtworkType = typ
		}
		if !f.registry.isCurrent(h) {
			f.logger.Debugw("discarding metadata of removed session", "app", app)
			return nil, ErrNotFound
		}
	}

	return m, nil
}

// IssueCommand forwards cmd to the session of app. Commands the session
// currently reports as disabled are skipped. Success only means the OS
// accepted the call; the effect shows up as a playback notification.
func (f *Facade) IssueCommand(ctx context.Context, app AppID, cmd Command) error {
	h, err := f.registry.Get(app)
	if err != nil {
		return err
	}

	if state, ok := f.capabilities(h); ok && !state.Allows(cmd) {
		f.logger.Debugw("command disabled by session", "app", app, "command", cmd)
		return nil
	}

	switch cmd {
	case CmdPrevious:
		err = h.session.Previous(ctx)
	case CmdTogglePlayPause:
		err = h.session.TogglePlayPause(ctx)
	case CmdNext:
		err = h.session.Next(ctx)
	default:
		return fmt.Errorf("unknown command %d", cmd)
	}

	if err != nil {
		if !f.registry.isCurrent(h) {
			return ErrNotFound
		}
		f.logger.Debugw("transport command failed", "app", app, "command", cmd, "error", err)
		return fmt.Errorf("%w: %s on %s: %v", ErrTransportCommandFailed, cmd, app, err)
	}
	return nil
}

// capabilities returns the playback state used to gate commands. A state
// cached as unknown is read again, and the cache is refreshed on the control
// loop when that succeeds. ok is false when nothing reliable is known.
func (f *Facade) capabilities(h *SessionHandle) (PlaybackState, bool) {
	state, ok := f.registry.PlaybackState(h.app)
	if !ok || state.Status != StatusUnknown {
		return state, ok
	}
	info, err := h.session.PlaybackInfo()
	if err != nil {
		f.logger.Debugw("playback info still unavailable", "app", h.app, "error", err)
		return state, false
	}
	f.registry.post(func() { f.registry.handlePlaybackInfoChanged(h) })
	return playbackStateOf(h.app, info), true
}

// OnSessionsChanged subscribes to session deltas
func (f *Facade) OnSessionsChanged(fn func(SessionDelta)) SubscriptionID {
	return f.notifier.Sessions.Subscribe(fn)
}

// OnMetadataAvailable subscribes to metadata pings. Handlers receive only the
// application and should call FetchMetadata, outside the handler, for details.
func (f *Facade) OnMetadataAvailable(fn func(AppID)) SubscriptionID {
	return f.notifier.Metadata.Subscribe(fn)
}

// OnPlaybackChanged subscribes to playback state changes
func (f *Facade) OnPlaybackChanged(fn func(PlaybackState)) SubscriptionID {
	return f.notifier.Playback.Subscribe(fn)
}

// Unsubscribe removes a subscription created by any of the On* methods
func (f *Facade) Unsubscribe(id SubscriptionID) bool {
	return f.notifier.Unsubscribe(id)
}

// IsNotFound reports whether err means the session is gone
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
