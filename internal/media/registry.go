package media

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// SessionHandle is the registry's record of one live OS session together
// with the tokens of its two change subscriptions.
type SessionHandle struct {
	app           AppID
	session       Session
	metadataToken Token
	playbackToken Token
}

// App returns the application owning the session
func (h *SessionHandle) App() AppID {
	return h.app
}

// Session returns the underlying OS session
func (h *SessionHandle) Session() Session {
	return h.session
}

type registryState int32

const (
	stateNew registryState = iota
	stateRunning
	stateClosed
)

// Registry keeps exactly one SessionHandle per application in the OS session set.
//
// All mutation happens on a single control goroutine. OS callbacks only
// enqueue work onto it, so they may arrive on any goroutine. Readers take
// the read lock and see either a fully registered handle or none.
type Registry struct {
	acquire  Acquirer
	notifier *Notifier
	logger   *zap.SugaredLogger

	manager      Manager
	managerToken Token

	state        atomic.Int32
	queue        *taskQueue
	stop         chan struct{}
	done         chan struct{}
	teardownOnce sync.Once

	mu           sync.RWMutex
	handles      map[AppID]*SessionHandle
	order        []AppID
	playbackInfo map[AppID]PlaybackState
}

// NewRegistry creates a registry. Nothing is acquired until Initialize.
func NewRegistry(acquire Acquirer, notifier *Notifier, logger *zap.SugaredLogger) *Registry {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if notifier == nil {
		notifier = NewNotifier(logger)
	}
	return &Registry{
		acquire:      acquire,
		notifier:     notifier,
		logger:       logger.Named("registry"),
		queue:        newTaskQueue(),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		handles:      make(map[AppID]*SessionHandle),
		playbackInfo: make(map[AppID]PlaybackState),
	}
}

// Notifier returns the notifier the registry emits on
func (r *Registry) Notifier() *Notifier {
	return r.notifier
}

// Initialize acquires the OS session manager, subscribes to its
// sessions-changed notification and runs the first reconciliation pass.
// Any failure to reach the OS facility is reported as ErrPlatformUnavailable.
// If ctx ends first, everything acquired so far is released and ctx's error
// is returned.
func (r *Registry) Initialize(ctx context.Context) error {
	if !r.state.CompareAndSwap(int32(stateNew), int32(stateRunning)) {
		return errors.New("media registry already initialized")
	}

	r.logger.Debug("acquiring session manager")
	mgr, err := r.acquire(ctx)
	if err != nil {
		r.state.Store(int32(stateClosed))
		return platformUnavailable(err)
	}
	r.manager = mgr

	go r.run()

	tok, err := mgr.OnSessionsChanged(func() {
		r.post(r.handleSessionsChanged)
	})
	if err != nil {
		r.state.Store(int32(stateClosed))
		r.shutdownLoop()
		r.manager = nil
		mgr.Close()
		return platformUnavailable(fmt.Errorf("failed to subscribe to session changes: %w", err))
	}
	r.managerToken = tok

	var listErr error
	if err := r.do(ctx, func() {
		sessions, err := mgr.Sessions()
		if err != nil {
			listErr = err
			return
		}
		r.reconcile(sessions)
	}); err != nil {
		r.TeardownAll()
		return err
	}
	if listErr != nil {
		r.TeardownAll()
		return platformUnavailable(fmt.Errorf("failed to list sessions: %w", listErr))
	}

	r.logger.Infow("session manager started", "sessions", r.Len())
	return nil
}

func platformUnavailable(err error) error {
	if errors.Is(err, ErrPlatformUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrPlatformUnavailable, err)
}

// Reconcile brings the registry in line with sessions and returns the
// delta that was emitted. It runs on the control goroutine and must not
// be called from a notification handler.
func (r *Registry) Reconcile(ctx context.Context, sessions []Session) (SessionDelta, error) {
	var delta SessionDelta
	err := r.do(ctx, func() {
		delta = r.reconcile(sessions)
	})
	return delta, err
}

// Flush waits until every event posted so far has been handled
func (r *Registry) Flush(ctx context.Context) error {
	return r.do(ctx, func() {})
}

// Get returns the handle for app, or ErrNotFound
func (r *Registry) Get(app AppID) (*SessionHandle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handles[app]
	if !ok {
		return nil, ErrNotFound
	}
	return h, nil
}

// PlaybackState returns the cached playback state of app
func (r *Registry) PlaybackState(app AppID) (PlaybackState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, ok := r.playbackInfo[app]
	return state, ok
}

// Apps returns the registered applications in the order they were added
func (r *Registry) Apps() []AppID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	apps := make([]AppID, len(r.order))
	copy(apps, r.order)
	return apps
}

// Len returns the number of registered sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// TeardownAll removes the manager subscription, releases every remaining
// session and stops the control goroutine. Later calls are no-ops; the
// registry cannot be restarted.
func (r *Registry) TeardownAll() {
	r.teardownOnce.Do(func() {
		if registryState(r.state.Swap(int32(stateClosed))) == stateNew {
			return
		}
		if r.manager == nil {
			return
		}

		r.manager.RemoveSessionsChanged(r.managerToken)

		released := 0
		err := r.doUnchecked(context.Background(), func() {
			for _, app := range r.snapshotOrder() {
				if h, ok := r.handles[app]; ok {
					r.release(h)
					released++
				}
			}
		})
		if err != nil {
			r.logger.Warnw("teardown did not run on the control loop", "error", err)
		}

		r.shutdownLoop()
		if err := r.manager.Close(); err != nil {
			r.logger.Warnw("failed to close session manager", "error", err)
		}
		r.logger.Infow("session manager stopped", "released", released)
	})
}

// run is the control loop. It is the only goroutine that mutates the registry.
func (r *Registry) run() {
	defer close(r.done)
	for {
		select {
		case <-r.stop:
			return
		case <-r.queue.wake:
			for _, task := range r.queue.drain() {
				r.runTask(task)
			}
		}
	}
}

func (r *Registry) runTask(task func()) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Errorw("registry task panicked", "panic", p, "stack", string(debug.Stack()))
		}
	}()
	task()
}

func (r *Registry) shutdownLoop() {
	r.queue.close()
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
	<-r.done
}

// post enqueues fn from any goroutine. Work posted after shutdown is dropped.
func (r *Registry) post(fn func()) {
	if !r.queue.push(fn) {
		r.logger.Debug("dropping event posted after shutdown")
	}
}

// do runs fn on the control loop and waits for it
func (r *Registry) do(ctx context.Context, fn func()) error {
	if registryState(r.state.Load()) != stateRunning {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.doUnchecked(ctx, fn)
}

func (r *Registry) doUnchecked(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !r.queue.push(func() {
		defer close(finished)
		fn()
	}) {
		return ErrClosed
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	}
}

func (r *Registry) closed() bool {
	return registryState(r.state.Load()) == stateClosed
}

// snapshotOrder copies the insertion order. Control loop only.
func (r *Registry) snapshotOrder() []AppID {
	order := make([]AppID, len(r.order))
	copy(order, r.order)
	return order
}

// isCurrent reports whether h is still the registered handle for its app
func (r *Registry) isCurrent(h *SessionHandle) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handles[h.app] == h
}

func (r *Registry) handleSessionsChanged() {
	if r.closed() {
		return
	}
	sessions, err := r.manager.Sessions()
	if err != nil {
		// keep the current mirror; the next notification retries
		r.logger.Warnw("failed to list sessions", "error", err)
		return
	}
	r.reconcile(sessions)
}

// reconcile is the core pass. Control loop only.
func (r *Registry) reconcile(sessions []Session) SessionDelta {
	current := make(map[AppID]Session, len(sessions))
	seen := make([]AppID, 0, len(sessions))
	for _, s := range sessions {
		if s == nil {
			continue
		}
		app := s.AppID()
		if _, dup := current[app]; dup {
			r.logger.Debugw("ignoring duplicate session", "app", app)
			continue
		}
		current[app] = s
		seen = append(seen, app)
	}

	delta := SessionDelta{Added: []AppID{}, Removed: []AppID{}}

	for _, app := range r.snapshotOrder() {
		h := r.handles[app]
		s, ok := current[app]
		// A different session object under the same identity means the app
		// went away and came back: drop the old handle and build a fresh one.
		if ok && s == h.session {
			continue
		}
		r.logger.Debugw("session removed", "app", app)
		r.release(h)
		delta.Removed = append(delta.Removed, app)
	}

	for _, app := range seen {
		if _, ok := r.handles[app]; ok {
			continue
		}
		if r.add(app, current[app]) {
			r.logger.Debugw("session added", "app", app)
			delta.Added = append(delta.Added, app)
		}
	}

	for _, app := range delta.Added {
		r.notifier.Metadata.Emit(app)
	}
	r.notifier.Sessions.Emit(delta)
	return delta
}

// add registers a new handle for s. Failures are confined to this app and
// leave no subscription behind.
func (r *Registry) add(app AppID, s Session) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Errorw("failed to add session", "app", app, "panic", p)
			ok = false
		}
	}()

	h := &SessionHandle{app: app, session: s}
	state := r.readPlayback(h)

	mt, err := s.OnMediaPropertiesChanged(func() {
		r.post(func() { r.handleMediaPropertiesChanged(h) })
	})
	if err != nil {
		r.logger.Warnw("failed to subscribe to media properties", "app", app, "error", err)
		return false
	}
	pt, err := s.OnPlaybackInfoChanged(func() {
		r.post(func() { r.handlePlaybackInfoChanged(h) })
	})
	if err != nil {
		s.RemoveMediaPropertiesChanged(mt)
		r.logger.Warnw("failed to subscribe to playback info", "app", app, "error", err)
		return false
	}
	h.metadataToken = mt
	h.playbackToken = pt

	r.mu.Lock()
	r.handles[app] = h
	r.order = append(r.order, app)
	r.playbackInfo[app] = state
	r.mu.Unlock()
	return true
}

// release unsubscribes both tokens and forgets h. Control loop only.
func (r *Registry) release(h *SessionHandle) {
	func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Errorw("failed to unsubscribe session", "app", h.app, "panic", p)
			}
		}()
		h.session.RemovePlaybackInfoChanged(h.playbackToken)
		h.session.RemoveMediaPropertiesChanged(h.metadataToken)
	}()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handles[h.app] != h {
		return
	}
	delete(r.handles, h.app)
	delete(r.playbackInfo, h.app)
	for i, app := range r.order {
		if app == h.app {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Registry) readPlayback(h *SessionHandle) PlaybackState {
	state := PlaybackState{App: h.app, Status: StatusUnknown}
	info, err := h.session.PlaybackInfo()
	if err != nil {
		r.logger.Warnw("failed to read playback info", "app", h.app, "error", err)
		return state
	}
	return playbackStateOf(h.app, info)
}

func playbackStateOf(app AppID, info PlaybackInfo) PlaybackState {
	return PlaybackState{
		App:             app,
		Status:          info.Status,
		CanToggle:       info.CanToggle,
		CanSkipNext:     info.CanSkipNext,
		CanSkipPrevious: info.CanSkipPrevious,
	}
}

func (r *Registry) handleMediaPropertiesChanged(h *SessionHandle) {
	if !r.isCurrent(h) {
		return
	}
	r.notifier.Metadata.Emit(h.app)
}

func (r *Registry) handlePlaybackInfoChanged(h *SessionHandle) {
	if !r.isCurrent(h) {
		return
	}
	state := r.readPlayback(h)

	r.mu.Lock()
	r.playbackInfo[h.app] = state
	r.mu.Unlock()

	r.notifier.Playback.Emit(state)
}
