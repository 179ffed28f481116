package media_test

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/austinkregel/local-media/nowplayingd/internal/media"
	"github.com/austinkregel/local-media/nowplayingd/internal/media/mediatest"
)

func startRegistry(t *testing.T, mgr *mediatest.Manager) *media.Registry {
	t.Helper()
	reg := media.NewRegistry(mgr.Acquirer(), nil, nil)
	if err := reg.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	t.Cleanup(reg.TeardownAll)
	return reg
}

func sessions(list ...*mediatest.Session) []media.Session {
	out := make([]media.Session, len(list))
	for i, s := range list {
		out[i] = s
	}
	return out
}

func sortedApps(apps []media.AppID) []string {
	out := make([]string, len(apps))
	for i, a := range apps {
		out[i] = string(a)
	}
	sort.Strings(out)
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func flush(t *testing.T, reg *media.Registry) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := reg.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
}

func TestInitializeEmptyEmitsEmptyDelta(t *testing.T) {
	mgr := mediatest.NewManager()
	reg := media.NewRegistry(mgr.Acquirer(), nil, nil)
	defer reg.TeardownAll()

	var deltas []media.SessionDelta
	reg.Notifier().Sessions.Subscribe(func(d media.SessionDelta) {
		deltas = append(deltas, d)
	})

	if err := reg.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if len(deltas) != 1 {
		t.Fatalf("Expected 1 delta, got %d", len(deltas))
	}
	if !deltas[0].Empty() {
		t.Errorf("Expected empty delta, got %+v", deltas[0])
	}
	if deltas[0].Added == nil || deltas[0].Removed == nil {
		t.Error("Expected non-nil delta slices")
	}
	if reg.Len() != 0 {
		t.Errorf("Expected 0 sessions, got %d", reg.Len())
	}
	if mgr.Subscriptions() != 1 {
		t.Errorf("Expected 1 manager subscription, got %d", mgr.Subscriptions())
	}
}

func TestInitializeTwice(t *testing.T) {
	reg := startRegistry(t, mediatest.NewManager())
	if err := reg.Initialize(context.Background()); err == nil {
		t.Error("Expected error on second Initialize")
	}
}

func TestInitializePlatformUnavailable(t *testing.T) {
	reg := media.NewRegistry(mediatest.FailingAcquirer(mediatest.ErrAcquire), nil, nil)

	err := reg.Initialize(context.Background())
	if !errors.Is(err, media.ErrPlatformUnavailable) {
		t.Fatalf("Expected ErrPlatformUnavailable, got %v", err)
	}

	// teardown of a registry that never started is harmless
	reg.TeardownAll()

	if _, err := reg.Reconcile(context.Background(), nil); !errors.Is(err, media.ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestInitializeSubscribeFailure(t *testing.T) {
	mgr := mediatest.NewManager()
	mgr.SetSubscribeErr(errors.New("denied"))
	reg := media.NewRegistry(mgr.Acquirer(), nil, nil)

	err := reg.Initialize(context.Background())
	if !errors.Is(err, media.ErrPlatformUnavailable) {
		t.Fatalf("Expected ErrPlatformUnavailable, got %v", err)
	}
	reg.TeardownAll()

	if mgr.Closed() != 1 {
		t.Errorf("Expected manager closed once, got %d", mgr.Closed())
	}
}

func TestInitializeListingFailure(t *testing.T) {
	mgr := mediatest.NewManager()
	mgr.SetSessionsErr(errors.New("bus gone"))
	reg := media.NewRegistry(mgr.Acquirer(), nil, nil)

	err := reg.Initialize(context.Background())
	if !errors.Is(err, media.ErrPlatformUnavailable) {
		t.Fatalf("Expected ErrPlatformUnavailable, got %v", err)
	}
	if mgr.Subscriptions() != 0 {
		t.Errorf("Expected manager subscription removed, got %d", mgr.Subscriptions())
	}
	if mgr.Closed() != 1 {
		t.Errorf("Expected manager closed once, got %d", mgr.Closed())
	}
}

func TestReconcileMirrorsSnapshot(t *testing.T) {
	spotify := mediatest.NewSession("spotify.exe")
	vlc := mediatest.NewSession("vlc.exe")
	chrome := mediatest.NewSession("chrome.exe")

	reg := startRegistry(t, mediatest.NewManager())

	snapshots := [][]*mediatest.Session{
		{spotify},
		{spotify, vlc},
		{chrome, vlc},
		{},
		{vlc, spotify, chrome},
		{chrome},
	}

	for i, snap := range snapshots {
		if _, err := reg.Reconcile(context.Background(), sessions(snap...)); err != nil {
			t.Fatalf("Reconcile %d failed: %v", i, err)
		}

		want := make([]string, len(snap))
		for j, s := range snap {
			want[j] = string(s.AppID())
		}
		sort.Strings(want)

		got := sortedApps(reg.Apps())
		if !equalStrings(got, want) {
			t.Errorf("Snapshot %d: expected %v, got %v", i, want, got)
		}
		for _, s := range snap {
			h, err := reg.Get(s.AppID())
			if err != nil {
				t.Errorf("Snapshot %d: Get(%s) failed: %v", i, s.AppID(), err)
				continue
			}
			if h.Session() != media.Session(s) {
				t.Errorf("Snapshot %d: handle for %s wraps the wrong session", i, s.AppID())
			}
		}
	}
}

func TestReconcileIdempotent(t *testing.T) {
	spotify := mediatest.NewSession("spotify.exe")
	vlc := mediatest.NewSession("vlc.exe")
	reg := startRegistry(t, mediatest.NewManager())

	snap := sessions(spotify, vlc)
	if _, err := reg.Reconcile(context.Background(), snap); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	before := []mediatest.Counts{spotify.Counts(), vlc.Counts()}

	delta, err := reg.Reconcile(context.Background(), snap)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if !delta.Empty() {
		t.Errorf("Expected empty delta, got %+v", delta)
	}

	after := []mediatest.Counts{spotify.Counts(), vlc.Counts()}
	for i := range before {
		if before[i] != after[i] {
			t.Errorf("Expected no subscription changes, got %+v -> %+v", before[i], after[i])
		}
	}
}

func TestReconcileNoLeak(t *testing.T) {
	spotify := mediatest.NewSession("spotify.exe")
	vlc := mediatest.NewSession("vlc.exe")
	reg := media.NewRegistry(mediatest.NewManager().Acquirer(), nil, nil)
	if err := reg.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	steps := [][]*mediatest.Session{
		{spotify, vlc},
		{vlc},
		{spotify, vlc},
		{spotify},
		{spotify, vlc},
	}
	for _, snap := range steps {
		if _, err := reg.Reconcile(context.Background(), sessions(snap...)); err != nil {
			t.Fatalf("Reconcile failed: %v", err)
		}
	}

	c := vlc.Counts()
	if c.MetadataSubscribes != 2 || c.MetadataUnsubscribes != 1 {
		t.Errorf("Expected vlc metadata 2/1 while live, got %+v", c)
	}

	reg.TeardownAll()

	for _, s := range []*mediatest.Session{spotify, vlc} {
		c := s.Counts()
		if c.MetadataSubscribes != c.MetadataUnsubscribes {
			t.Errorf("%s: metadata subscribes %d != unsubscribes %d", s.AppID(), c.MetadataSubscribes, c.MetadataUnsubscribes)
		}
		if c.PlaybackSubscribes != c.PlaybackUnsubscribes {
			t.Errorf("%s: playback subscribes %d != unsubscribes %d", s.AppID(), c.PlaybackSubscribes, c.PlaybackUnsubscribes)
		}
	}
}

func TestReconcileRemoveThenAdd(t *testing.T) {
	old := mediatest.NewSession("spotify.exe")
	reg := startRegistry(t, mediatest.NewManager(old))

	oldHandle, err := reg.Get("spotify.exe")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	fresh := mediatest.NewSession("spotify.exe")
	delta, err := reg.Reconcile(context.Background(), sessions(fresh))
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if len(delta.Removed) != 1 || delta.Removed[0] != "spotify.exe" {
		t.Errorf("Expected spotify.exe removed, got %v", delta.Removed)
	}
	if len(delta.Added) != 1 || delta.Added[0] != "spotify.exe" {
		t.Errorf("Expected spotify.exe added, got %v", delta.Added)
	}

	newHandle, err := reg.Get("spotify.exe")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if newHandle == oldHandle {
		t.Error("Expected a new handle")
	}
	if newHandle.Session() != media.Session(fresh) {
		t.Error("Expected handle to wrap the new session")
	}

	c := old.Counts()
	if c.MetadataUnsubscribes != 1 || c.PlaybackUnsubscribes != 1 {
		t.Errorf("Expected old session fully unsubscribed, got %+v", c)
	}
	c = fresh.Counts()
	if c.MetadataSubscribes != 1 || c.PlaybackSubscribes != 1 {
		t.Errorf("Expected new session subscribed once, got %+v", c)
	}
}

func TestReconcileDuplicateAppID(t *testing.T) {
	first := mediatest.NewSession("spotify.exe")
	second := mediatest.NewSession("spotify.exe")
	reg := startRegistry(t, mediatest.NewManager())

	delta, err := reg.Reconcile(context.Background(), sessions(first, second))
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if len(delta.Added) != 1 {
		t.Fatalf("Expected 1 added, got %v", delta.Added)
	}

	h, _ := reg.Get("spotify.exe")
	if h.Session() != media.Session(first) {
		t.Error("Expected first occurrence to win")
	}
	if second.Counts().MetadataSubscribes != 0 {
		t.Error("Expected duplicate to stay unsubscribed")
	}
}

func TestReconcileSubscribeFailureRollsBack(t *testing.T) {
	broken := mediatest.NewSession("broken.exe")
	broken.SetPlaybackSubscribeErr(errors.New("denied"))
	vlc := mediatest.NewSession("vlc.exe")
	reg := startRegistry(t, mediatest.NewManager())

	delta, err := reg.Reconcile(context.Background(), sessions(broken, vlc))
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if len(delta.Added) != 1 || delta.Added[0] != "vlc.exe" {
		t.Errorf("Expected only vlc.exe added, got %v", delta.Added)
	}

	c := broken.Counts()
	if c.MetadataSubscribes != 1 || c.MetadataUnsubscribes != 1 {
		t.Errorf("Expected metadata subscription rolled back, got %+v", c)
	}
	if _, err := reg.Get("broken.exe"); !errors.Is(err, media.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	// retried on the next pass
	broken.SetPlaybackSubscribeErr(nil)
	delta, err = reg.Reconcile(context.Background(), sessions(broken, vlc))
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if len(delta.Added) != 1 || delta.Added[0] != "broken.exe" {
		t.Errorf("Expected broken.exe added on retry, got %v", delta.Added)
	}
}

func TestPlaybackInfoFailureCachesUnknown(t *testing.T) {
	s := mediatest.NewSession("spotify.exe")
	s.SetPlaybackInfoErr(errors.New("busy"))
	reg := startRegistry(t, mediatest.NewManager(s))

	state, ok := reg.PlaybackState("spotify.exe")
	if !ok {
		t.Fatal("Expected cached playback state")
	}
	if state.Status != media.StatusUnknown {
		t.Errorf("Expected UNKNOWN, got %s", state.Status)
	}
	if state.CanToggle || state.CanSkipNext || state.CanSkipPrevious {
		t.Errorf("Expected no capabilities, got %+v", state)
	}
}

func TestSessionsChangedNotification(t *testing.T) {
	mgr := mediatest.NewManager()
	reg := startRegistry(t, mgr)

	var deltas []media.SessionDelta
	var pings []media.AppID
	reg.Notifier().Sessions.Subscribe(func(d media.SessionDelta) { deltas = append(deltas, d) })
	reg.Notifier().Metadata.Subscribe(func(app media.AppID) { pings = append(pings, app) })

	mgr.SetSessions(mediatest.NewSession("spotify.exe"))
	mgr.FireSessionsChanged()
	flush(t, reg)

	if len(deltas) != 1 {
		t.Fatalf("Expected 1 delta, got %d", len(deltas))
	}
	if len(deltas[0].Added) != 1 || deltas[0].Added[0] != "spotify.exe" || len(deltas[0].Removed) != 0 {
		t.Errorf("Unexpected delta %+v", deltas[0])
	}
	if len(pings) != 1 || pings[0] != "spotify.exe" {
		t.Errorf("Expected one metadata ping for spotify.exe, got %v", pings)
	}
	if reg.Len() != 1 {
		t.Errorf("Expected 1 session, got %d", reg.Len())
	}
}

func TestSessionsListingFailureKeepsMirror(t *testing.T) {
	mgr := mediatest.NewManager(mediatest.NewSession("spotify.exe"))
	reg := startRegistry(t, mgr)

	mgr.SetSessions()
	mgr.SetSessionsErr(errors.New("transient"))
	mgr.FireSessionsChanged()
	flush(t, reg)

	if reg.Len() != 1 {
		t.Errorf("Expected mirror kept, got %d sessions", reg.Len())
	}

	mgr.SetSessionsErr(nil)
	mgr.FireSessionsChanged()
	flush(t, reg)

	if reg.Len() != 0 {
		t.Errorf("Expected 0 sessions after recovery, got %d", reg.Len())
	}
}

func TestPlaybackChangedUpdatesCache(t *testing.T) {
	s := mediatest.NewSession("spotify.exe")
	reg := startRegistry(t, mediatest.NewManager(s))

	var states []media.PlaybackState
	reg.Notifier().Playback.Subscribe(func(p media.PlaybackState) { states = append(states, p) })

	s.SetPlaybackInfo(media.PlaybackInfo{Status: media.StatusPaused, CanToggle: true})
	s.FirePlaybackInfoChanged()
	flush(t, reg)

	if len(states) != 1 {
		t.Fatalf("Expected 1 playback notification, got %d", len(states))
	}
	want := media.PlaybackState{App: "spotify.exe", Status: media.StatusPaused, CanToggle: true}
	if states[0] != want {
		t.Errorf("Expected %+v, got %+v", want, states[0])
	}
	if cached, _ := reg.PlaybackState("spotify.exe"); cached != want {
		t.Errorf("Expected cache %+v, got %+v", want, cached)
	}
}

func TestMetadataChangedPing(t *testing.T) {
	s := mediatest.NewSession("spotify.exe")
	reg := startRegistry(t, mediatest.NewManager(s))

	var pings []media.AppID
	reg.Notifier().Metadata.Subscribe(func(app media.AppID) { pings = append(pings, app) })

	s.FireMediaPropertiesChanged()
	s.FireMediaPropertiesChanged()
	flush(t, reg)

	if len(pings) != 2 {
		t.Errorf("Expected 2 pings, got %d", len(pings))
	}
}

func TestStaleEventsDropped(t *testing.T) {
	old := mediatest.NewSession("spotify.exe")
	mgr := mediatest.NewManager(old)
	reg := startRegistry(t, mgr)

	fresh := mediatest.NewSession("spotify.exe")
	mgr.SetSessions(fresh)
	mgr.FireSessionsChanged()
	flush(t, reg)

	var pings, playbacks int
	reg.Notifier().Metadata.Subscribe(func(media.AppID) { pings++ })
	reg.Notifier().Playback.Subscribe(func(media.PlaybackState) { playbacks++ })

	old.SetPlaybackInfo(media.PlaybackInfo{Status: media.StatusStopped})
	old.FireRevoked()
	flush(t, reg)

	if pings != 0 || playbacks != 0 {
		t.Errorf("Expected stale events dropped, got %d pings and %d playbacks", pings, playbacks)
	}
	if state, _ := reg.PlaybackState("spotify.exe"); state.Status != media.StatusPlaying {
		t.Errorf("Expected cache untouched, got %s", state.Status)
	}
}

func TestTeardownAll(t *testing.T) {
	spotify := mediatest.NewSession("spotify.exe")
	vlc := mediatest.NewSession("vlc.exe")
	mgr := mediatest.NewManager(spotify, vlc)
	reg := media.NewRegistry(mgr.Acquirer(), nil, nil)
	if err := reg.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if reg.Len() != 2 {
		t.Fatalf("Expected 2 sessions, got %d", reg.Len())
	}

	reg.TeardownAll()

	if reg.Len() != 0 {
		t.Errorf("Expected 0 sessions, got %d", reg.Len())
	}
	if mgr.Subscriptions() != 0 {
		t.Errorf("Expected manager subscription removed, got %d", mgr.Subscriptions())
	}
	if mgr.Closed() != 1 {
		t.Errorf("Expected manager closed once, got %d", mgr.Closed())
	}
	for _, s := range []*mediatest.Session{spotify, vlc} {
		c := s.Counts()
		if c.MetadataUnsubscribes != 1 || c.PlaybackUnsubscribes != 1 {
			t.Errorf("%s: expected both subscriptions removed, got %+v", s.AppID(), c)
		}
	}

	// idempotent, and late events are ignored
	reg.TeardownAll()
	spotify.FireRevoked()
	if mgr.Closed() != 1 {
		t.Errorf("Expected manager closed once, got %d", mgr.Closed())
	}
	if _, err := reg.Reconcile(context.Background(), nil); !errors.Is(err, media.ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestHandlerMayQueryRegistry(t *testing.T) {
	mgr := mediatest.NewManager()
	reg := startRegistry(t, mgr)

	var seen int
	reg.Notifier().Sessions.Subscribe(func(d media.SessionDelta) {
		for _, app := range d.Added {
			if _, err := reg.Get(app); err == nil {
				seen++
			}
		}
	})

	mgr.SetSessions(mediatest.NewSession("spotify.exe"), mediatest.NewSession("vlc.exe"))
	mgr.FireSessionsChanged()
	flush(t, reg)

	if seen != 2 {
		t.Errorf("Expected handler to see 2 committed sessions, got %d", seen)
	}
}
