package media

import "testing"

func TestChannelEmitOrder(t *testing.T) {
	n := NewNotifier(nil)

	var got []string
	n.Metadata.Subscribe(func(app AppID) { got = append(got, "a:"+string(app)) })
	n.Metadata.Subscribe(func(app AppID) { got = append(got, "b:"+string(app)) })

	n.Metadata.Emit("spotify.exe")

	if len(got) != 2 || got[0] != "a:spotify.exe" || got[1] != "b:spotify.exe" {
		t.Errorf("Expected handlers in registration order, got %v", got)
	}
}

func TestChannelPanickingHandler(t *testing.T) {
	n := NewNotifier(nil)

	called := false
	n.Sessions.Subscribe(func(SessionDelta) { panic("boom") })
	n.Sessions.Subscribe(func(SessionDelta) { called = true })

	n.Sessions.Emit(SessionDelta{})

	if !called {
		t.Error("Expected handler after a panicking one to run")
	}
}

func TestChannelUnsubscribeDuringEmit(t *testing.T) {
	n := NewNotifier(nil)

	calls := 0
	var second SubscriptionID
	n.Playback.Subscribe(func(PlaybackState) {
		calls++
		n.Playback.Unsubscribe(second)
	})
	second = n.Playback.Subscribe(func(PlaybackState) { calls++ })

	// the emit in progress still sees its snapshot
	n.Playback.Emit(PlaybackState{})
	if calls != 2 {
		t.Errorf("Expected 2 calls, got %d", calls)
	}

	n.Playback.Emit(PlaybackState{})
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
	if n.Playback.Len() != 1 {
		t.Errorf("Expected 1 subscriber, got %d", n.Playback.Len())
	}
}

func TestNotifierUnsubscribe(t *testing.T) {
	n := NewNotifier(nil)

	id := n.Playback.Subscribe(func(PlaybackState) {})
	if n.Unsubscribe("missing") {
		t.Error("Expected unknown id to fail")
	}
	if !n.Unsubscribe(id) {
		t.Error("Expected Unsubscribe to succeed")
	}
	if n.Playback.Len() != 0 {
		t.Errorf("Expected 0 subscribers, got %d", n.Playback.Len())
	}
}

func TestNoReplayForLateSubscribers(t *testing.T) {
	n := NewNotifier(nil)
	n.Sessions.Emit(SessionDelta{Added: []AppID{"vlc.exe"}})

	called := false
	n.Sessions.Subscribe(func(SessionDelta) { called = true })
	if called {
		t.Error("Expected no replay")
	}
}
