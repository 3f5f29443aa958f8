package sessionmgr_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/wingmux/internal/command"
	"github.com/ehrlich-b/wingmux/internal/sessionmgr"
)

func createTestSession(t *testing.T, m *sessionmgr.Manager) string {
	t.Helper()
	data, err := m.Dispatch(context.Background(), &command.Envelope{Type: "create_session"})
	require.NoError(t, err)
	return data.(map[string]any)["sessionId"].(string)
}

func promptSession(t *testing.T, m *sessionmgr.Manager, sessionID, message string) {
	t.Helper()
	env := &command.Envelope{}
	require.NoError(t, env.UnmarshalJSON([]byte(`{"type":"prompt","sessionId":"`+sessionID+`","message":"`+message+`"}`)))
	_, err := m.Dispatch(context.Background(), env)
	require.NoError(t, err)
}

func TestSubscribeReceivesEventsForWatchedSession(t *testing.T) {
	m := newManager(t)
	sessionID := createTestSession(t, m)

	ch := m.Subscribe("client1", []string{sessionID})
	promptSession(t, m, sessionID, "hello")

	select {
	case ev := <-ch:
		assert.Equal(t, sessionID, ev.SessionID)
		assert.Equal(t, "message", ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected an event within the timeout")
	}
}

func TestSubscribeIgnoresEventsForUnwatchedSession(t *testing.T) {
	m := newManager(t)
	watched := createTestSession(t, m)
	other := createTestSession(t, m)

	ch := m.Subscribe("client1", []string{watched})
	promptSession(t, m, other, "hi")

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event for unwatched session: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWatchAddsSessionToExistingSubscription(t *testing.T) {
	m := newManager(t)
	sessionID := createTestSession(t, m)

	ch := m.Subscribe("client1", nil)
	m.Watch("client1", sessionID)
	promptSession(t, m, sessionID, "hi")

	select {
	case ev := <-ch:
		assert.Equal(t, sessionID, ev.SessionID)
	case <-time.After(time.Second):
		t.Fatal("expected an event after Watch")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	m := newManager(t)
	ch := m.Subscribe("client1", nil)
	m.Unsubscribe("client1")

	_, open := <-ch
	assert.False(t, open)
}

func TestDeleteSessionScrubsSubscriptionWithoutClosingSubscriber(t *testing.T) {
	m := newManager(t)
	sessionID := createTestSession(t, m)
	otherSession := createTestSession(t, m)

	ch := m.Subscribe("client1", []string{sessionID, otherSession})
	_, err := m.Dispatch(context.Background(), &command.Envelope{Type: "delete_session", SessionID: sessionID})
	require.NoError(t, err)

	promptSession(t, m, otherSession, "still watching")
	select {
	case ev := <-ch:
		assert.Equal(t, otherSession, ev.SessionID, "subscriber must still receive events for the session it wasn't scrubbed from")
	case <-time.After(time.Second):
		t.Fatal("expected an event for the surviving session")
	}
}

func TestBroadcastDropsEventForFullSubscriberChannelWithoutBlocking(t *testing.T) {
	m := newManager(t)
	sessionID := createTestSession(t, m)
	m.Subscribe("slow-client", []string{sessionID})

	env := &command.Envelope{}
	require.NoError(t, env.UnmarshalJSON([]byte(`{"type":"prompt","sessionId":"`+sessionID+`","message":"spam"}`)))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			m.Dispatch(context.Background(), env)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("broadcast must not block when a subscriber's channel is full")
	}
}
