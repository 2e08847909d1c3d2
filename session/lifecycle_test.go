package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serenvia/voicebridge/conversation"
	"github.com/serenvia/voicebridge/types"
)

type fakeBackend struct {
	mu    sync.Mutex
	calls int
	id    string
	err   error
}

func (f *fakeBackend) CreateSession(ctx context.Context, userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.id, nil
}

// readyMachine is a machine in ReadyNotStarted with readiness granted.
func readyMachine(t *testing.T) *conversation.Machine {
	t.Helper()
	m := conversation.NewMachine(nil, conversation.WithCloseGrace(0))
	m.NoteConnecting()
	m.NoteReady()
	m.Apply(types.AgentResponse{ID: "g1", Text: "Hola", IsGreeting: true})
	m.Apply(types.SpeechStarted{ID: "g1"})
	m.UpdateReadiness(true)
	return m
}

func profile() *types.UserProfile {
	return &types.UserProfile{ID: "user-77", Username: "ana"}
}

func TestStartConversation(t *testing.T) {
	machine := readyMachine(t)
	backend := &fakeBackend{id: "sess-42"}
	mgr := NewManager(machine, backend, Hooks{}, nil, nil)

	require.NoError(t, mgr.StartConversation(context.Background(), profile()))

	snap := machine.Snapshot()
	assert.True(t, snap.ConversationActive())
	assert.Equal(t, "sess-42", snap.ActiveSessionID)
	assert.False(t, snap.SessionStartTime.IsZero())
	assert.Equal(t, "user-77", snap.UserProfile.ID)
}

func TestStartRejectsUnauthenticated(t *testing.T) {
	machine := readyMachine(t)
	backend := &fakeBackend{id: "sess-42"}
	mgr := NewManager(machine, backend, Hooks{}, nil, nil)

	err := mgr.StartConversation(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.ErrKindBackend))
	assert.Zero(t, backend.calls)
}

func TestStartRejectsWhenNotReady(t *testing.T) {
	machine := conversation.NewMachine(nil, conversation.WithCloseGrace(0))
	backend := &fakeBackend{id: "sess-42"}
	mgr := NewManager(machine, backend, Hooks{}, nil, nil)

	err := mgr.StartConversation(context.Background(), profile())
	require.Error(t, err)
	assert.Zero(t, backend.calls)
}

func TestStartBackendFailureLeavesNoDanglingID(t *testing.T) {
	machine := readyMachine(t)
	backend := &fakeBackend{err: errors.New("db down")}
	mgr := NewManager(machine, backend, Hooks{}, nil, nil)

	err := mgr.StartConversation(context.Background(), profile())
	require.Error(t, err)
	assert.Equal(t, types.ErrSessionCreate, types.AsError(err).Code)

	snap := machine.Snapshot()
	assert.Equal(t, conversation.PhaseReadyNotStarted, snap.Phase)
	assert.Empty(t, snap.ActiveSessionID)
}

type endRecorder struct {
	mu           sync.Mutex
	captureStops int
	captureErr   error
	disconnects  int
	notices      []string
	feedbacks    []string
	redirects    int
}

func (r *endRecorder) hooks(withFeedback bool) Hooks {
	h := Hooks{
		StopCapture: func() error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.captureStops++
			return r.captureErr
		},
		DisconnectTransport: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.disconnects++
		},
		Notify: func(msg string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.notices = append(r.notices, msg)
		},
		Redirect: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.redirects++
		},
	}
	if withFeedback {
		h.Feedback = func(reason string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.feedbacks = append(r.feedbacks, reason)
		}
	}
	return h
}

func startedManager(t *testing.T, rec *endRecorder, withFeedback bool) (*Manager, *conversation.Machine) {
	t.Helper()
	machine := readyMachine(t)
	mgr := NewManager(machine, &fakeBackend{id: "sess-42"}, rec.hooks(withFeedback), nil, nil)
	require.NoError(t, mgr.StartConversation(context.Background(), profile()))
	return mgr, machine
}

func TestEndSessionRunsAllSteps(t *testing.T) {
	rec := &endRecorder{}
	mgr, machine := startedManager(t, rec, true)

	mgr.EndSession(context.Background(), true, "user_request", false)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 1, rec.captureStops)
	assert.Equal(t, 1, rec.disconnects)
	assert.Len(t, rec.notices, 1)
	assert.Equal(t, []string{"user_request"}, rec.feedbacks)
	assert.Zero(t, rec.redirects, "feedback step wins over redirect")
	assert.True(t, machine.Snapshot().IsSessionClosed())
}

func TestEndSessionIdempotent(t *testing.T) {
	rec := &endRecorder{}
	mgr, _ := startedManager(t, rec, true)

	mgr.EndSession(context.Background(), true, "user_request", false)
	mgr.EndSession(context.Background(), true, "user_request", false)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 1, rec.captureStops)
	assert.Equal(t, 1, rec.disconnects)
}

func TestEndSessionToleratesStepFailure(t *testing.T) {
	rec := &endRecorder{captureErr: errors.New("device wedged")}
	mgr, _ := startedManager(t, rec, true)

	mgr.EndSession(context.Background(), true, "inactivity_timeout", false)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 1, rec.captureStops)
	assert.Equal(t, 1, rec.disconnects, "capture failure must not stop the disconnect")
	assert.Len(t, rec.notices, 1)
	assert.Len(t, rec.feedbacks, 1)
}

func TestEndSessionRedirectFallback(t *testing.T) {
	rec := &endRecorder{}
	mgr, _ := startedManager(t, rec, false)

	mgr.EndSession(context.Background(), false, "user_request", true)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 1, rec.redirects)
	assert.Empty(t, rec.notices)
}

func TestAgentClosingSignalDrivesTeardown(t *testing.T) {
	rec := &endRecorder{}
	mgr, machine := startedManager(t, rec, true)

	machine.Apply(types.AgentResponse{ID: "bye", Text: "Hasta pronto."})
	machine.Apply(types.SpeechStarted{ID: "bye"})
	machine.Apply(types.SpeechEnded{ID: "bye", IsClosing: true})

	assert.Eventually(t, func() bool { return mgr.Ended() }, time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 1, rec.disconnects)
	assert.Equal(t, []string{"agent_closing"}, rec.feedbacks)
	assert.Zero(t, rec.redirects, "closing signal ends without redirect")
}

func TestResetReArmsEndSession(t *testing.T) {
	rec := &endRecorder{}
	mgr, machine := startedManager(t, rec, true)

	mgr.EndSession(context.Background(), false, "user_request", false)
	require.True(t, mgr.Ended())
	// Let the machine's deferred close hook land before resetting.
	time.Sleep(20 * time.Millisecond)

	mgr.Reset()
	assert.False(t, mgr.Ended())
	assert.Equal(t, conversation.PhaseIdle, machine.Snapshot().Phase)

	// Second conversation on the same manager: teardown runs again.
	machine.NoteConnecting()
	machine.NoteReady()
	machine.Apply(types.AgentResponse{ID: "g2", Text: "Hola otra vez", IsGreeting: true})
	machine.Apply(types.SpeechStarted{ID: "g2"})
	machine.UpdateReadiness(true)
	require.NoError(t, mgr.StartConversation(context.Background(), profile()))

	mgr.EndSession(context.Background(), false, "user_request", false)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 2, rec.captureStops)
	assert.Equal(t, 2, rec.disconnects)
}

func TestClientCreateSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"sess-9"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 0, nil)
	id, err := c.CreateSession(context.Background(), "user-77")
	require.NoError(t, err)
	assert.Equal(t, "sess-9", id)
}

func TestClientCreateSessionErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 0, nil)
	_, err := c.CreateSession(context.Background(), "user-77")
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.ErrKindBackend))
}
