package conversation

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serenvia/voicebridge/types"
)

// testClock is a hand-advanced clock for dedup-window tests.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newIdleMachine(opts ...Option) *Machine {
	return NewMachine(nil, append([]Option{WithCloseGrace(0)}, opts...)...)
}

// newActiveMachine drives a machine through connect, greeting playback,
// readiness and start, ending in ActiveIdle.
func newActiveMachine(t *testing.T, opts ...Option) *Machine {
	t.Helper()
	m := newIdleMachine(opts...)
	m.NoteConnecting()
	m.NoteReady()
	m.Apply(types.AgentResponse{ID: "g1", Text: "Hola, ¿cómo estás?", IsGreeting: true})
	m.Apply(types.SpeechStarted{ID: "g1"})
	m.UpdateReadiness(true)
	require.True(t, m.StartConversation("sess-1"))
	m.Apply(types.SpeechEnded{ID: "g1"})
	require.Equal(t, PhaseActiveIdle, m.Snapshot().Phase)
	return m
}

func TestLifecyclePhases(t *testing.T) {
	m := newIdleMachine()
	assert.Equal(t, PhaseIdle, m.Snapshot().Phase)

	m.NoteConnecting()
	assert.Equal(t, PhaseConnecting, m.Snapshot().Phase)

	m.NoteReady()
	assert.Equal(t, PhaseReadyNotStarted, m.Snapshot().Phase)

	// NoteConnecting is only valid from Idle.
	m.NoteConnecting()
	assert.Equal(t, PhaseReadyNotStarted, m.Snapshot().Phase)
}

func TestReadinessGatedOnGreetingPlayback(t *testing.T) {
	m := newIdleMachine()
	m.NoteConnecting()
	m.NoteReady()
	m.Apply(types.AgentResponse{ID: "g1", Text: "Hola", IsGreeting: true})

	// Greeting exists but playback has not begun: readiness stays false.
	m.UpdateReadiness(true)
	assert.False(t, m.Snapshot().IsReadyToStart)
	assert.False(t, m.StartConversation("sess-1"))

	m.Apply(types.SpeechStarted{ID: "g1"})
	snap := m.Snapshot()
	assert.True(t, snap.GreetingStarted)
	assert.True(t, snap.IsSpeaking())

	m.UpdateReadiness(true)
	assert.True(t, m.Snapshot().IsReadyToStart)
	assert.True(t, m.StartConversation("sess-1"))

	snap = m.Snapshot()
	assert.Equal(t, "sess-1", snap.ActiveSessionID)
	assert.False(t, snap.SessionStartTime.IsZero())
}

func TestStartConversationOnlyFromReady(t *testing.T) {
	m := newIdleMachine()
	assert.False(t, m.StartConversation("sess-1"))

	m = newActiveMachine(t)
	assert.False(t, m.StartConversation("sess-2"), "already active")
	assert.Equal(t, "sess-1", m.Snapshot().ActiveSessionID)
}

func TestAbortStartRevertsToReady(t *testing.T) {
	m := newActiveMachine(t)
	m.AbortStart()

	snap := m.Snapshot()
	assert.Equal(t, PhaseReadyNotStarted, snap.Phase)
	assert.Empty(t, snap.ActiveSessionID)
	assert.True(t, snap.SessionStartTime.IsZero())
}

func TestUserTranscriptAppendsAndEntersProcessing(t *testing.T) {
	m := newActiveMachine(t)
	require.True(t, m.StartListening(false))

	m.Apply(types.UserTranscript{Text: "tengo ansiedad"})

	snap := m.Snapshot()
	assert.Equal(t, PhaseActiveProcessing, snap.Phase)
	assert.False(t, snap.IsListening())
	assert.True(t, snap.IsThinking())
	require.Len(t, snap.Messages, 2) // greeting + transcript
	assert.True(t, snap.Messages[1].IsUser)
	assert.Equal(t, "tengo ansiedad", snap.Messages[1].Text)
}

func TestPreStartTranscriptIgnored(t *testing.T) {
	m := newIdleMachine()
	m.NoteConnecting()
	m.NoteReady()

	// A late or retransmitted transcript arriving before the conversation
	// starts must not drag the machine into an active phase.
	m.Apply(types.UserTranscript{Text: "hola temprano"})

	snap := m.Snapshot()
	assert.Equal(t, PhaseReadyNotStarted, snap.Phase)
	assert.False(t, snap.ConversationActive())
	assert.Empty(t, snap.Messages)

	// The session is still startable afterwards.
	m.Apply(types.AgentResponse{ID: "g1", Text: "Hola", IsGreeting: true})
	m.Apply(types.SpeechStarted{ID: "g1"})
	m.UpdateReadiness(true)
	assert.True(t, m.StartConversation("sess-1"))
}

func TestTranscriptClearsPushToTalkFlag(t *testing.T) {
	m := newActiveMachine(t)
	require.True(t, m.StartListening(true))
	require.True(t, m.Snapshot().IsPushToTalkActive)

	m.Apply(types.UserTranscript{Text: "tengo ansiedad"})

	snap := m.Snapshot()
	assert.Equal(t, PhaseActiveProcessing, snap.Phase)
	assert.False(t, snap.IsPushToTalkActive, "flag must not outlive the listening run")
}

func TestTextAndVoiceDuplicateCollapse(t *testing.T) {
	m := newActiveMachine(t)

	// User sends text; an identical voice transcript arrives 200ms later.
	require.True(t, m.SubmitText("tengo ansiedad"))
	m.Apply(types.UserTranscript{Text: "tengo ansiedad"})

	userCount := 0
	for _, msg := range m.Snapshot().Messages {
		if msg.IsUser && msg.Text == "tengo ansiedad" {
			userCount++
		}
	}
	assert.Equal(t, 1, userCount)
}

func TestAgentResponseUpsertByID(t *testing.T) {
	m := newActiveMachine(t)

	m.Apply(types.AgentResponse{ID: "ai-1", Text: "Respira"})
	m.Apply(types.AgentResponse{ID: "ai-1", Text: "Respira hondo y cuenta hasta diez."})

	var found []types.Message
	for _, msg := range m.Snapshot().Messages {
		if msg.ID == "ai-1" {
			found = append(found, msg)
		}
	}
	require.Len(t, found, 1)
	assert.Equal(t, "Respira hondo y cuenta hasta diez.", found[0].Text)
}

func TestGreetingNeverDuplicates(t *testing.T) {
	m := newIdleMachine()
	m.NoteConnecting()
	m.NoteReady()

	m.Apply(types.AgentResponse{ID: "g1", Text: "Hola", IsGreeting: true})
	m.Apply(types.AgentResponse{ID: "g2", Text: "Hola", IsGreeting: true})

	snap := m.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "g1", snap.Messages[0].ID)
	assert.Equal(t, "g1", snap.GreetingMessageID)
}

func TestAgentResponseRecencyWindow(t *testing.T) {
	clock := newTestClock()
	m := newActiveMachine(t, WithClock(clock.Now), WithDedupWindow(time.Second))

	m.Apply(types.AgentResponse{ID: "ai-1", Text: "Claro que sí."})

	// Retransmit inside the window with a different ID: dropped.
	clock.Advance(500 * time.Millisecond)
	m.Apply(types.AgentResponse{ID: "ai-1b", Text: "Claro que sí."})

	// Same text well outside the window: a legitimately distinct reply.
	clock.Advance(5 * time.Second)
	m.Apply(types.AgentResponse{ID: "ai-2", Text: "Claro que sí."})

	count := 0
	for _, msg := range m.Snapshot().Messages {
		if !msg.IsUser && msg.Text == "Claro que sí." {
			count++
		}
	}
	assert.Equal(t, 2, count)
}

func TestEmptyAgentResponseClearsThinkingOnly(t *testing.T) {
	m := newActiveMachine(t)
	require.True(t, m.SubmitText("hola"))
	require.Equal(t, PhaseActiveThinking, m.Snapshot().Phase)

	before := len(m.Snapshot().Messages)
	m.Apply(types.AgentResponse{ID: "ai-1", Text: "   "})

	snap := m.Snapshot()
	assert.Equal(t, PhaseActiveIdle, snap.Phase)
	assert.Len(t, snap.Messages, before)
}

func TestStaleSpeechEndedIgnored(t *testing.T) {
	m := newActiveMachine(t)
	m.Apply(types.AgentResponse{ID: "ai-1", Text: "Respira"})
	m.Apply(types.SpeechStarted{ID: "ai-1"})
	before := m.Snapshot()

	m.Apply(types.SpeechEnded{ID: "ai-OTHER"})

	after := m.Snapshot()
	assert.Equal(t, before.Phase, after.Phase)
	assert.Equal(t, before.CurrentSpeakingID, after.CurrentSpeakingID)
	assert.Equal(t, before.Messages, after.Messages)
}

func TestClosingSpeechEndedIsAtomic(t *testing.T) {
	m := newActiveMachine(t)

	var (
		hookMu   sync.Mutex
		reason   string
		redirect = true
		called   bool
	)
	m.SetCloseHook(func(r string, shouldRedirect bool) {
		hookMu.Lock()
		defer hookMu.Unlock()
		reason, redirect, called = r, shouldRedirect, true
	})

	m.Apply(types.AgentResponse{ID: "x", Text: "Hasta pronto."})
	m.Apply(types.SpeechStarted{ID: "x"})
	m.Apply(types.SpeechEnded{ID: "x", IsClosing: true})

	snap := m.Snapshot()
	assert.True(t, snap.IsSessionClosed())
	assert.False(t, snap.ConversationActive())
	assert.False(t, snap.IsListening())
	assert.False(t, snap.IsProcessing())
	assert.False(t, snap.IsReadyToStart)

	assert.Eventually(t, func() bool {
		hookMu.Lock()
		defer hookMu.Unlock()
		return called
	}, time.Second, 5*time.Millisecond)

	hookMu.Lock()
	defer hookMu.Unlock()
	assert.Equal(t, "agent_closing", reason)
	assert.False(t, redirect, "feedback step must run before any redirect")
}

func TestUnconditionalEndSignalCloses(t *testing.T) {
	m := newActiveMachine(t)
	m.Apply(types.AgentResponse{ID: "ai-1", Text: "Respira"})
	m.Apply(types.SpeechStarted{ID: "ai-1"})

	// Empty ID + IsClosing does not need to match the speaking message.
	m.Apply(types.SpeechEnded{IsClosing: true})

	assert.True(t, m.Snapshot().IsSessionClosed())
}

func TestClosedStateIsImmutable(t *testing.T) {
	m := newActiveMachine(t)
	require.True(t, m.EndConversation("user_request"))
	before := m.Snapshot()
	require.True(t, before.IsSessionClosed())

	m.Apply(types.UserTranscript{Text: "sigo aquí"})
	m.Apply(types.AgentResponse{ID: "ai-9", Text: "nuevo"})
	m.SubmitText("hola otra vez")
	m.StartListening(false)
	m.UpdateReadiness(true)

	after := m.Snapshot()
	assert.Equal(t, before.Messages, after.Messages)
	assert.Equal(t, PhaseClosed, after.Phase)
	assert.False(t, after.IsListening())
	assert.False(t, after.ConversationActive())
	assert.False(t, after.IsReadyToStart)
}

func TestEndConversationOnlyFromActive(t *testing.T) {
	m := newIdleMachine()
	assert.False(t, m.EndConversation("user_request"))
	assert.Equal(t, PhaseIdle, m.Snapshot().Phase)

	m = newActiveMachine(t)
	assert.True(t, m.EndConversation("inactivity_timeout"))
	assert.False(t, m.EndConversation("user_request"), "second end is a no-op")
}

func TestListeningRules(t *testing.T) {
	m := newActiveMachine(t)

	require.True(t, m.StartListening(true))
	snap := m.Snapshot()
	assert.True(t, snap.IsListening())
	assert.True(t, snap.IsPushToTalkActive)

	// Already listening: rejected.
	assert.False(t, m.StartListening(false))

	m.StopListening()
	snap = m.Snapshot()
	assert.False(t, snap.IsListening())
	assert.False(t, snap.IsPushToTalkActive)

	// Cannot listen while the agent is speaking.
	m.Apply(types.AgentResponse{ID: "ai-1", Text: "Respira"})
	m.Apply(types.SpeechStarted{ID: "ai-1"})
	assert.False(t, m.StartListening(false))
}

func TestClearPendingRecoversFromWatchdog(t *testing.T) {
	m := newActiveMachine(t)
	require.True(t, m.SubmitText("hola"))
	require.True(t, m.Snapshot().IsThinking())

	m.ClearPending()

	snap := m.Snapshot()
	assert.False(t, snap.IsThinking())
	assert.Equal(t, PhaseActiveIdle, snap.Phase)
	assert.False(t, snap.IsSessionClosed(), "watchdog must not end the session")
}

func TestResetReturnsToIdle(t *testing.T) {
	m := newActiveMachine(t)
	require.True(t, m.EndConversation("user_request"))

	m.Reset()

	snap := m.Snapshot()
	assert.Equal(t, PhaseIdle, snap.Phase)
	assert.Empty(t, snap.Messages)
	assert.Empty(t, snap.GreetingMessageID)
	assert.False(t, snap.GreetingStarted)
	assert.False(t, snap.IsReadyToStart)
}

func TestObserversReceiveSnapshots(t *testing.T) {
	m := newIdleMachine()

	var mu sync.Mutex
	var phases []Phase
	m.OnChange(func(s State) {
		mu.Lock()
		defer mu.Unlock()
		phases = append(phases, s.Phase)
	})

	m.NoteConnecting()
	m.NoteReady()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Phase{PhaseConnecting, PhaseReadyNotStarted}, phases)
}
