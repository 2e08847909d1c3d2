package conversation

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/serenvia/voicebridge/types"
)

// Any sequence of AgentResponse events never produces two messages with the
// same ID.
func TestPropAgentResponseUpsertUnique(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		m := newActiveMachine(t)

		ids := rapid.SampledFrom([]string{"ai-1", "ai-2", "ai-3", "g1"})
		n := rapid.IntRange(1, 30).Draw(rt, "n")
		for i := 0; i < n; i++ {
			m.Apply(types.AgentResponse{
				ID:   ids.Draw(rt, "id"),
				Text: rapid.StringMatching(`[a-z]{1,12}`).Draw(rt, "text"),
			})
		}

		seen := make(map[string]int)
		for _, msg := range m.Snapshot().Messages {
			seen[msg.ID]++
		}
		for id, count := range seen {
			if count != 1 {
				rt.Fatalf("message id %q appears %d times", id, count)
			}
		}
	})
}

// A SpeechEnded whose ID does not match the current speaking message leaves
// the machine unchanged.
func TestPropStaleSpeechEndedIsNoOp(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		m := newActiveMachine(t)
		m.Apply(types.AgentResponse{ID: "ai-1", Text: "Respira"})
		m.Apply(types.SpeechStarted{ID: "ai-1"})
		before := m.Snapshot()

		stale := rapid.StringMatching(`[a-z0-9-]{1,16}`).
			Filter(func(s string) bool { return s != "ai-1" && s != "" }).
			Draw(rt, "stale_id")
		m.Apply(types.SpeechEnded{ID: stale})

		after := m.Snapshot()
		require.Equal(t, before.Phase, after.Phase)
		require.Equal(t, before.CurrentSpeakingID, after.CurrentSpeakingID)
		require.Equal(t, before.Messages, after.Messages)
	})
}

// Once closed, no dispatched event or intent mutates messages, listening, or
// the active flag.
func TestPropClosedStateImmutable(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		m := newActiveMachine(t)
		require.True(t, m.EndConversation("user_request"))
		before := m.Snapshot()

		n := rapid.IntRange(1, 20).Draw(rt, "n")
		for i := 0; i < n; i++ {
			switch rapid.IntRange(0, 5).Draw(rt, "op") {
			case 0:
				m.Apply(types.UserTranscript{Text: rapid.StringMatching(`[a-z ]{1,20}`).Draw(rt, "t")})
			case 1:
				m.Apply(types.AgentResponse{ID: "ai-x", Text: "hola"})
			case 2:
				m.Apply(types.SpeechStarted{ID: "ai-x"})
			case 3:
				m.SubmitText(rapid.StringMatching(`[a-z ]{1,20}`).Draw(rt, "s"))
			case 4:
				m.StartListening(rapid.Bool().Draw(rt, "ptt"))
			case 5:
				m.UpdateReadiness(true)
			}
		}

		after := m.Snapshot()
		require.Equal(t, PhaseClosed, after.Phase)
		require.Equal(t, before.Messages, after.Messages)
		require.False(t, after.IsListening())
		require.False(t, after.ConversationActive())
	})
}

// Readiness can only rise after greeting playback and falls permanently on
// close; only Reset re-arms it.
func TestPropReadinessMonotoneUntilReset(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		m := newIdleMachine()
		m.NoteConnecting()
		m.NoteReady()
		m.Apply(types.AgentResponse{ID: "g1", Text: "Hola", IsGreeting: true})

		// Arbitrary attempts before playback never succeed.
		attempts := rapid.IntRange(0, 5).Draw(rt, "attempts")
		for i := 0; i < attempts; i++ {
			m.UpdateReadiness(true)
			require.False(rt, m.Snapshot().IsReadyToStart)
		}

		m.Apply(types.SpeechStarted{ID: "g1"})
		m.UpdateReadiness(true)
		require.True(rt, m.Snapshot().IsReadyToStart)

		require.True(rt, m.StartConversation("sess-1"))
		require.True(rt, m.EndConversation("user_request"))
		m.UpdateReadiness(true)
		require.False(rt, m.Snapshot().IsReadyToStart)
	})
}
