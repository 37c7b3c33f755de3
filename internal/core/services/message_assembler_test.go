package services

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"agentstream/internal/core/domain"
)

func newTestAssembler() *MessageAssembler {
	a := NewMessageAssembler()
	n := 0
	a.newID = func() string {
		n++
		return fmt.Sprintf("msg-%d", n)
	}
	return a
}

func TestMessageAssembler_ContiguousTokens(t *testing.T) {
	a := newTestAssembler()
	a.AddUserMessage("hi")
	a.BeginAssistant()

	assert.True(t, a.AddPartial(domain.ChatToken{Sequence: 0, Content: "Hel"}))
	assert.True(t, a.AddPartial(domain.ChatToken{Sequence: 1, Content: "lo"}))

	msgs := a.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.RoleUser, msgs[0].Role)
	assert.Equal(t, "Hello", msgs[1].Content)
}

func TestMessageAssembler_GapHoldsTail(t *testing.T) {
	a := newTestAssembler()
	a.BeginAssistant()

	a.AddPartial(domain.ChatToken{Sequence: 0, Content: "A"})
	assert.False(t, a.AddPartial(domain.ChatToken{Sequence: 2, Content: "C"}))
	assert.Equal(t, "A", a.Content())

	assert.True(t, a.AddPartial(domain.ChatToken{Sequence: 1, Content: "B"}))
	assert.Equal(t, "ABC", a.Content())
}

func TestMessageAssembler_AnswerWins(t *testing.T) {
	t.Run("answer after partials", func(t *testing.T) {
		a := newTestAssembler()
		a.BeginAssistant()
		a.AddPartial(domain.ChatToken{Sequence: 0, Content: "draft"})
		a.SetAnswer("final")
		assert.Equal(t, "final", a.Messages()[0].Content)
	})

	t.Run("partials after answer", func(t *testing.T) {
		a := newTestAssembler()
		a.BeginAssistant()
		a.SetAnswer("final")
		assert.False(t, a.AddPartial(domain.ChatToken{Sequence: 0, Content: "draft"}))
		msgs := a.Messages()
		require.Len(t, msgs, 1)
		assert.Equal(t, "final", msgs[0].Content)
	})
}

func TestMessageAssembler_ResetMarksInFlightInterrupted(t *testing.T) {
	a := newTestAssembler()
	a.AddUserMessage("first")
	a.BeginAssistant()
	a.AddPartial(domain.ChatToken{Sequence: 0, Content: "partial"})

	a.AddUserMessage("second")

	msgs := a.Messages()
	require.Len(t, msgs, 3)
	assert.True(t, msgs[1].Interrupted)
	assert.Equal(t, "partial", msgs[1].Content)
	assert.Equal(t, "", a.Content())
}

func TestMessageAssembler_AnsweredTurnNotInterrupted(t *testing.T) {
	a := newTestAssembler()
	a.BeginAssistant()
	a.SetAnswer("done")
	assert.False(t, a.Reset())
	assert.False(t, a.Messages()[0].Interrupted)
}

func TestMessageAssembler_EvolvingReusesLastAssistant(t *testing.T) {
	a := newTestAssembler()
	a.AddPartial(domain.ChatToken{Sequence: 0, Content: "one"})
	a.Reset()
	a.AddPartial(domain.ChatToken{Sequence: 0, Content: "two"})

	msgs := a.Messages()
	require.Len(t, msgs, 2, "interrupted message is not reused")
	assert.True(t, msgs[0].Interrupted)
	assert.Equal(t, "two", msgs[1].Content)

	a.SetAnswer("two!")
	a.Reset()
	a.AddPartial(domain.ChatToken{Sequence: 0, Content: "three"})
	msgs = a.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "three", msgs[1].Content)
}

func TestMessageAssembler_TranscribedSwitchesToFreshTurns(t *testing.T) {
	a := newTestAssembler()
	a.BeginAssistant()
	a.AddPartial(domain.ChatToken{Sequence: 0, Content: "talking"})

	user := a.HandleTranscribed("what did you say")
	assert.Equal(t, ModeFreshPerTurn, a.Mode())
	assert.Equal(t, domain.RoleUser, user.Role)

	a.AddPartial(domain.ChatToken{Sequence: 0, Content: "reply"})
	a.SetAnswer("reply")
	a.Reset()
	a.AddPartial(domain.ChatToken{Sequence: 0, Content: "more"})

	msgs := a.Messages()
	require.Len(t, msgs, 4)
	assert.True(t, msgs[0].Interrupted)
	assert.Equal(t, "what did you say", msgs[1].Content)
	assert.Equal(t, "reply", msgs[2].Content)
	assert.Equal(t, "more", msgs[3].Content)
}

func TestMessageAssembler_RemoveRollsBackPair(t *testing.T) {
	a := newTestAssembler()
	a.AddUserMessage("kept")
	a.BeginAssistant()
	a.SetAnswer("kept answer")

	user := a.AddUserMessage("dropped")
	assistant := a.BeginAssistant()
	a.Remove(user.ID, assistant.ID)

	msgs := a.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "kept", msgs[0].Content)
	assert.Equal(t, "kept answer", msgs[1].Content)
	assert.False(t, a.HasAnswer())
}

func TestMessageAssembler_History(t *testing.T) {
	a := newTestAssembler()
	a.AddUserMessage("hi")
	a.BeginAssistant()

	history := a.History()
	require.Len(t, history, 1)
	assert.Equal(t, domain.RoleUser, history[0].Role)
}

func TestMessageAssembler_IgnoresNegativeSequence(t *testing.T) {
	a := newTestAssembler()
	assert.False(t, a.AddPartial(domain.ChatToken{Sequence: -1, Content: "x"}))
	assert.Empty(t, a.Messages())
}

func TestMessageAssembler_AnyArrivalOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		tokens := rapid.SliceOfN(rapid.StringMatching(`[a-z ]{1,4}`), 1, 20).Draw(t, "tokens")
		order := rapid.Permutation(indexes(len(tokens))).Draw(t, "order")

		a := newTestAssembler()
		a.BeginAssistant()
		seen := make(map[int]bool)
		for _, i := range order {
			a.AddPartial(domain.ChatToken{Sequence: i, Content: tokens[i]})
			seen[i] = true

			prefix := 0
			for seen[prefix] {
				prefix++
			}
			if want := strings.Join(tokens[:prefix], ""); a.Content() != want {
				t.Fatalf("content %q, want %q", a.Content(), want)
			}
		}

		if rapid.Bool().Draw(t, "answer") {
			a.SetAnswer("final")
			if a.Messages()[0].Content != "final" {
				t.Fatalf("answer did not win")
			}
		}
	})
}

func indexes(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
