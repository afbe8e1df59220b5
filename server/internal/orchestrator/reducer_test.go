package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mission-talk/server/internal/model"
)

func idleState() model.PlaybackState {
	return model.PlaybackState{Phase: model.PhaseIdle, ProgressTrend: model.TrendUnchanged}
}

func TestReduce_FullTurn(t *testing.T) {
	s := idleState()
	assert.Equal(t, "Begin your adventure...", s.Display())

	s = Reduce(s, Event{Type: EventSubmitted, TurnID: "t1", Text: "open the door"})
	require.Equal(t, model.PhaseAwaitingReply, s.Phase)
	assert.True(t, s.IsTyping)
	assert.Equal(t, "Me: open the door", s.Display())

	s = Reduce(s, Event{Type: EventReplyReceived, TurnID: "t1"})
	require.Equal(t, model.PhaseDecoding, s.Phase)
	assert.False(t, s.IsTyping)
	assert.Empty(t, s.Draft)

	s = Reduce(s, Event{Type: EventDecoded, TurnID: "t1", Speaker: "Captain Nova", Text: "Captain Nova: Go", Progress: 30})
	require.Equal(t, model.PhaseFetching, s.Phase)
	assert.Equal(t, 30, s.Progress)
	assert.Equal(t, model.TrendIncrease, s.ProgressTrend)

	s = Reduce(s, Event{Type: EventRevealStarted, TurnID: "t1", URL: "/audio/t1"})
	require.Equal(t, model.PhaseRevealing, s.Phase)
	assert.True(t, s.IsRevealing)
	assert.Equal(t, "/audio/t1", s.AudioURL)

	for i := 0; i < len("Captain Nova: Go"); i++ {
		s = Reduce(s, Event{Type: EventRevealTick, TurnID: "t1"})
	}
	assert.Equal(t, model.PhaseIdle, s.Phase)
	assert.False(t, s.IsRevealing)
	assert.Equal(t, "Captain Nova: Go", s.Display())
}

func TestReduce_IgnoresStaleTurnEvents(t *testing.T) {
	s := Reduce(idleState(), Event{Type: EventSubmitted, TurnID: "t2", Text: "hi"})

	stale := []Event{
		{Type: EventReplyReceived, TurnID: "t1"},
		{Type: EventReplyFailed, TurnID: "t1"},
		{Type: EventImageReady, TurnID: "t1", URL: "http://old.jpg"},
		{Type: EventRevealTick, TurnID: "t1"},
		{Type: EventRevealStarted, TurnID: "t1"},
	}
	for _, evt := range stale {
		assert.Equal(t, s, Reduce(s, evt), "event %s", evt.Type)
	}
}

func TestReduce_StoppedIsTerminal(t *testing.T) {
	s := Reduce(idleState(), Event{Type: EventSubmitted, TurnID: "t1", Text: "hi"})
	s = Reduce(s, Event{Type: EventStopped})

	require.True(t, s.Stopped)
	assert.Equal(t, model.PhaseStopped, s.Phase)
	assert.False(t, s.IsTyping)

	after := Reduce(s, Event{Type: EventReplyReceived, TurnID: "t1"})
	assert.Equal(t, s, after)
	after = Reduce(s, Event{Type: EventSubmitted, TurnID: "t3", Text: "again"})
	assert.Equal(t, s, after)
}

func TestReduce_DecodeFailedShowsRaw(t *testing.T) {
	s := Reduce(idleState(), Event{Type: EventSubmitted, TurnID: "t1", Text: "hi"})
	s = Reduce(s, Event{Type: EventReplyReceived, TurnID: "t1"})
	s = Reduce(s, Event{Type: EventDecodeFailed, TurnID: "t1", Text: "plain words"})

	assert.Equal(t, model.PhaseIdle, s.Phase)
	assert.Equal(t, "plain words", s.Display())
	assert.False(t, s.IsTyping)
	assert.False(t, s.IsRevealing)
}

func TestReduce_SpeechFailedRevealsAtOnce(t *testing.T) {
	s := Reduce(idleState(), Event{Type: EventSubmitted, TurnID: "t1", Text: "hi"})
	s = Reduce(s, Event{Type: EventReplyReceived, TurnID: "t1"})
	s = Reduce(s, Event{Type: EventDecoded, TurnID: "t1", Speaker: "Fairy Lumi", Text: "Fairy Lumi: Shh."})
	s = Reduce(s, Event{Type: EventSpeechFailed, TurnID: "t1"})

	assert.Equal(t, model.PhaseIdle, s.Phase)
	assert.Equal(t, "Fairy Lumi: Shh.", s.RevealedText)
}

func TestReduce_ProgressTrend(t *testing.T) {
	tests := []struct {
		name    string
		from    int
		to      int
		want    model.ProgressTrend
		wantVal int
	}{
		{name: "increase", from: 10, to: 40, want: model.TrendIncrease, wantVal: 40},
		{name: "decrease", from: 40, to: 20, want: model.TrendDecrease, wantVal: 20},
		{name: "same", from: 40, to: 40, want: model.TrendUnchanged, wantVal: 40},
		{name: "clamp high", from: 90, to: 180, want: model.TrendIncrease, wantVal: 100},
		{name: "clamp low", from: 5, to: -30, want: model.TrendDecrease, wantVal: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := idleState()
			s.Progress = tt.from
			s = Reduce(s, Event{Type: EventSubmitted, TurnID: "t", Text: "x"})
			s = Reduce(s, Event{Type: EventReplyReceived, TurnID: "t"})
			s = Reduce(s, Event{Type: EventDecoded, TurnID: "t", Text: "a", Progress: tt.to})
			assert.Equal(t, tt.want, s.ProgressTrend)
			assert.Equal(t, tt.wantVal, s.Progress)
		})
	}
}

func TestReduce_TrendDecayMatchesSeq(t *testing.T) {
	s := idleState()
	s.ProgressTrend = model.TrendIncrease
	s.TrendSeq = 2

	assert.Equal(t, model.TrendIncrease, Reduce(s, Event{Type: EventTrendDecayed, Seq: 1}).ProgressTrend)
	assert.Equal(t, model.TrendUnchanged, Reduce(s, Event{Type: EventTrendDecayed, Seq: 2}).ProgressTrend)
}

func TestNextReveal_CountsRunes(t *testing.T) {
	full := "Lumi: 你好"
	got := ""
	for i := 0; i < 8; i++ {
		got = nextReveal(got, full)
	}
	assert.Equal(t, full, got)
	assert.Equal(t, "Lumi: 你", nextReveal("Lumi: ", full))
}

func TestResolveProgress(t *testing.T) {
	withProgress := model.StructuredReply{ProgressDelta: 60, HasProgress: true}
	noProgress := model.StructuredReply{}

	assert.Equal(t, 60, resolveProgress(ProgressModel, 10, 20, withProgress))
	assert.Equal(t, 20, resolveProgress(ProgressModel, 10, 20, noProgress))
	assert.Equal(t, 30, resolveProgress(ProgressFixedStep, 10, 20, withProgress))
	assert.Equal(t, 100, resolveProgress(ProgressFixedStep, 10, 95, noProgress))
}
