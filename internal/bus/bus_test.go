package bus_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/internal/bus"
	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/pkg/models"
)

func newBus(t *testing.T, agents ...string) *bus.Bus {
	t.Helper()
	b := bus.New(bus.Config{QueueGrace: 10 * time.Millisecond})
	t.Cleanup(b.Close)
	for _, a := range agents {
		require.NoError(t, b.RegisterAgent(a, nil))
	}
	return b
}

func stageComplete(stage models.Stage) models.StageComplete {
	return models.StageComplete{Stage: stage, Agent: "A", Summary: "done"}
}

func TestSendRecordsInvalidRecipients(t *testing.T) {
	ctx := context.Background()
	b := newBus(t, "A", "B")

	msg := models.NewMessage("A", []string{"B", "ghost"}, "c1", stageComplete(models.StageBusinessAnalysis))
	ok, err := b.Send(ctx, msg)
	require.NoError(t, err)
	assert.True(t, ok)

	got, found := b.Message(msg.ID)
	require.True(t, found)
	assert.Equal(t, []string{"B"}, got.DeliveredTo)
	assert.Equal(t, []string{"ghost"}, got.FailedDeliveries)

	msgs, err := b.GetMessages(ctx, "B", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, msg.ID, msgs[0].ID)
	assert.Equal(t, stageComplete(models.StageBusinessAnalysis), msgs[0].Payload)
}

func TestSendNoValidRecipients(t *testing.T) {
	b := newBus(t, "A", "B")
	require.NoError(t, b.UnregisterAgent("B"))

	msg := models.NewMessage("A", []string{"B", "ghost"}, "", stageComplete(models.StagePublishing))
	ok, err := b.Send(context.Background(), msg)
	require.NoError(t, err)
	assert.False(t, ok)

	got, _ := b.Message(msg.ID)
	assert.Equal(t, []string{"B", "ghost"}, got.FailedDeliveries)
	assert.Empty(t, got.DeliveredTo)
}

func TestSendIgnoresCallerDeliveryFields(t *testing.T) {
	ctx := context.Background()
	b := newBus(t, "A", "B")

	msg := models.NewMessage("A", []string{"B"}, "c1", stageComplete(models.StageContentStrategy))
	msg.DeliveredTo = []string{"ghost"}
	msg.FailedDeliveries = []string{"B"}
	msg.ResponseReceived = true
	ok, err := b.Send(ctx, msg)
	require.NoError(t, err)
	require.True(t, ok)

	got, found := b.Message(msg.ID)
	require.True(t, found)
	assert.Equal(t, []string{"B"}, got.DeliveredTo)
	assert.Empty(t, got.FailedDeliveries)
	assert.False(t, got.ResponseReceived)
	assert.Empty(t, b.Responses(msg.ID))
}

func TestSendRejectsIDStillInHistory(t *testing.T) {
	ctx := context.Background()
	b := newBus(t, "C")

	bp := bus.NewParticipant(b, "B", nil)
	require.NoError(t, bp.Handle(models.MsgStageComplete, func(context.Context, *models.Message) (models.Payload, error) {
		return models.Acknowledgement{Accepted: true, Note: "from B"}, nil
	}))
	require.NoError(t, bp.Start(ctx))

	first := models.NewMessage("A", []string{"B"}, "c1", stageComplete(models.StageVisualGuidance))
	first.RequiresResponse = true
	first.DeliveryMode = models.DeliverySync
	_, err := b.Send(ctx, first)
	require.NoError(t, err)
	require.Len(t, b.Responses(first.ID), 1)

	second := models.NewMessage("A", []string{"C"}, "c1", stageComplete(models.StageVisualGuidance))
	second.ID = first.ID
	second.RequiresResponse = true
	ok, err := b.Send(ctx, second)
	assert.ErrorIs(t, err, bus.ErrInvalidMessage)
	assert.False(t, ok)

	got, _ := b.Message(first.ID)
	assert.Equal(t, []string{"B"}, got.Recipients)
	msgs, err := b.GetMessages(ctx, "C", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSendValidation(t *testing.T) {
	b := newBus(t, "A")
	mismatched := models.NewMessage("A", []string{"A"}, "", models.Acknowledgement{})
	mismatched.Type = models.MsgStageComplete
	negative := models.NewMessage("A", []string{"A"}, "", models.Acknowledgement{})
	negative.ResponseTimeout = -time.Second
	badMode := models.NewMessage("A", []string{"A"}, "", models.Acknowledgement{})
	badMode.DeliveryMode = "carrier-pigeon"

	tests := []struct {
		name string
		msg  *models.Message
	}{
		{"nil message", nil},
		{"nil payload", models.NewMessage("A", []string{"A"}, "", nil)},
		{"type mismatch", mismatched},
		{"no recipients", models.NewMessage("A", nil, "", models.Acknowledgement{})},
		{"negative timeout", negative},
		{"unknown mode", badMode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Send(context.Background(), tt.msg)
			assert.ErrorIs(t, err, bus.ErrInvalidMessage)
		})
	}
}

func TestRequestResponseEndToEnd(t *testing.T) {
	ctx := context.Background()
	b := newBus(t)

	a := bus.NewParticipant(b, "A", nil)
	bp := bus.NewParticipant(b, "B", map[string]string{"role": "strategist"})
	var seen models.Stage
	require.NoError(t, bp.Handle(models.MsgStageComplete, func(_ context.Context, m *models.Message) (models.Payload, error) {
		sc, ok := m.Payload.(models.StageComplete)
		if !ok {
			return nil, errors.New("unexpected payload")
		}
		seen = sc.Stage
		return models.Acknowledgement{Accepted: true, Note: "starting strategy"}, nil
	}))
	require.NoError(t, a.Start(ctx))
	require.NoError(t, bp.Start(ctx))

	msg := models.NewMessage("A", []string{"B"}, "c1", stageComplete(models.StageBusinessAnalysis))
	msg.RequiresResponse = true
	msg.ResponseTimeout = time.Second
	ok, err := b.Send(ctx, msg)
	require.NoError(t, err)
	require.True(t, ok)

	resp, err := b.WaitForResponse(ctx, msg.ID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "B", resp.Responder)
	assert.Equal(t, models.Acknowledgement{Accepted: true, Note: "starting strategy"}, resp.Payload)
	assert.Equal(t, models.StageBusinessAnalysis, seen)

	got, _ := b.Message(msg.ID)
	assert.True(t, got.ResponseReceived)
	assert.Equal(t, []string{"B"}, got.DeliveredTo)
}

func TestParticipantRequest(t *testing.T) {
	ctx := context.Background()
	b := newBus(t)

	a := bus.NewParticipant(b, "A", nil)
	reviewer := bus.NewParticipant(b, "reviewer", nil)
	require.NoError(t, reviewer.Handle(models.MsgGenerationComplete, func(_ context.Context, m *models.Message) (models.Payload, error) {
		return models.Acknowledgement{Accepted: true}, nil
	}))
	require.NoError(t, a.Start(ctx))
	require.NoError(t, reviewer.Start(ctx))

	resp, err := a.Request(ctx, "reviewer", "c1", models.GenerationComplete{JobID: "j1", AssetRef: "gs://x"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, models.Acknowledgement{Accepted: true}, resp.Payload)
}

func TestWaitForResponseTimeout(t *testing.T) {
	ctx := context.Background()
	b := newBus(t, "A", "B")

	msg := models.NewMessage("A", []string{"B"}, "", stageComplete(models.StageContentReview))
	msg.RequiresResponse = true
	_, err := b.Send(ctx, msg)
	require.NoError(t, err)

	start := time.Now()
	_, err = b.WaitForResponse(ctx, msg.ID, 20*time.Millisecond)
	assert.ErrorIs(t, err, bus.ErrResponseTimeout)
	assert.Less(t, time.Since(start), time.Second)

	_, err = b.WaitForResponse(ctx, msg.ID, -time.Second)
	assert.ErrorIs(t, err, bus.ErrInvalidTimeout)

	_, err = b.WaitForResponse(ctx, "no-such-id", time.Millisecond)
	assert.ErrorIs(t, err, bus.ErrUnknownMessage)
}

func TestRespondToPolledMessage(t *testing.T) {
	ctx := context.Background()
	b := newBus(t, "A", "B")

	msg := models.NewMessage("A", []string{"B"}, "", models.GenerationRequest{Kind: models.JobKindImage, Prompt: "p"})
	msg.RequiresResponse = true
	_, err := b.Send(ctx, msg)
	require.NoError(t, err)

	msgs, err := b.GetMessages(ctx, "B", time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NoError(t, b.Respond(msgs[0].ID, "B", models.Acknowledgement{Accepted: true}))

	resp, err := b.WaitForResponse(ctx, msg.ID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "B", resp.Responder)
}

func TestPullQueuePreservesSendOrder(t *testing.T) {
	ctx := context.Background()
	b := newBus(t, "A", "B")

	var ids []string
	for i := 0; i < 5; i++ {
		msg := models.NewMessage("A", []string{"B"}, "", models.ProgressUpdate{Progress: float64(i) / 5})
		_, err := b.Send(ctx, msg)
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}

	msgs, err := b.GetMessages(ctx, "B", time.Second)
	require.NoError(t, err)
	var got []string
	for _, m := range msgs {
		got = append(got, m.ID)
	}
	assert.Equal(t, ids, got)

	// queue is drained
	msgs, err = b.GetMessages(ctx, "B", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestGetMessagesBlocksForFirstMessage(t *testing.T) {
	ctx := context.Background()
	b := newBus(t, "A", "B")

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = b.Send(ctx, models.NewMessage("A", []string{"B"}, "", models.ContextUpdated{Version: 2}))
	}()

	msgs, err := b.GetMessages(ctx, "B", 2*time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.ContextUpdated{Version: 2}, msgs[0].Payload)
}

func TestGetMessagesErrors(t *testing.T) {
	b := newBus(t, "A")
	_, err := b.GetMessages(context.Background(), "A", -time.Second)
	assert.ErrorIs(t, err, bus.ErrInvalidTimeout)
	_, err = b.GetMessages(context.Background(), "nobody", 0)
	assert.ErrorIs(t, err, bus.ErrUnknownAgent)
}

func TestHandlerFailuresAreIsolated(t *testing.T) {
	ctx := context.Background()
	b := newBus(t, "A", "bad", "panicky", "good")

	require.NoError(t, b.RegisterHandler("bad", models.MsgStageComplete, func(context.Context, *models.Message) (models.Payload, error) {
		return nil, errors.New("boom")
	}))
	require.NoError(t, b.RegisterHandler("panicky", models.MsgStageComplete, func(context.Context, *models.Message) (models.Payload, error) {
		panic("kaboom")
	}))
	var calls atomic.Int32
	require.NoError(t, b.RegisterHandler("good", models.MsgStageComplete, func(context.Context, *models.Message) (models.Payload, error) {
		calls.Add(1)
		return nil, nil
	}))

	msg := models.NewMessage("A", []string{"bad", "panicky", "good"}, "", stageComplete(models.StageVisualGuidance))
	msg.DeliveryMode = models.DeliverySync
	ok, err := b.Send(ctx, msg)
	require.NoError(t, err)
	assert.True(t, ok)

	got, _ := b.Message(msg.ID)
	assert.Equal(t, []string{"good"}, got.DeliveredTo)
	assert.ElementsMatch(t, []string{"bad", "panicky"}, got.FailedDeliveries)
	assert.Equal(t, int32(1), calls.Load())
}

func TestLastHandlerRegistrationWins(t *testing.T) {
	ctx := context.Background()
	b := newBus(t, "A", "B")

	var which atomic.Value
	require.NoError(t, b.RegisterHandler("B", models.MsgContextUpdated, func(context.Context, *models.Message) (models.Payload, error) {
		which.Store("first")
		return nil, nil
	}))
	require.NoError(t, b.RegisterHandler("B", models.MsgContextUpdated, func(context.Context, *models.Message) (models.Payload, error) {
		which.Store("second")
		return nil, nil
	}))

	msg := models.NewMessage("A", []string{"B"}, "", models.ContextUpdated{Version: 3})
	msg.DeliveryMode = models.DeliverySync
	_, err := b.Send(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, "second", which.Load())
}

func TestBroadcastSkipsSenderAndInactive(t *testing.T) {
	ctx := context.Background()
	b := newBus(t, "A", "B", "C", "D")
	require.NoError(t, b.UnregisterAgent("D"))

	msg := models.NewMessage("A", nil, "c1", models.ErrorNotification{Code: "quota_exceeded", Message: "daily limit"})
	ok, err := b.Broadcast(ctx, msg)
	require.NoError(t, err)
	assert.True(t, ok)

	got, _ := b.Message(msg.ID)
	assert.Equal(t, []string{"B", "C"}, got.Recipients)
	assert.Equal(t, models.DeliveryBroadcast, got.DeliveryMode)

	for _, agent := range []string{"B", "C"} {
		msgs, err := b.GetMessages(ctx, agent, 0)
		require.NoError(t, err)
		assert.Len(t, msgs, 1, agent)
	}
}

func TestAsyncDeliveryCompletesBeforeClose(t *testing.T) {
	ctx := context.Background()
	b := bus.New(bus.Config{})
	require.NoError(t, b.RegisterAgent("A", nil))
	require.NoError(t, b.RegisterAgent("B", nil))

	var delivered atomic.Bool
	require.NoError(t, b.RegisterHandler("B", models.MsgProgressUpdate, func(context.Context, *models.Message) (models.Payload, error) {
		time.Sleep(20 * time.Millisecond)
		delivered.Store(true)
		return nil, nil
	}))

	_, err := b.Send(ctx, models.NewMessage("A", []string{"B"}, "", models.ProgressUpdate{Progress: 0.5}))
	require.NoError(t, err)
	b.Close()
	assert.True(t, delivered.Load())

	_, err = b.Send(ctx, models.NewMessage("A", []string{"B"}, "", models.ProgressUpdate{Progress: 0.6}))
	assert.ErrorIs(t, err, bus.ErrClosed)
}

func TestHistoryRingAndFilter(t *testing.T) {
	ctx := context.Background()
	b := bus.New(bus.Config{HistorySize: 3})
	t.Cleanup(b.Close)
	require.NoError(t, b.RegisterAgent("A", nil))
	require.NoError(t, b.RegisterAgent("B", nil))

	var first *models.Message
	for i := 0; i < 5; i++ {
		campaign := "c1"
		if i%2 == 1 {
			campaign = "c2"
		}
		msg := models.NewMessage("A", []string{"B"}, campaign, models.ContextUpdated{Version: int64(i)})
		if i == 0 {
			first = msg
		}
		_, err := b.Send(ctx, msg)
		require.NoError(t, err)
	}

	all := b.History(bus.HistoryFilter{})
	require.Len(t, all, 3)
	assert.Equal(t, models.ContextUpdated{Version: 2}, all[0].Payload)
	assert.Equal(t, models.ContextUpdated{Version: 4}, all[2].Payload)

	_, found := b.Message(first.ID)
	assert.False(t, found, "evicted message must leave the index")

	c1 := b.History(bus.HistoryFilter{CampaignID: "c1"})
	require.Len(t, c1, 2)

	last := b.History(bus.HistoryFilter{CampaignID: "c1", Limit: 1})
	require.Len(t, last, 1)
	assert.Equal(t, models.ContextUpdated{Version: 4}, last[0].Payload)

	none := b.History(bus.HistoryFilter{Type: models.MsgStageComplete})
	assert.Empty(t, none)
}

func TestUnregisterKeepsHistory(t *testing.T) {
	ctx := context.Background()
	b := newBus(t, "A", "B")
	msg := models.NewMessage("A", []string{"B"}, "", stageComplete(models.StageContentStrategy))
	_, err := b.Send(ctx, msg)
	require.NoError(t, err)

	require.NoError(t, b.UnregisterAgent("B"))
	info, ok := b.Agent("B")
	require.True(t, ok)
	assert.False(t, info.Active)
	assert.Len(t, b.History(bus.HistoryFilter{}), 1)
	assert.Len(t, b.ListAgents(true), 1)
	assert.Len(t, b.ListAgents(false), 2)

	// re-registering restores the queued message
	require.NoError(t, b.RegisterAgent("B", nil))
	msgs, err := b.GetMessages(ctx, "B", 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestParticipantLifecycle(t *testing.T) {
	ctx := context.Background()
	b := newBus(t, "A")

	p := bus.NewParticipant(b, "B", nil)
	_, ok := b.Agent("B")
	assert.False(t, ok, "construction must not register")

	require.NoError(t, p.Start(ctx))
	info, ok := b.Agent("B")
	require.True(t, ok)
	assert.True(t, info.Active)

	require.NoError(t, p.Stop())
	ok, err := b.Send(ctx, models.NewMessage("A", []string{"B"}, "", stageComplete(models.StagePublishing)))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSubscribeSeesNewMessages(t *testing.T) {
	ctx := context.Background()
	b := newBus(t, "A", "B")
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	msg := models.NewMessage("A", []string{"B"}, "c9", models.ContextUpdated{Version: 7})
	_, err := b.Send(ctx, msg)
	require.NoError(t, err)

	select {
	case got := <-ch:
		assert.Equal(t, msg.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("subscriber received nothing")
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	b := newBus(t, "A", "B")
	_, err := b.Send(ctx, models.NewMessage("A", []string{"B", "ghost"}, "", models.ContextUpdated{Version: 1}))
	require.NoError(t, err)

	st := b.Stats()
	assert.Equal(t, 2, st.Agents)
	assert.Equal(t, 2, st.ActiveAgents)
	assert.Equal(t, int64(1), st.Sent)
	assert.Equal(t, int64(1), st.Delivered)
	assert.Equal(t, int64(1), st.FailedDeliveries)
	assert.Equal(t, 1, st.QueuedMessages)
}
