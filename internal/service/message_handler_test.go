package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/message-dispatch/internal/channel"
	"github.com/kursadbilgin/message-dispatch/internal/domain"
	"github.com/kursadbilgin/message-dispatch/internal/queue"
	"github.com/kursadbilgin/message-dispatch/internal/queue/queuetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newTestMessageHandler(store *testStore, resolver ChannelResolver, q queue.Client, cfg MessageHandlerConfig, logger *zap.Logger) *MessageHandler {
	return NewMessageHandler(resolver, store.messages, store.attempts, q, cfg, logger)
}

func singleDelivery(t *testing.T, m *domain.Message) queue.Delivery {
	t.Helper()

	body, err := json.Marshal(queue.NewSendMessagePayload(m, m.CreatedAt))
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	return queue.Delivery{ID: "entry-1", Receipt: "receipt-1", Body: body}
}

// envelopeDelivery enqueues an envelope for messages on the batch queue of q
// and returns it dequeued, so its receipt is held in q.
func envelopeDelivery(t *testing.T, q *queuetest.Memory, messages []*domain.Message) queue.Delivery {
	t.Helper()

	first := messages[0]
	payload := queue.NewBatchSendPayload(first.BatchID, first.Channel, first.Content, messages)
	if _, err := q.Enqueue(context.Background(), queue.DefaultBatchQueue, payload); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	return nextDelivery(t, q, queue.DefaultBatchQueue)
}

func nextDelivery(t *testing.T, q *queuetest.Memory, queueName string) queue.Delivery {
	t.Helper()

	deliveries, err := q.Dequeue(context.Background(), queueName, 1, 0)
	if err != nil || len(deliveries) != 1 {
		t.Fatalf("Dequeue(%s) = %d entries, %v; want 1", queueName, len(deliveries), err)
	}
	return deliveries[0]
}

func TestMessageHandlerSingleOutcomes(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name       string
		result     channel.SendResult
		wantAck    bool
		wantStatus domain.MessageStatus
		wantBatch  domain.BatchStatus
		wantError  string
	}{
		{
			name:       "success resolves and acks",
			result:     channel.SendResult{Status: channel.StatusSuccess, MessageID: "p-1"},
			wantAck:    true,
			wantStatus: domain.MessageStatusSuccess,
			wantBatch:  domain.BatchStatusCompleted,
		},
		{
			name:       "permanent failure resolves and acks",
			result:     channel.SendResult{Status: channel.StatusFailed, StatusCode: 400, ErrorMessage: "bad recipient"},
			wantAck:    true,
			wantStatus: domain.MessageStatusFailed,
			wantBatch:  domain.BatchStatusFailed,
			wantError:  "bad recipient",
		},
		{
			name:       "rate limited is left for redelivery",
			result:     channel.SendResult{Status: channel.StatusRateLimited, ErrorMessage: "rate limit exceeded"},
			wantStatus: domain.MessageStatusSending,
			wantBatch:  domain.BatchStatusPending,
		},
		{
			name:       "pending is left for redelivery",
			result:     channel.SendResult{Status: channel.StatusPending, ErrorMessage: "timeout"},
			wantStatus: domain.MessageStatusSending,
			wantBatch:  domain.BatchStatusPending,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			store := newTestStore(t)
			b, messages := store.seed(t, domain.ChannelChat, 1, func(int) string { return "+905551112233" })
			ch := &fakeChannel{available: true, sendFn: func(context.Context, string, string) channel.SendResult { return tc.result }}
			h := newTestMessageHandler(store, resolverFor(ch), queuetest.NewMemory(), MessageHandlerConfig{}, nil)

			if got := h.Handle(context.Background(), queue.DefaultSendQueue, singleDelivery(t, messages[0])); got != tc.wantAck {
				t.Fatalf("Handle() = %v, want %v", got, tc.wantAck)
			}

			m := store.message(t, messages[0].ID)
			if m.Status != tc.wantStatus {
				t.Fatalf("message status = %s, want %s", m.Status, tc.wantStatus)
			}
			if tc.wantError != "" && (m.ErrorMessage == nil || *m.ErrorMessage != tc.wantError) {
				t.Fatalf("message error = %v, want %q", m.ErrorMessage, tc.wantError)
			}
			if tc.wantStatus == domain.MessageStatusSuccess && m.SentAt == nil {
				t.Fatal("successful message should have sent_at")
			}
			if m.ClaimedUntil != nil {
				t.Fatalf("claimed_until = %v, want released after the attempt", m.ClaimedUntil)
			}

			got := store.batch(t, b.BatchID)
			if !got.Reconciles() || got.Status != tc.wantBatch {
				t.Fatalf("batch = %+v, want status %s", got, tc.wantBatch)
			}

			attempts, err := store.attempts.ListByMessageID(context.Background(), messages[0].ID)
			if err != nil || len(attempts) != 1 {
				t.Fatalf("attempts = %d, err %v, want 1", len(attempts), err)
			}
			if attempts[0].Status != tc.result.Status.String() || attempts[0].AttemptNumber != 1 {
				t.Fatalf("attempt = %+v", attempts[0])
			}
		})
	}
}

func TestMessageHandlerRedeliveryAfterRetryable(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	b, messages := store.seed(t, domain.ChannelSMS, 1, func(int) string { return "+905551112233" })

	calls := 0
	ch := &fakeChannel{available: true, sendFn: func(context.Context, string, string) channel.SendResult {
		calls++
		if calls == 1 {
			return channel.SendResult{Status: channel.StatusPending, ErrorMessage: "upstream 503"}
		}
		return channel.SendResult{Status: channel.StatusSuccess, MessageID: "p-2"}
	}}
	h := newTestMessageHandler(store, resolverFor(ch), queuetest.NewMemory(), MessageHandlerConfig{}, nil)
	d := singleDelivery(t, messages[0])

	if h.Handle(context.Background(), queue.DefaultSendQueue, d) {
		t.Fatal("first delivery should not be acked")
	}
	if !h.Handle(context.Background(), queue.DefaultSendQueue, d) {
		t.Fatal("redelivery should be acked")
	}

	got := store.batch(t, b.BatchID)
	if got.SuccessCount != 1 || got.Status != domain.BatchStatusCompleted {
		t.Fatalf("batch = %+v, want completed", got)
	}
	attempts, _ := store.attempts.ListByMessageID(context.Background(), messages[0].ID)
	if len(attempts) != 2 || attempts[1].AttemptNumber != 2 {
		t.Fatalf("attempts = %+v, want two numbered attempts", attempts)
	}
}

func TestMessageHandlerUnavailableChannel(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	_, messages := store.seed(t, domain.ChannelChat, 1, func(int) string { return "u1" })
	ch := &fakeChannel{available: false}
	h := newTestMessageHandler(store, resolverFor(ch), queuetest.NewMemory(), MessageHandlerConfig{}, nil)

	if h.Handle(context.Background(), queue.DefaultSendQueue, singleDelivery(t, messages[0])) {
		t.Fatal("Handle() should leave the entry when the channel is unavailable")
	}
	if len(ch.sent()) != 0 {
		t.Fatal("unavailable channel should not be called")
	}
	if m := store.message(t, messages[0].ID); m.Status != domain.MessageStatusPending {
		t.Fatalf("message status = %s, want pending", m.Status)
	}
}

func TestMessageHandlerTerminalRedeliveryIsAcked(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	b, messages := store.seed(t, domain.ChannelChat, 1, func(int) string { return "u1" })
	if _, err := store.messages.FailUnresolved(context.Background(), b.BatchID, []int64{messages[0].ID}, "gone"); err != nil {
		t.Fatalf("FailUnresolved() error = %v", err)
	}

	ch := &fakeChannel{available: true}
	h := newTestMessageHandler(store, resolverFor(ch), queuetest.NewMemory(), MessageHandlerConfig{}, nil)

	if !h.Handle(context.Background(), queue.DefaultSendQueue, singleDelivery(t, messages[0])) {
		t.Fatal("Handle() should ack a redelivered terminal message")
	}
	if len(ch.sent()) != 0 {
		t.Fatal("terminal message should not be sent again")
	}
	if got := store.batch(t, b.BatchID); got.FailedCount != 1 || got.Version != 1 {
		t.Fatalf("batch = %+v, want unchanged", got)
	}
}

func TestMessageHandlerSimulationFallback(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	store := newTestStore(t)
	b, messages := store.seed(t, domain.ChannelEmail, 2, func(i int) string { return fmt.Sprintf("u%d@example.com", i) })
	resolver := &fakeResolver{channelFn: func(domain.ChannelType) (channel.Channel, error) {
		return nil, fmt.Errorf("%w: email", channel.ErrNotRegistered)
	}}
	h := newTestMessageHandler(store, resolver, queuetest.NewMemory(), MessageHandlerConfig{
		SimulateUnconfigured:    true,
		SimulatedSuccessPercent: 100,
	}, zap.New(core))

	for _, m := range messages {
		if !h.Handle(context.Background(), queue.DefaultSendQueue, singleDelivery(t, m)) {
			t.Fatalf("Handle(%d) should ack simulated success", m.ID)
		}
	}

	if got := store.batch(t, b.BatchID); got.SuccessCount != 2 || got.Status != domain.BatchStatusCompleted {
		t.Fatalf("batch = %+v, want completed", got)
	}
	if n := logs.FilterMessage("channel not configured, using simulated delivery").Len(); n != 1 {
		t.Fatalf("fallback warnings = %d, want 1", n)
	}
	if n := logs.FilterMessage("simulated delivery, nothing was sent").Len(); n != 2 {
		t.Fatalf("simulated delivery logs = %d, want 2", n)
	}

	attempts, _ := store.attempts.ListByMessageID(context.Background(), messages[0].ID)
	if len(attempts) != 1 || attempts[0].Channel != "simulated:email" {
		t.Fatalf("attempts = %+v, want one simulated attempt", attempts)
	}
}

func TestMessageHandlerSimulationDisabled(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	_, messages := store.seed(t, domain.ChannelEmail, 1, func(int) string { return "a@example.com" })
	resolver := &fakeResolver{channelFn: func(domain.ChannelType) (channel.Channel, error) {
		return nil, channel.ErrNotRegistered
	}}
	h := newTestMessageHandler(store, resolver, queuetest.NewMemory(), MessageHandlerConfig{}, nil)

	if h.Handle(context.Background(), queue.DefaultSendQueue, singleDelivery(t, messages[0])) {
		t.Fatal("Handle() should not ack when no channel is usable")
	}
	if m := store.message(t, messages[0].ID); m.Status != domain.MessageStatusPending {
		t.Fatalf("message status = %s, want pending", m.Status)
	}
}

func TestMessageHandlerBatchEnvelope(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	b, messages := store.seed(t, domain.ChannelChat, 6, func(i int) string { return fmt.Sprintf("u%d", i) })
	ch := &fakeChannel{available: true, sendFn: func(_ context.Context, _ string, recipient string) channel.SendResult {
		switch recipient {
		case "u1":
			return channel.SendResult{Status: channel.StatusFailed, ErrorMessage: "blocked"}
		case "u2":
			return channel.SendResult{Status: channel.StatusRateLimited, ErrorMessage: "rate limit exceeded"}
		}
		return channel.SendResult{Status: channel.StatusSuccess, MessageID: "p-" + recipient}
	}}
	q := queuetest.NewMemory()
	h := newTestMessageHandler(store, resolverFor(ch), q, MessageHandlerConfig{}, nil)

	if !h.Handle(context.Background(), queue.DefaultBatchQueue, envelopeDelivery(t, q, messages)) {
		t.Fatal("Handle() should ack an envelope whose recipients are all accounted for")
	}
	if n := q.Extended(); n != len(messages) {
		t.Fatalf("Extend calls = %d, want one per recipient (%d)", n, len(messages))
	}

	got := store.batch(t, b.BatchID)
	if got.SuccessCount != 4 || got.FailedCount != 1 || got.PendingCount != 1 || got.Status != domain.BatchStatusProcessing {
		t.Fatalf("batch = %+v", got)
	}

	bodies := q.Bodies(queue.DefaultSendQueue)
	if len(bodies) != 1 {
		t.Fatalf("requeued entries = %d, want 1", len(bodies))
	}
	requeued, err := queue.DecodeSendMessage(bodies[0])
	if err != nil {
		t.Fatalf("DecodeSendMessage() error = %v", err)
	}
	if requeued.MessageID != messages[2].ID || requeued.Recipient.ID != "u2" {
		t.Fatalf("requeued = %+v, want u2", requeued)
	}

	// The requeued single entry finishes the batch.
	ch.sendFn = nil
	if !h.Handle(context.Background(), queue.DefaultSendQueue, queue.Delivery{ID: "entry-2", Body: bodies[0]}) {
		t.Fatal("Handle() should ack the requeued recipient")
	}
	got = store.batch(t, b.BatchID)
	if got.SuccessCount != 5 || got.FailedCount != 1 || got.PendingCount != 0 || got.Status != domain.BatchStatusFailed {
		t.Fatalf("batch = %+v, want failed with five successes and one failure", got)
	}
}

func TestMessageHandlerBatchEnvelopeRedeliverySkipsTerminal(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	b, messages := store.seed(t, domain.ChannelChat, 6, func(i int) string { return fmt.Sprintf("u%d", i) })
	for _, m := range messages[:4] {
		if _, err := store.messages.MarkSending(context.Background(), m.ID, time.Minute); err != nil {
			t.Fatalf("MarkSending() error = %v", err)
		}
		if _, err := store.messages.Resolve(context.Background(), m.ID, domain.MessageStatusSuccess, "", m.CreatedAt); err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
	}

	ch := &fakeChannel{available: true}
	q := queuetest.NewMemory()
	h := newTestMessageHandler(store, resolverFor(ch), q, MessageHandlerConfig{}, nil)

	if !h.Handle(context.Background(), queue.DefaultBatchQueue, envelopeDelivery(t, q, messages)) {
		t.Fatal("Handle() should ack the redelivered envelope")
	}
	if sent := ch.sent(); len(sent) != 2 || sent[0] != "u4" || sent[1] != "u5" {
		t.Fatalf("sent = %v, want only the unresolved recipients", sent)
	}
	if got := store.batch(t, b.BatchID); got.SuccessCount != 6 || got.Status != domain.BatchStatusCompleted {
		t.Fatalf("batch = %+v, want completed", got)
	}
}

func TestMessageHandlerBatchEnvelopeRequeueFailure(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	_, messages := store.seed(t, domain.ChannelChat, 6, func(i int) string { return fmt.Sprintf("u%d", i) })
	ch := &fakeChannel{available: true, sendFn: func(context.Context, string, string) channel.SendResult {
		return channel.SendResult{Status: channel.StatusPending, ErrorMessage: "timeout"}
	}}
	q := queuetest.NewMemory()
	d := envelopeDelivery(t, q, messages)
	q.FailEnqueue = func(string, queue.Payload) error { return errors.New("broker unavailable") }
	h := newTestMessageHandler(store, resolverFor(ch), q, MessageHandlerConfig{}, nil)

	if h.Handle(context.Background(), queue.DefaultBatchQueue, d) {
		t.Fatal("Handle() should keep the envelope when retryable recipients cannot be requeued")
	}

	// Recipients left in sending are picked up again on redelivery.
	ch.sendFn = nil
	q.FailEnqueue = nil
	if !h.Handle(context.Background(), queue.DefaultBatchQueue, envelopeDelivery(t, q, messages)) {
		t.Fatal("redelivered envelope should complete")
	}
	if n := len(ch.sent()); n != 12 {
		t.Fatalf("send calls = %d, want 12", n)
	}
}

func TestMessageHandlerMalformedEntries(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	h := newTestMessageHandler(store, resolverFor(&fakeChannel{available: true}), queuetest.NewMemory(), MessageHandlerConfig{}, nil)

	bodies := []string{
		`not json`,
		`{"type":"unknown"}`,
		`{"type":"send_message","batch_id":"b"}`,
		`{"type":"batch_send","batch_id":"b","channel":"chat","recipients":[],"total_count":0}`,
	}
	for _, body := range bodies {
		if !h.Handle(context.Background(), queue.DefaultSendQueue, queue.Delivery{ID: "x", Body: []byte(body)}) {
			t.Fatalf("Handle(%s) should drop the malformed entry", body)
		}
	}
}

func TestMessageHandlerEnvelopeOutlivesVisibility(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	b, messages := store.seed(t, domain.ChannelChat, 8, func(i int) string { return fmt.Sprintf("u%d", i) })
	q := queuetest.NewMemory()
	d := envelopeDelivery(t, q, messages)

	chB := &fakeChannel{available: true}
	hB := newTestMessageHandler(store, resolverFor(chB), q, MessageHandlerConfig{}, nil)

	// The entry becomes visible again while A is still sending its first
	// recipient, and B picks it up before A finishes.
	var ackB bool
	chA := &fakeChannel{available: true}
	chA.sendFn = func(_ context.Context, _ string, recipient string) channel.SendResult {
		if recipient == "u0" {
			q.Expire()
			ackB = hB.Handle(context.Background(), queue.DefaultBatchQueue, nextDelivery(t, q, queue.DefaultBatchQueue))
		}
		return channel.SendResult{Status: channel.StatusSuccess, MessageID: "p-" + recipient}
	}
	hA := newTestMessageHandler(store, resolverFor(chA), q, MessageHandlerConfig{}, nil)

	if hA.Handle(context.Background(), queue.DefaultBatchQueue, d) {
		t.Fatal("A should not ack an entry it no longer holds")
	}
	if ackB {
		t.Fatal("B should not ack while A still holds u0")
	}

	if sent := chA.sent(); !slices.Equal(sent, []string{"u0"}) {
		t.Fatalf("A sent %v, want only u0", sent)
	}
	counts := make(map[string]int)
	for _, r := range append(chA.sent(), chB.sent()...) {
		counts[r]++
	}
	for i := range messages {
		if r := fmt.Sprintf("u%d", i); counts[r] != 1 {
			t.Fatalf("recipient %s sent %d times, want once (sends %v)", r, counts[r], counts)
		}
	}

	got := store.batch(t, b.BatchID)
	if got.SuccessCount != 8 || !got.Reconciles() || got.Status != domain.BatchStatusCompleted {
		t.Fatalf("batch = %+v, want completed once", got)
	}

	// The next redelivery finds nothing left to send.
	q.Expire()
	if !hB.Handle(context.Background(), queue.DefaultBatchQueue, nextDelivery(t, q, queue.DefaultBatchQueue)) {
		t.Fatal("settled envelope should be acked")
	}
	if n := len(chA.sent()) + len(chB.sent()); n != 8 {
		t.Fatalf("send calls = %d, want 8", n)
	}
}

func TestMessageHandlerSingleClaimedByOtherHandler(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	b, messages := store.seed(t, domain.ChannelSMS, 1, func(int) string { return "+905551112233" })
	d := singleDelivery(t, messages[0])

	chB := &fakeChannel{available: true}
	hB := newTestMessageHandler(store, resolverFor(chB), queuetest.NewMemory(), MessageHandlerConfig{}, nil)

	var ackB bool
	chA := &fakeChannel{available: true}
	chA.sendFn = func(context.Context, string, string) channel.SendResult {
		ackB = hB.Handle(context.Background(), queue.DefaultSendQueue, d)
		return channel.SendResult{Status: channel.StatusSuccess, MessageID: "p-1"}
	}
	hA := newTestMessageHandler(store, resolverFor(chA), queuetest.NewMemory(), MessageHandlerConfig{}, nil)

	if !hA.Handle(context.Background(), queue.DefaultSendQueue, d) {
		t.Fatal("A should ack after recording the outcome")
	}
	if ackB {
		t.Fatal("B should leave the entry while A holds the message")
	}
	if n := len(chB.sent()); n != 0 {
		t.Fatalf("B sent %d times, want 0", n)
	}

	// Once A resolved the message B acks its copy without sending.
	if !hB.Handle(context.Background(), queue.DefaultSendQueue, d) {
		t.Fatal("B should ack the resolved message")
	}
	if got := store.batch(t, b.BatchID); got.SuccessCount != 1 || got.Version != 1 {
		t.Fatalf("batch = %+v, want a single success", got)
	}
}

func TestMessageHandlerConcurrentSingleDeliveries(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	_, messages := store.seed(t, domain.ChannelSMS, 1, func(int) string { return "+905551112233" })
	d := singleDelivery(t, messages[0])

	ch := &fakeChannel{available: true, sendFn: func(context.Context, string, string) channel.SendResult {
		time.Sleep(50 * time.Millisecond)
		return channel.SendResult{Status: channel.StatusSuccess, MessageID: "p-1"}
	}}

	const handlers = 4
	var wg sync.WaitGroup
	start := make(chan struct{})
	for range handlers {
		h := newTestMessageHandler(store, resolverFor(ch), queuetest.NewMemory(), MessageHandlerConfig{}, nil)
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			h.Handle(context.Background(), queue.DefaultSendQueue, d)
		}()
	}
	close(start)
	wg.Wait()

	if n := len(ch.sent()); n != 1 {
		t.Fatalf("send calls = %d, want 1", n)
	}
	if m := store.message(t, messages[0].ID); m.Status != domain.MessageStatusSuccess {
		t.Fatalf("message status = %s, want success", m.Status)
	}
	attempts, _ := store.attempts.ListByMessageID(context.Background(), messages[0].ID)
	if len(attempts) != 1 {
		t.Fatalf("attempts = %d, want 1", len(attempts))
	}
}

func TestMessageHandlerEnvelopeBudgetSplitsRemainder(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	b, messages := store.seed(t, domain.ChannelChat, 6, func(i int) string { return fmt.Sprintf("u%d", i) })
	q := queuetest.NewMemory()
	d := envelopeDelivery(t, q, messages)

	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	ch := &fakeChannel{available: true}
	ch.sendFn = func(_ context.Context, _ string, recipient string) channel.SendResult {
		clock = clock.Add(30 * time.Second)
		return channel.SendResult{Status: channel.StatusSuccess, MessageID: "p-" + recipient}
	}
	h := newTestMessageHandler(store, resolverFor(ch), q, MessageHandlerConfig{EnvelopeBudget: time.Minute}, nil)
	h.now = func() time.Time { return clock }

	if !h.Handle(context.Background(), queue.DefaultBatchQueue, d) {
		t.Fatal("Handle() should ack once the remainder is enqueued")
	}
	if sent := ch.sent(); !slices.Equal(sent, []string{"u0", "u1"}) {
		t.Fatalf("sent = %v, want the recipients within budget", sent)
	}

	bodies := q.Bodies(queue.DefaultBatchQueue)
	if len(bodies) != 1 {
		t.Fatalf("remainder entries = %d, want 1", len(bodies))
	}
	rest, err := queue.DecodeBatchSend(bodies[0])
	if err != nil {
		t.Fatalf("DecodeBatchSend() error = %v", err)
	}
	if rest.TotalCount != 4 || rest.Recipients[0].MessageID != messages[2].ID || rest.BatchID != b.BatchID {
		t.Fatalf("remainder = %+v, want u2..u5", rest)
	}

	ch.sendFn = nil
	if !h.Handle(context.Background(), queue.DefaultBatchQueue, nextDelivery(t, q, queue.DefaultBatchQueue)) {
		t.Fatal("remainder envelope should be acked")
	}
	if got := store.batch(t, b.BatchID); got.SuccessCount != 6 || got.Status != domain.BatchStatusCompleted {
		t.Fatalf("batch = %+v, want completed", got)
	}
}
