package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"bonus_ledger/internal/apperr"
	"bonus_ledger/internal/bonus"
	"bonus_ledger/internal/wagering"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	mu        sync.Mutex
	msgs      chan kafka.Message
	committed []int64
	closed    bool
}

func newFakeReader(values ...string) *fakeReader {
	r := &fakeReader{msgs: make(chan kafka.Message, len(values))}
	for i, v := range values {
		r.msgs <- kafka.Message{Offset: int64(i), Value: []byte(v)}
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func TestConsumerCommitsHandledAndRejectedMessages(t *testing.T) {
	reader := newFakeReader("ok", "bad", "flaky")
	var mu sync.Mutex
	attempts := map[string]int{}

	handler := func(_ context.Context, msg kafka.Message) error {
		mu.Lock()
		defer mu.Unlock()
		v := string(msg.Value)
		attempts[v]++
		switch {
		case v == "bad":
			return apperr.Validation("bad payload")
		case v == "flaky" && attempts[v] < 3:
			return fmt.Errorf("connection refused")
		}
		return nil
	}

	c := newConsumer("test", reader, handler, zerolog.Nop())
	c.Start(context.Background())

	assert.Eventually(t, func() bool { return len(reader.commits()) == 3 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, c.Stop())
	assert.True(t, reader.closed)

	assert.Equal(t, []int64{0, 1, 2}, reader.commits())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, attempts["bad"], "domain errors are not retried")
	assert.Equal(t, 3, attempts["flaky"])
}

func TestConsumerStopDoesNotCommitInFlightFailure(t *testing.T) {
	reader := newFakeReader("down")
	handler := func(context.Context, kafka.Message) error { return errors.New("database unavailable") }

	c := newConsumer("test", reader, handler, zerolog.Nop())
	c.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, c.Stop())

	assert.Empty(t, reader.commits())
}

func TestPermanent(t *testing.T) {
	assert.True(t, permanent(apperr.NotFound("player missing")))
	assert.True(t, permanent(apperr.InvalidState("completed")))
	assert.False(t, permanent(apperr.New(apperr.ErrConflict, "lost update")))
	assert.False(t, permanent(errors.New("i/o timeout")))
	assert.False(t, permanent(context.Canceled))

	starved := apperr.New(apperr.ErrInsufficientBalance, "bonus wallet too low")
	assert.True(t, permanent(errors.Join(starved, apperr.NotFound("gone"))))
	assert.False(t, permanent(errors.Join(starved, apperr.New(apperr.ErrConflict, "lost update"))),
		"a retry only redoes the instances that failed")
	assert.False(t, permanent(errors.Join(starved, errors.New("connection reset"))))
}

type fakeAccumulator struct {
	got []wagering.BetEvent
}

func (f *fakeAccumulator) ProcessBet(_ context.Context, bet wagering.BetEvent) (*wagering.Outcome, error) {
	f.got = append(f.got, bet)
	return &wagering.Outcome{BetID: bet.BetID}, nil
}

type fakeTriggers struct {
	got []bonus.TriggerEvent
}

func (f *fakeTriggers) ApplyTrigger(_ context.Context, ev bonus.TriggerEvent) ([]bonus.PlayerBonus, error) {
	f.got = append(f.got, ev)
	return []bonus.PlayerBonus{{PlayerBonusID: "b1"}}, nil
}

func TestBetHandlerDecodesSettlementEvents(t *testing.T) {
	acc := &fakeAccumulator{}
	h := BetHandler(acc, zerolog.Nop())

	err := h(context.Background(), kafka.Message{Value: []byte(`{
		"event_id": "bet-1",
		"player_id": "6f1c2a9e-3f1d-4a7b-9c1e-5d2f8b7a6c41",
		"game_id": "slots",
		"bet_amount": "12.50",
		"timestamp": "2026-05-01T10:00:00Z"
	}`)})
	require.NoError(t, err)
	require.Len(t, acc.got, 1)
	assert.Equal(t, "bet-1", acc.got[0].BetID)
	assert.True(t, acc.got[0].BetAmount.Equal(decimal.RequireFromString("12.5")))

	err = h(context.Background(), kafka.Message{Value: []byte(`{not json`)})
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	assert.True(t, permanent(err))
}

func TestDepositHandlerUsesDepositAsSource(t *testing.T) {
	triggers := &fakeTriggers{}
	h := DepositHandler(triggers, zerolog.Nop())

	err := h(context.Background(), kafka.Message{Value: []byte(`{"deposit_id":"d-9","player_id":"p","amount":100}`)})
	require.NoError(t, err)
	require.Len(t, triggers.got, 1)
	assert.Equal(t, "on_deposit", triggers.got[0].Trigger)
	assert.Equal(t, "deposit:d-9", triggers.got[0].SourceRef)
	assert.True(t, triggers.got[0].BaseAmount.Equal(decimal.NewFromInt(100)))

	err = h(context.Background(), kafka.Message{Value: []byte(`{"deposit_id":"d-10","player_id":"p","amount":"50","trigger":"recurring_reload"}`)})
	require.NoError(t, err)
	assert.Equal(t, "recurring_reload", triggers.got[1].Trigger)

	err = h(context.Background(), kafka.Message{Value: []byte(`{"player_id":"p","amount":"50"}`)})
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}
