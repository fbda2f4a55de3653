package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validProduct = `{
	"id": {"source": "us", "type": "origin", "code": "us1234", "update_time": "2024-01-02T03:04:05.678901Z"},
	"status": "UPDATE",
	"properties": {"eventsource": "us", "eventsourcecode": "1234"}
}`

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type fakeReader struct {
	mu        sync.Mutex
	messages  chan kafka.Message
	committed []int64
	closed    bool
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	r := &fakeReader{messages: make(chan kafka.Message, len(msgs))}
	for _, m := range msgs {
		r.messages <- m
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.messages:
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
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func TestIncomingMessage_ParseProduct(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{name: "valid", value: validProduct},
		{name: "not json", value: "{", wantErr: true},
		{name: "missing status", value: `{"id": {"source": "us", "type": "origin", "code": "c", "update_time": "2024-01-02T03:04:05Z"}}`, wantErr: true},
		{name: "missing source", value: `{"id": {"type": "origin", "code": "c", "update_time": "2024-01-02T03:04:05Z"}, "status": "UPDATE"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &IncomingMessage{Value: []byte(tt.value)}
			err := msg.ParseProduct()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidMessage)
				assert.Nil(t, msg.Product)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "us1234", msg.Product.ID.Code)
			// millisecond precision
			assert.Equal(t, 678*time.Millisecond, time.Duration(msg.Product.ID.UpdateTime.Nanosecond()))
		})
	}
}

func TestIncomingMessage_Force(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"true", true},
		{"1", true},
		{"false", false},
		{"", false},
		{"yes", false},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			msg := &IncomingMessage{Headers: map[string]string{ForceHeader: tt.value}}
			assert.Equal(t, tt.want, msg.Force())
		})
	}
}

func TestConsumer_processMessage(t *testing.T) {
	errBoom := errors.New("boom")

	tests := []struct {
		name       string
		value      string
		headers    []kafka.Header
		handlerErr error
		wantCalls  int
		wantCommit bool
		wantForce  bool
	}{
		{name: "success commits", value: validProduct, wantCalls: 1, wantCommit: true},
		{name: "force header", value: validProduct, headers: []kafka.Header{{Key: ForceHeader, Value: []byte("true")}}, wantCalls: 1, wantCommit: true, wantForce: true},
		{name: "invalid json committed without handling", value: "nope", wantCalls: 0, wantCommit: true},
		{name: "handler failure retried and left uncommitted", value: validProduct, handlerErr: errBoom, wantCalls: 2},
		{name: "handler rejects message", value: validProduct, handlerErr: ErrInvalidMessage, wantCalls: 1, wantCommit: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := newFakeReader()
			calls := 0
			force := false
			c := newConsumer(reader, ConsumerConfig{Topic: "products", MaxAttempts: 2, RetryBackoff: time.Millisecond}, testLogger(),
				func(_ context.Context, msg *IncomingMessage) error {
					calls++
					force = msg.Force()
					return tt.handlerErr
				})

			c.processMessage(context.Background(), kafka.Message{Topic: "products", Offset: 7, Value: []byte(tt.value), Headers: tt.headers})

			assert.Equal(t, tt.wantCalls, calls)
			assert.Equal(t, tt.wantForce, force)
			if tt.wantCommit {
				assert.Equal(t, []int64{7}, reader.commits())
			} else {
				assert.Empty(t, reader.commits())
			}
		})
	}
}

func TestConsumer_StartStop(t *testing.T) {
	reader := newFakeReader(
		kafka.Message{Offset: 1, Value: []byte(validProduct)},
		kafka.Message{Offset: 2, Value: []byte(validProduct)},
	)
	var mu sync.Mutex
	var seen []string
	c := newConsumer(reader, ConsumerConfig{Topic: "products"}, testLogger(), func(_ context.Context, msg *IncomingMessage) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, msg.Product.ID.String())
		return nil
	})

	require.NoError(t, c.Start(context.Background()))
	assert.Eventually(t, func() bool { return len(reader.commits()) == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Stop())

	assert.True(t, reader.closed)
	mu.Lock()
	assert.Len(t, seen, 2)
	mu.Unlock()
}

type fakeWriter struct {
	messages []kafka.Message
	err      error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestProducer_Publish(t *testing.T) {
	t.Run("writes key value and repeated headers", func(t *testing.T) {
		writer := &fakeWriter{}
		p := newProducer(writer, "changes", testLogger())

		err := p.Publish(context.Background(), "us1234", []byte(`{}`),
			Header{Key: ChangeTypeHeader, Value: "EVENT_UPDATED"},
			Header{Key: ChangeTypeHeader, Value: "EVENT_SPLIT"},
		)
		require.NoError(t, err)
		require.Len(t, writer.messages, 1)

		msg := writer.messages[0]
		assert.Equal(t, "us1234", string(msg.Key))
		require.Len(t, msg.Headers, 2)
		assert.Equal(t, "EVENT_SPLIT", string(msg.Headers[1].Value))
	})

	t.Run("returns write errors", func(t *testing.T) {
		errDown := errors.New("broker down")
		p := newProducer(&fakeWriter{err: errDown}, "changes", testLogger())
		assert.ErrorIs(t, p.Publish(context.Background(), "k", nil), errDown)
	})
}
