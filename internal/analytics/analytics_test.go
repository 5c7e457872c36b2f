package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"collabengine/internal/backoff"
)

func TestCounters(t *testing.T) {
	c := NewCounters()
	ctx := context.Background()
	require.NoError(t, c.Record(ctx, Metric{Name: UpdatesBroadcast, Value: 1}))
	require.NoError(t, c.Record(ctx, Metric{Name: UpdatesBroadcast, Value: 2}))
	require.NoError(t, c.Record(ctx, Metric{Name: SendFailures, Value: 1}))

	assert.Equal(t, int64(3), c.Get(UpdatesBroadcast))
	assert.Equal(t, int64(0), c.Get(UpdatesMalformed))
	assert.Equal(t, []string{SendFailures, UpdatesBroadcast}, c.Names())
	assert.Equal(t, map[string]int64{UpdatesBroadcast: 3, SendFailures: 1}, c.Snapshot())
}

func TestConflictMetric(t *testing.T) {
	assert.Equal(t, "conflicts_delete-modified_reject", ConflictMetric("delete-modified", "reject"))
}

type flakySink struct {
	mu     sync.Mutex
	names  []string
	fail   bool
	panic  bool
	closed bool
}

func (f *flakySink) Record(_ context.Context, m Metric) error {
	if f.panic {
		panic("boom")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names = append(f.names, m.Name)
	if f.fail {
		return errors.New("sink down")
	}
	return nil
}

func (f *flakySink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *flakySink) got() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.names...)
}

func TestRecorderForwardsDespiteBrokenSinks(t *testing.T) {
	good := &flakySink{}
	failing := &flakySink{fail: true}
	panicking := &flakySink{panic: true}

	r := NewRecorder(zaptest.NewLogger(t), panicking, failing, good)
	r.Incr("s1", "p1", UpdatesBroadcast)
	r.Incr("s1", "p1", UpdatesReceived)
	require.NoError(t, r.Close())

	assert.Equal(t, []string{UpdatesBroadcast, UpdatesReceived}, good.got())
	assert.Equal(t, []string{UpdatesBroadcast, UpdatesReceived}, failing.got())
	assert.True(t, good.closed)
	assert.Equal(t, int64(1), r.Counters().Get(UpdatesReceived))

	// Emitting after Close still counts locally.
	r.Incr("s1", "p1", UpdatesReceived)
	assert.Equal(t, int64(2), r.Counters().Get(UpdatesReceived))
	require.NoError(t, r.Close())
}

func TestRecorderNilSafe(t *testing.T) {
	var r *Recorder
	r.Incr("s1", "p1", UpdatesBroadcast)
}

func TestKafkaSinkRetriesThenDelivers(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var m Metric
		if err := json.Unmarshal(val, &m); err != nil {
			return err
		}
		if m.Name != ReconnectAttempts || m.SessionID != "s1" {
			return errors.New("unexpected metric " + m.Name)
		}
		return nil
	})

	sink := NewKafkaSink(producer, "collab.analytics", KafkaOptions{
		QueueSize: 4,
		Workers:   1,
		MaxRetry:  2,
		Backoff:   backoff.Policy{Base: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2},
	}, zaptest.NewLogger(t))

	require.NoError(t, sink.Record(context.Background(), Metric{Name: ReconnectAttempts, SessionID: "s1", Value: 1}))
	require.NoError(t, sink.Close())

	assert.True(t, errors.Is(sink.Record(context.Background(), Metric{Name: "late"}), ErrSinkClosed))
}

func TestKafkaSinkDropsAfterMaxRetry(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer.ExpectSendMessageAndSucceed()

	sink := NewKafkaSink(producer, "collab.analytics", KafkaOptions{
		QueueSize: 4,
		Workers:   1,
		MaxRetry:  1,
		Backoff:   backoff.Policy{Base: time.Millisecond, Multiplier: 1},
	}, zaptest.NewLogger(t))

	// The first metric exhausts its two attempts; the second goes through.
	require.NoError(t, sink.Record(context.Background(), Metric{Name: "first"}))
	require.NoError(t, sink.Record(context.Background(), Metric{Name: "second"}))
	require.NoError(t, sink.Close())
}

func TestNATSSink(t *testing.T) {
	conn, err := net.DialTimeout("tcp", "127.0.0.1:4222", 200*time.Millisecond)
	if err != nil {
		t.Skip("NATS not available on 127.0.0.1:4222")
	}
	conn.Close()

	sink, err := NewNATSSink("nats://127.0.0.1:4222", zaptest.NewLogger(t))
	require.NoError(t, err)
	defer sink.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, sink.Record(ctx, Metric{Name: UpdatesBroadcast, SessionID: "s1", Value: 1}))
}
