package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Aidin1998/marketbus/internal/marketdata/collector"
	"github.com/Aidin1998/marketbus/internal/marketdata/record"
)

var trade = record.MustSchema("Trade",
	record.Field{Name: "time", Kind: record.KindTime},
	record.Field{Name: "size", Kind: record.KindInt},
	record.Field{Name: "price", Kind: record.KindDecimal},
	record.Field{Name: "venue", Kind: record.KindString},
)

var scheme = record.MustScheme(trade)

func tradeEvent(t, size int64, price string, flags record.EventFlag) record.Event {
	e := trade.NewEvent("AAPL")
	e.SetTime(t)
	e.Set("size", size)
	e.Set("price", decimal.RequireFromString(price))
	e.Flags = flags
	return e
}

func newCollector(t *testing.T, cfg collector.Config) *collector.Collector {
	t.Helper()
	c, err := collector.New(scheme, collector.WithConfig(cfg), collector.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestJSONCodec(t *testing.T) {
	codec := NewJSONCodec(scheme)
	in := []record.Event{
		tradeEvent(5, 100, "187.25", record.SnapshotBegin|record.TxPending),
		tradeEvent(3, 7, "0.5", record.SnapshotEnd),
	}
	in[1].Set("venue", "XNAS")

	data, err := codec.Encode(in)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"price":"187.25"`)
	assert.NotContains(t, string(data[:strings.Index(string(data), "},")]), "venue")

	out, err := codec.Decode(data)
	require.NoError(t, err)
	require.Len(t, out, 2)
	for i := range in {
		assert.True(t, in[i].SameData(&out[i]), "event %d: %v != %v", i, in[i], out[i])
		assert.Equal(t, in[i].Flags, out[i].Flags)
		assert.Equal(t, "AAPL", out[i].Symbol)
	}

	t.Run("UnknownRecord", func(t *testing.T) {
		_, err := codec.Decode([]byte(`{"events":[{"record":"Quote","symbol":"X","fields":{}}]}`))
		assert.ErrorIs(t, err, ErrUnknownRecord)
	})
	t.Run("UnknownField", func(t *testing.T) {
		_, err := codec.Decode([]byte(`{"events":[{"record":"Trade","symbol":"X","fields":{"bid":1}}]}`))
		assert.ErrorIs(t, err, ErrUnknownField)
	})
	t.Run("BadDecimal", func(t *testing.T) {
		_, err := codec.Decode([]byte(`{"events":[{"record":"Trade","symbol":"X","fields":{"price":"abc"}}]}`))
		assert.Error(t, err)
	})
	t.Run("Malformed", func(t *testing.T) {
		_, err := codec.Decode([]byte(`{`))
		assert.Error(t, err)
	})
}

func TestMemoryBackend(t *testing.T) {
	b := NewMemoryBackend()
	ctx, cancel := context.WithCancel(context.Background())
	msgs, err := b.Subscribe(ctx, "trades")
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "trades", []byte("one")))
	require.NoError(t, b.Publish(context.Background(), "other", []byte("lost")))
	assert.Equal(t, []byte("one"), <-msgs)

	cancel()
	_, ok := <-msgs
	assert.False(t, ok, "subscription closes with its context")

	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Publish(context.Background(), "trades", nil), ErrBackendClosed)
	_, err = b.Subscribe(context.Background(), "trades")
	assert.ErrorIs(t, err, ErrBackendClosed)
}

type recordingDistributor struct {
	mu      sync.Mutex
	batches [][]record.Event
}

func (d *recordingDistributor) Distribute(events []record.Event) {
	d.mu.Lock()
	d.batches = append(d.batches, events)
	d.mu.Unlock()
}

func (d *recordingDistributor) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.batches)
}

func TestBridgeIngest(t *testing.T) {
	backend := NewMemoryBackend()
	bridge := NewBridge(NewJSONCodec(scheme), backend, zaptest.NewLogger(t))
	dst := &recordingDistributor{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bridge.Ingest(ctx, "in", dst) }()

	ev := tradeEvent(1, 10, "1.5", record.SnapshotBegin|record.SnapshotEnd)
	require.Eventually(t, func() bool {
		// Garbage is skipped rather than ending the ingest loop.
		_ = backend.Publish(ctx, "in", []byte("garbage"))
		_ = bridge.Publish(ctx, "in", []record.Event{ev})
		return dst.count() > 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	dst.mu.Lock()
	defer dst.mu.Unlock()
	require.Len(t, dst.batches[0], 1)
	assert.True(t, ev.SameData(&dst.batches[0][0]))
	assert.Equal(t, ev.Flags, dst.batches[0][0].Flags)
}

func TestBridgePump(t *testing.T) {
	c := newCollector(t, collector.Config{})
	agent, err := c.NewAgent()
	require.NoError(t, err)
	require.NoError(t, agent.AddSubscription(trade, "AAPL", 0))

	backend := NewMemoryBackend()
	codec := NewJSONCodec(scheme)
	bridge := NewBridge(codec, backend, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, err := backend.Subscribe(ctx, "out")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- bridge.Pump(ctx, "out", agent, 16) }()

	c.Distribute([]record.Event{tradeEvent(0, 3, "2", record.SnapshotBegin|record.SnapshotEnd)})

	select {
	case payload := <-msgs:
		events, err := codec.Decode(payload)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, int64(3), events[0].Int("size"))
		assert.True(t, events[0].Flags.Has(record.SnapshotBegin|record.SnapshotEnd))
	case <-time.After(2 * time.Second):
		t.Fatal("no batch published")
	}

	agent.RemoveSubscription(trade, "AAPL")
	select {
	case err := <-done:
		assert.NoError(t, err, "pump stops once nothing is subscribed")
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not stop")
	}
}

func TestRedisBackendUnreachable(t *testing.T) {
	client := NewRedisClient(RedisConfig{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	b := NewRedisBackend(client, zaptest.NewLogger(t))
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, b.Ping(ctx))
	err := b.Publish(ctx, "trades", []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trades")

	_, err = b.Subscribe(ctx, "trades")
	assert.Error(t, err)
}

func TestNewRedisClientModes(t *testing.T) {
	single := NewRedisClient(RedisConfig{Addr: "127.0.0.1:6379"})
	defer single.Close()
	assert.IsType(t, &redis.Client{}, single)

	cluster := NewRedisClient(RedisConfig{ClusterAddrs: []string{"127.0.0.1:7000", "127.0.0.1:7001"}})
	defer cluster.Close()
	assert.IsType(t, &redis.ClusterClient{}, cluster)

	sentinel := NewRedisClient(RedisConfig{MasterName: "mymaster", SentinelAddrs: []string{"127.0.0.1:26379"}})
	defer sentinel.Close()
	assert.IsType(t, &redis.Client{}, sentinel)
}

func TestKafkaBackendWriters(t *testing.T) {
	k := NewKafkaBackend(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}}, zaptest.NewLogger(t))
	w1, err := k.writer("trades")
	require.NoError(t, err)
	w2, err := k.writer("trades")
	require.NoError(t, err)
	assert.Same(t, w1, w2)
	assert.Equal(t, "trades", w1.Topic)
	assert.Equal(t, []string{"trades"}, k.Topics())

	require.NoError(t, k.Close())
	_, err = k.writer("trades")
	assert.ErrorIs(t, err, ErrBackendClosed)
	_, err = k.Subscribe(context.Background(), "trades")
	assert.ErrorIs(t, err, ErrBackendClosed)
}

func TestWebSocketHandler(t *testing.T) {
	c := newCollector(t, collector.Config{StoreEverything: true})
	c.Distribute([]record.Event{tradeEvent(0, 42, "10.01", record.SnapshotBegin|record.SnapshotEnd)})

	srv := trackedServer(t, NewWebSocketHandler(c, zaptest.NewLogger(t)))

	t.Run("BadRequest", func(t *testing.T) {
		for _, q := range []string{"?record=Nope&symbol=AAPL", "?record=Trade", "?record=Trade&symbol=AAPL&from=x"} {
			resp, err := http.Get(srv.URL + "/" + q)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
		}
	})

	t.Run("StreamsHistory", func(t *testing.T) {
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?record=Trade&symbol=AAPL"
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, payload, err := conn.ReadMessage()
		require.NoError(t, err)
		events, err := NewJSONCodec(scheme).Decode(payload)
		require.NoError(t, err)
		require.NotEmpty(t, events)
		assert.Equal(t, int64(42), events[0].Int("size"))
		assert.True(t, events[0].Flags.Has(record.SnapshotBegin))
		price, _ := events[0].Obj("price").(decimal.Decimal)
		assert.True(t, price.Equal(decimal.RequireFromString("10.01")))
	})
}

// trackedServer serves h and, when the test ends, waits for every handler
// call to return before closing the server.
func trackedServer(t *testing.T, h http.Handler) *httptest.Server {
	t.Helper()
	var wg sync.WaitGroup
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wg.Add(1)
		defer wg.Done()
		h.ServeHTTP(w, r)
	}))
	t.Cleanup(func() {
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("websocket handler did not return after the client closed")
		}
		srv.Close()
	})
	return srv
}
