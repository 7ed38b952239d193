package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Aidin1998/marketbus/internal/marketdata/collector"
	"github.com/Aidin1998/marketbus/internal/marketdata/instrument"
	"github.com/Aidin1998/marketbus/internal/marketdata/record"
	"github.com/Aidin1998/marketbus/internal/marketdata/transport"
)

func newTestServer(t *testing.T) (*Server, *collector.Collector) {
	t.Helper()
	reg := prometheus.NewRegistry()
	c, err := collector.New(record.DefaultScheme(),
		collector.WithConfig(collector.Config{Name: "test", StoreEverything: true}),
		collector.WithLogger(zaptest.NewLogger(t)),
		collector.WithRegisterer(reg))
	require.NoError(t, err)
	t.Cleanup(c.Close)

	instruments := instrument.NewMemoryProvider(
		instrument.Profile{Symbol: "AAPL", Exchange: "Q", TickSize: decimal.RequireFromString("0.01")},
		instrument.Profile{Symbol: "AMZN", Exchange: "Q"},
		instrument.Profile{Symbol: "IBM", Exchange: "N"},
	)
	return NewServer(zaptest.NewLogger(t), c, instruments, reg), c
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func trade(c *collector.Collector, t int64, price string, flags record.EventFlag) record.Event {
	schema, _ := c.Scheme().Lookup("Trade")
	e := schema.NewEvent("AAPL")
	e.SetTime(t)
	e.Set("price", decimal.RequireFromString(price))
	e.Flags = flags
	return e
}

func TestHealthAndStats(t *testing.T) {
	s, c := newTestServer(t)
	c.Distribute([]record.Event{trade(c, 1, "10", 0)})

	w := get(t, s, "/healthz")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","collector":"test"}`, w.Body.String())

	w = get(t, s, "/stats")
	require.Equal(t, http.StatusOK, w.Code)
	var counters collector.Counters
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &counters))
	assert.Equal(t, int64(1), counters.Distributed)
	assert.Equal(t, int64(1), counters.Inserted)

	w = get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "collector")
}

func TestHistory(t *testing.T) {
	s, c := newTestServer(t)
	c.Distribute([]record.Event{
		trade(c, 3, "10.3", record.SnapshotBegin),
		trade(c, 2, "10.2", 0),
		trade(c, 1, "10.1", record.SnapshotEnd),
	})
	codec := transport.NewJSONCodec(c.Scheme())

	t.Run("Forward", func(t *testing.T) {
		w := get(t, s, "/history/Trade/AAPL?from=2&to=3")
		require.Equal(t, http.StatusOK, w.Code)
		events, err := codec.Decode(w.Body.Bytes())
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, int64(2), events[0].Time())
		assert.Equal(t, int64(3), events[1].Time())
		assert.Equal(t, "false", w.Header().Get("X-Truncated"))
	})
	t.Run("Backward", func(t *testing.T) {
		w := get(t, s, "/history/Trade/AAPL?from=3&to=1")
		require.Equal(t, http.StatusOK, w.Code)
		events, err := codec.Decode(w.Body.Bytes())
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, int64(3), events[0].Time())
	})
	t.Run("UnknownRecord", func(t *testing.T) {
		w := get(t, s, "/history/Quote/AAPL")
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
		assert.Contains(t, w.Body.String(), `"record":"Quote"`)
	})
	t.Run("BadRange", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, get(t, s, "/history/Trade/AAPL?from=x").Code)
	})
	t.Run("UnknownSymbol", func(t *testing.T) {
		w := get(t, s, "/history/Trade/MSFT")
		require.Equal(t, http.StatusOK, w.Code)
		events, err := codec.Decode(w.Body.Bytes())
		require.NoError(t, err)
		assert.Empty(t, events)
	})
}

func TestInstruments(t *testing.T) {
	s, _ := newTestServer(t)

	w := get(t, s, "/instruments?prefix=A")
	require.Equal(t, http.StatusOK, w.Code)
	var list []instrument.Profile
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.Equal(t, "AAPL", list[0].Symbol)

	w = get(t, s, "/instruments/IBM")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"exchange_name":"NYSE"`)

	assert.Equal(t, http.StatusNotFound, get(t, s, "/instruments/MSFT").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, s, "/instruments?limit=many").Code)
}
