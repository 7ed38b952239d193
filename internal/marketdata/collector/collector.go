// Package collector implements the History collector: distributors push
// time-keyed events, agents subscribe to (record, symbol) pairs with a time
// floor and pull a snapshot-consistent, transaction-atomic view of them.
package collector

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"github.com/Aidin1998/marketbus/internal/marketdata/hashing"
	"github.com/Aidin1998/marketbus/internal/marketdata/history"
	"github.com/Aidin1998/marketbus/internal/marketdata/record"
	"github.com/Aidin1998/marketbus/internal/marketdata/sticky"
	"github.com/Aidin1998/marketbus/pkg/metrics"
)

// Collector is safe for concurrent use. All state is guarded by one mutex;
// producers blocked by a full agent wait on a condition bound to it.
type Collector struct {
	cfg    Config
	scheme *record.Scheme
	logger *zap.Logger

	onError    ErrorHandler
	clock      func() time.Time
	policy     history.CompactionPolicy
	registerer prometheus.Registerer
	unregister func()

	mu    sync.Mutex
	space *sync.Cond

	// Symbol index and slot arena
	index *hashing.Table[symbolKey, int32]
	slots []*slot
	free  []int32

	agents    map[int64]*Agent
	nextAgent int64

	sticky          *sticky.Sticky
	storeEverything bool
	closed          bool
	scratch         *record.Buffer

	// Counters
	stats       history.Stats
	distributed atomic.Int64
	retrieved   atomic.Int64
	dropped     atomic.Int64
	rebases     atomic.Int64
	buffers     atomic.Int64
	agentCount  atomic.Int64
}

// New creates a collector over the schemas of scheme. Every schema used with
// the collector must have a time field.
func New(scheme *record.Scheme, opts ...Option) (*Collector, error) {
	c := &Collector{
		cfg:     DefaultConfig(),
		scheme:  scheme,
		logger:  zap.NewNop(),
		clock:   time.Now,
		policy:  history.DefaultCompaction,
		agents:  make(map[int64]*Agent),
		scratch: record.NewBuffer(0),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("collector").With(zap.String("collector", c.cfg.Name))
	if c.onError == nil {
		c.onError = func(err error) {
			c.logger.Warn("Collector error", zap.Error(err))
		}
	}
	c.space = sync.NewCond(&c.mu)
	c.index = hashing.New[symbolKey, int32](symbolKey.code)
	c.storeEverything = c.cfg.StoreEverything
	c.sticky = sticky.New(&c.mu, c.stickyExpired,
		sticky.WithPeriod(c.cfg.StickyPeriod),
		sticky.WithClock(c.clock),
		sticky.WithLogger(c.logger),
	)

	if c.registerer != nil {
		unregister, err := metrics.RegisterCollector(c.registerer, c.cfg.Name, c.metricsSource())
		if err != nil {
			return nil, err
		}
		c.unregister = unregister
	}
	return c, nil
}

func (c *Collector) metricsSource() metrics.CollectorSource {
	load := func(v *atomic.Int64) func() float64 {
		return func() float64 { return float64(v.Load()) }
	}
	return metrics.CollectorSource{
		Distributed: load(&c.distributed),
		Retrieved:   load(&c.retrieved),
		Dropped:     load(&c.dropped),
		Removed:     load(&c.stats.Removed),
		Compactions: load(&c.stats.Compactions),
		Rebases:     load(&c.rebases),
		Buffers:     load(&c.buffers),
		Agents:      load(&c.agentCount),
	}
}

// Name is the configured collector name.
func (c *Collector) Name() string { return c.cfg.Name }

// Scheme returns the schemas served by the collector.
func (c *Collector) Scheme() *record.Scheme { return c.scheme }

// Start launches the sticky subscription cleanup until ctx ends or Close.
func (c *Collector) Start(ctx context.Context) {
	c.sticky.Start(ctx)
	c.logger.Info("Collector started",
		zap.Duration("sticky_period", c.sticky.Period()),
		zap.Bool("store_everything", c.cfg.StoreEverything),
	)
}

// Close stops the background cleanup, closes every agent and wakes blocked
// producers and consumers.
func (c *Collector) Close() {
	c.sticky.Close()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	agents := make([]*Agent, 0, len(c.agents))
	for _, a := range c.agents {
		agents = append(agents, a)
	}
	for _, a := range agents {
		a.closeLocked()
	}
	c.closed = true
	c.space.Broadcast()
	c.mu.Unlock()

	if c.unregister != nil {
		c.unregister()
	}
	c.logger.Info("Collector closed", zap.Int("agents", len(agents)))
}

// NewAgent creates an agent with no subscriptions.
func (c *Collector) NewAgent(opts ...AgentOption) (*Agent, error) {
	a := &Agent{
		c:         c,
		id:        uuid.New(),
		snapshots: true,
		overflow:  c.cfg.Overflow,
		maxSize:   c.cfg.MaxBufferSize,
		subs:      btree.NewMap[string, *agentSub](16),
		notify:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.buf = newAgentBuffer(a.conflated, c.cfg.RebaseThreshold, &c.rebases)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrCollectorClosed
	}
	c.nextAgent++
	a.seq = c.nextAgent
	if a.name == "" {
		a.name = a.id.String()
	}
	a.logger = c.logger.With(zap.String("agent", a.name))
	c.agents[a.seq] = a
	c.agentCount.Add(1)
	a.logger.Debug("Agent created",
		zap.Bool("snapshots", a.snapshots),
		zap.Bool("conflated", a.conflated),
		zap.Int("max_buffer_size", a.maxSize),
		zap.Stringer("overflow", a.overflow),
	)
	return a, nil
}

// SetErrorHandler replaces the handler receiving producer and subscription
// errors. A nil handler restores logging.
func (c *Collector) SetErrorHandler(h ErrorHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h == nil {
		h = func(err error) { c.logger.Warn("Collector error", zap.Error(err)) }
	}
	c.onError = h
}

// SetStoreEverything keeps history for symbols nobody subscribes to.
// Turning it off releases the buffers that are no longer referenced.
func (c *Collector) SetStoreEverything(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.storeEverything == enabled {
		return
	}
	c.storeEverything = enabled
	if !enabled {
		for _, sl := range c.slots {
			if sl != nil {
				c.releaseIfUnused(sl)
			}
		}
	}
	c.logger.Info("Store everything changed", zap.Bool("enabled", enabled))
}

// SetStickyPeriod changes how long unsubscribed buffers are kept. Zero
// releases them immediately.
func (c *Collector) SetStickyPeriod(d time.Duration) {
	c.sticky.SetPeriod(d)
}

func (c *Collector) report(err error) {
	if c.onError != nil {
		c.onError(err)
	}
}

func (c *Collector) checkSchema(schema *record.Schema) error {
	if schema == nil || !c.scheme.Contains(schema) {
		return ErrUnknownRecord
	}
	if !schema.HasTime() {
		return ErrNoTimeField
	}
	return nil
}

func (c *Collector) checkEvent(ev *record.Event) error {
	if err := c.checkSchema(ev.Schema); err != nil {
		return err
	}
	if ev.Symbol == "" || len(ev.Ints) != ev.Schema.IntCount() || len(ev.Objs) != ev.Schema.ObjCount() {
		return ErrInvalidEvent
	}
	return nil
}

func (c *Collector) lookup(key symbolKey) *slot {
	i, ok := c.index.Get(key)
	if !ok {
		return nil
	}
	return c.slots[i]
}

// slotFor returns the slot of (schema, symbol), creating it when create is
// set.
func (c *Collector) slotFor(schema *record.Schema, symbol string, create bool) *slot {
	key := newSymbolKey(schema, symbol)
	if sl := c.lookup(key); sl != nil || !create {
		return sl
	}
	var idx int32
	if n := len(c.free); n > 0 {
		idx = c.free[n-1]
		c.free = c.free[:n-1]
	} else {
		idx = int32(len(c.slots))
		c.slots = append(c.slots, nil)
	}
	sl := &slot{
		index:     idx,
		key:       key,
		schema:    schema,
		hb:        history.New(schema, symbol, history.WithCompaction(c.policy)),
		sweepTime: record.TimeMax,
	}
	c.slots[idx] = sl
	c.index.Put(key, idx)
	c.buffers.Add(1)
	return sl
}

// releaseIfUnused drops the slot once nothing references it.
func (c *Collector) releaseIfUnused(sl *slot) {
	if len(sl.subs) > 0 || sl.sticky > 0 || c.storeEverything {
		return
	}
	if c.slots[sl.index] != sl {
		panic(fmt.Sprintf("collector: slot %d of %s %s released twice", sl.index, sl.schema.Name(), sl.key.symbol))
	}
	c.index.Remove(sl.key)
	c.slots[sl.index] = nil
	c.free = append(c.free, sl.index)
	c.buffers.Add(-1)
}

// stickyExpired runs with c.mu held, from the sticky cache.
func (c *Collector) stickyExpired(k sticky.Key) {
	if int(k.Slot) >= len(c.slots) {
		return
	}
	sl := c.slots[k.Slot]
	if sl == nil {
		return
	}
	sl.sticky--
	c.releaseIfUnused(sl)
}

// Counters is a point-in-time copy of the collector counters.
type Counters struct {
	Distributed   int64 `json:"distributed"`
	Retrieved     int64 `json:"retrieved"`
	Dropped       int64 `json:"dropped"`
	Inserted      int64 `json:"inserted"`
	Updated       int64 `json:"updated"`
	Removed       int64 `json:"removed"`
	Compactions   int64 `json:"compactions"`
	Rebases       int64 `json:"rebases"`
	Buffers       int   `json:"buffers"`
	Agents        int   `json:"agents"`
	StickyPending int   `json:"sticky_pending"`
}

func (c *Collector) Counters() Counters {
	c.mu.Lock()
	pending := c.sticky.Len()
	c.mu.Unlock()
	return Counters{
		Distributed:   c.distributed.Load(),
		Retrieved:     c.retrieved.Load(),
		Dropped:       c.dropped.Load(),
		Inserted:      c.stats.Inserted.Load(),
		Updated:       c.stats.Updated.Load(),
		Removed:       c.stats.Removed.Load(),
		Compactions:   c.stats.Compactions.Load(),
		Rebases:       c.rebases.Load(),
		Buffers:       int(c.buffers.Load()),
		Agents:        int(c.agentCount.Load()),
		StickyPending: pending,
	}
}
