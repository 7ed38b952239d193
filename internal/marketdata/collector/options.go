package collector

import (
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Aidin1998/marketbus/internal/marketdata/history"
)

// OverflowStrategy tells what happens when an agent buffer is full.
type OverflowStrategy int

const (
	// OverflowBlock parks distributors until the agent retrieves.
	OverflowBlock OverflowStrategy = iota
	// OverflowDrop discards new events except snapshot terminators and
	// transaction-closing events.
	OverflowDrop
)

func (s OverflowStrategy) String() string {
	switch s {
	case OverflowBlock:
		return "block"
	case OverflowDrop:
		return "drop"
	}
	return fmt.Sprintf("OverflowStrategy(%d)", int(s))
}

// ParseOverflowStrategy accepts "block" or "drop".
func ParseOverflowStrategy(s string) (OverflowStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "block":
		return OverflowBlock, nil
	case "drop":
		return OverflowDrop, nil
	}
	return 0, fmt.Errorf("unknown overflow strategy %q", s)
}

// Config holds the collector tuning knobs.
type Config struct {
	Name              string
	StoreEverything   bool
	StickyPeriod      time.Duration
	HistoryMaxRecords int
	MaxBufferSize     int
	Overflow          OverflowStrategy
	RebaseThreshold   int
	SnapshotBatch     int
}

func DefaultConfig() Config {
	return Config{
		Name:            "history",
		Overflow:        OverflowBlock,
		RebaseThreshold: 1024,
		SnapshotBatch:   256,
	}
}

// Option configures a Collector.
type Option func(*Collector)

// WithConfig replaces DefaultConfig. Zero batch and rebase values fall back
// to the defaults.
func WithConfig(cfg Config) Option {
	return func(c *Collector) {
		def := DefaultConfig()
		if cfg.Name == "" {
			cfg.Name = def.Name
		}
		if cfg.RebaseThreshold <= 0 {
			cfg.RebaseThreshold = def.RebaseThreshold
		}
		if cfg.SnapshotBatch <= 0 {
			cfg.SnapshotBatch = def.SnapshotBatch
		}
		c.cfg = cfg
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Collector) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRegisterer registers the collector metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Collector) { c.registerer = reg }
}

// WithErrorHandler replaces the default handler, which logs.
func WithErrorHandler(h ErrorHandler) Option {
	return func(c *Collector) { c.onError = h }
}

// WithClock replaces time.Now for the sticky subscription clock.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.clock = now }
}

// WithCompaction sets the compaction policy of every history buffer.
func WithCompaction(p history.CompactionPolicy) Option {
	return func(c *Collector) { c.policy = p }
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithSnapshotSupport selects flag-aware (true, the default) or legacy
// delivery.
func WithSnapshotSupport(enabled bool) AgentOption {
	return func(a *Agent) { a.snapshots = enabled }
}

// WithConflation keeps at most one pending event per subscription.
func WithConflation() AgentOption {
	return func(a *Agent) { a.conflated = true }
}

// WithMaxBufferSize bounds the staged events; 0 means unbounded.
func WithMaxBufferSize(n int) AgentOption {
	return func(a *Agent) { a.maxSize = n }
}

func WithOverflow(s OverflowStrategy) AgentOption {
	return func(a *Agent) { a.overflow = s }
}

func WithAgentName(name string) AgentOption {
	return func(a *Agent) { a.name = name }
}
