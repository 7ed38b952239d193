package collector

import "errors"

var (
	ErrAgentClosed     = errors.New("agent is closed")
	ErrCollectorClosed = errors.New("collector is closed")
	ErrUnknownRecord   = errors.New("record is not part of the collector scheme")
	ErrNoTimeField     = errors.New("record has no time field")
	ErrInvalidEvent    = errors.New("invalid event")
	ErrSnapshotOrder   = errors.New("snapshot record out of order")
)

// ErrorHandler receives producer and subscription errors. It is called with
// the collector lock held and must not call back into the collector.
type ErrorHandler func(err error)
