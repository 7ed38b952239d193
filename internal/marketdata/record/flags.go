// Package record defines the logical record model shared by the market data
// collectors: schemas, event instances, their protocol flags and the sinks
// that receive them.
package record

import (
	"math"
	"strconv"
	"strings"
)

// EventFlag is the protocol metadata attached to an in-flight event.
type EventFlag uint32

const (
	TxPending     EventFlag = 0x01
	RemoveEvent   EventFlag = 0x02
	SnapshotBegin EventFlag = 0x04
	SnapshotEnd   EventFlag = 0x08
	SnapshotSnip  EventFlag = 0x10
	SnapshotMode  EventFlag = 0x40
	RemoveSymbol  EventFlag = 0x80
)

// SnapshotFlags are the flags that delimit a snapshot.
const SnapshotFlags = SnapshotBegin | SnapshotEnd | SnapshotSnip

// Terminators end a snapshot.
const Terminators = SnapshotEnd | SnapshotSnip

const (
	TimeMin = math.MinInt64
	TimeMax = math.MaxInt64

	// VirtualTime is the time of events synthesized only to close a transaction.
	VirtualTime = TimeMin
)

var flagNames = []struct {
	flag EventFlag
	name string
}{
	{TxPending, "TX_PENDING"},
	{RemoveEvent, "REMOVE_EVENT"},
	{SnapshotBegin, "SNAPSHOT_BEGIN"},
	{SnapshotEnd, "SNAPSHOT_END"},
	{SnapshotSnip, "SNAPSHOT_SNIP"},
	{SnapshotMode, "SNAPSHOT_MODE"},
	{RemoveSymbol, "REMOVE_SYMBOL"},
}

// Has reports whether all bits of v are set.
func (f EventFlag) Has(v EventFlag) bool { return f&v == v }

// Any reports whether any bit of v is set.
func (f EventFlag) Any(v EventFlag) bool { return f&v != 0 }

func (f EventFlag) String() string {
	if f == 0 {
		return "0"
	}
	var parts []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			parts = append(parts, fn.name)
			f &^= fn.flag
		}
	}
	if f != 0 {
		parts = append(parts, "0x"+strconv.FormatUint(uint64(f), 16))
	}
	return strings.Join(parts, "|")
}
