package collector

import (
	"github.com/Aidin1998/marketbus/internal/marketdata/history"
	"github.com/Aidin1998/marketbus/internal/marketdata/record"
)

// symbolKey identifies one history buffer in the symbol index.
type symbolKey struct {
	schema int32
	cipher int32
	symbol string
}

func newSymbolKey(schema *record.Schema, symbol string) symbolKey {
	return symbolKey{
		schema: int32(schema.ID()),
		cipher: record.EncodeSymbol(symbol),
		symbol: symbol,
	}
}

func (k symbolKey) code() uint32 {
	return record.HashSymbol(k.symbol, k.cipher)*31 + uint32(k.schema)
}

// slot is the shared per-(record, symbol) state: the history buffer, the
// subscriptions reading it and the source protocol state. Slots live in the
// collector arena and are released once no subscription and no sticky
// removal references them.
type slot struct {
	index  int32
	key    symbolKey
	schema *record.Schema
	hb     *history.Buffer

	subs   []*agentSub
	sticky int

	// Source protocol state
	snapshotMode bool
	legacyData   bool
	inSnapshot   bool
	resnapshot   bool
	sweepTime    int64
	sourceTx     bool
}

// boundary returns the lowest time down to which the buffer content is
// consistent with the source, and whether that bound is confirmed.
func (sl *slot) boundary() (int64, bool) {
	if !sl.snapshotMode {
		if !sl.legacyData {
			return record.TimeMax, false
		}
		return sl.hb.SnipTime(), true
	}
	return max(sl.hb.SnapshotTime(), sl.hb.SnipTime()), sl.hb.SnapshotConfirmed()
}

// dirty reports whether the slot content is mid-transaction: the source has
// an open transaction or a snapshot is replacing previous content.
func (sl *slot) dirty() bool {
	return sl.sourceTx || (sl.inSnapshot && sl.resnapshot)
}

func (sl *slot) virtualEvent(t int64, flags record.EventFlag) record.Event {
	ev := sl.schema.NewEvent(sl.key.symbol)
	ev.SetTime(t)
	ev.Flags = flags
	return ev
}

func (sl *slot) minFloor() int64 {
	floor := int64(record.TimeMax)
	for _, s := range sl.subs {
		floor = min(floor, s.floor)
	}
	return floor
}
