package record

import (
	"hash/fnv"
	"sync"
)

const (
	cipherAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789."
	cipherMaxLen   = 5
	cipherMarker   = int32(1) << 30
)

var cipherCodes = func() (codes [256]byte) {
	for i := 0; i < len(cipherAlphabet); i++ {
		codes[cipherAlphabet[i]] = byte(i + 1)
	}
	return codes
}()

// EncodeSymbol packs short symbols into a non-zero cipher. It returns 0 when
// the symbol is empty, too long or uses characters outside the alphabet.
func EncodeSymbol(symbol string) int32 {
	if len(symbol) == 0 || len(symbol) > cipherMaxLen {
		return 0
	}
	var v int32
	for i := 0; i < len(symbol); i++ {
		code := cipherCodes[symbol[i]]
		if code == 0 {
			return 0
		}
		v = v<<6 | int32(code)
	}
	return v | cipherMarker
}

// DecodeSymbol is the inverse of EncodeSymbol. It returns "" for 0.
func DecodeSymbol(cipher int32) string {
	if cipher&cipherMarker == 0 {
		return ""
	}
	v := cipher &^ cipherMarker
	var buf [cipherMaxLen]byte
	i := len(buf)
	for v != 0 {
		i--
		buf[i] = cipherAlphabet[v&0x3f-1]
		v >>= 6
	}
	return string(buf[i:])
}

// HashSymbol returns a stable 32-bit code for a symbol, using the cipher when
// one is available.
func HashSymbol(symbol string, cipher int32) uint32 {
	if cipher != 0 {
		return uint32(cipher)
	}
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return h.Sum32()
}

// Interner maps symbols to dense ids and back so that decoders share one
// string per symbol.
type Interner struct {
	symbols map[string]uint32
	ids     []string
	mu      sync.RWMutex
}

func NewInterner() *Interner {
	return &Interner{
		symbols: make(map[string]uint32),
		ids:     make([]string, 0, 128),
	}
}

// Intern returns the canonical copy of symbol and its id, registering it if new.
func (in *Interner) Intern(symbol string) (string, uint32) {
	in.mu.RLock()
	id, ok := in.symbols[symbol]
	if ok {
		s := in.ids[id]
		in.mu.RUnlock()
		return s, id
	}
	in.mu.RUnlock()
	in.mu.Lock()
	defer in.mu.Unlock()
	if id, ok = in.symbols[symbol]; ok {
		return in.ids[id], id
	}
	id = uint32(len(in.ids))
	in.symbols[symbol] = id
	in.ids = append(in.ids, symbol)
	return symbol, id
}

// Symbol returns the symbol registered under id.
func (in *Interner) Symbol(id uint32) string {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if int(id) < len(in.ids) {
		return in.ids[id]
	}
	return ""
}

func (in *Interner) Len() int {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return len(in.ids)
}
