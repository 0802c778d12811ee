// Package ledger holds the byte-bearing value objects carried by the gateway.
// Validation of their contents belongs to the ledger node, not to this module.
package ledger

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

const (
	// TransactionSize is the fixed size of an encoded transaction.
	TransactionSize = 1604
	// HashSize is the natural size of an encoded hash.
	HashSize = 49
)

// Transaction is an opaque fixed-size transaction encoding.
type Transaction struct {
	b [TransactionSize]byte
}

// Bytes returns a copy of the transaction encoding.
func (t Transaction) Bytes() []byte {
	out := make([]byte, TransactionSize)
	copy(out, t.b[:])
	return out
}

func (t Transaction) Equal(o Transaction) bool { return t.b == o.b }

// Hash is an opaque hash encoding of at most HashSize bytes. Hashes decoded
// from the wire are shorter than HashSize.
type Hash struct {
	b []byte
}

func (h Hash) Bytes() []byte     { return append([]byte(nil), h.b...) }
func (h Hash) Len() int          { return len(h.b) }
func (h Hash) Equal(o Hash) bool { return bytes.Equal(h.b, o.b) }
func (h Hash) String() string    { return hex.EncodeToString(h.b) }

// Factory rebuilds value objects from their byte encodings. Implementations
// must not retain b; transports reuse their read buffers.
type Factory interface {
	TransactionFromBytes(b []byte) (Transaction, error)
	HashFromBytes(b []byte) (Hash, error)
}

type defaultFactory struct{}

// DefaultFactory accepts any encoding of the right size.
func DefaultFactory() Factory { return defaultFactory{} }

func (defaultFactory) TransactionFromBytes(b []byte) (Transaction, error) {
	var t Transaction
	if len(b) != TransactionSize {
		return t, fmt.Errorf("ledger: transaction size %d, want %d", len(b), TransactionSize)
	}
	copy(t.b[:], b)
	return t, nil
}

func (defaultFactory) HashFromBytes(b []byte) (Hash, error) {
	if len(b) == 0 || len(b) > HashSize {
		return Hash{}, fmt.Errorf("ledger: hash size %d, want 1..%d", len(b), HashSize)
	}
	return Hash{b: append([]byte(nil), b...)}, nil
}

// MustTransaction builds a Transaction or panics. Meant for tests and tools.
func MustTransaction(b []byte) Transaction {
	t, err := DefaultFactory().TransactionFromBytes(b)
	if err != nil {
		panic(err)
	}
	return t
}

// MustHash builds a Hash or panics. Meant for tests and tools.
func MustHash(b []byte) Hash {
	h, err := DefaultFactory().HashFromBytes(b)
	if err != nil {
		panic(err)
	}
	return h
}
