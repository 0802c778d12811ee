// Package packer converts records to and from fixed-size wire packets.
//
// Layout (no version field, no length prefix):
//
//	offset 0     transaction encoding   TransactionSize bytes
//	offset 1604  request hash prefix    RequestHashSize bytes
package packer

import (
	"errors"
	"fmt"

	"relaygw/pkg/ledger"
)

const (
	TransactionOffset = 0
	TransactionSize   = ledger.TransactionSize

	RequestHashOffset = TransactionOffset + TransactionSize
	// RequestHashSize is a wire-compatibility constant. Hash bytes past it are
	// not transmitted and cannot be recovered by the receiver.
	RequestHashSize = 46

	PacketSize = TransactionSize + RequestHashSize
)

// ErrDecode is wrapped by every Unpack failure.
var ErrDecode = errors.New("packer: decode error")

// Data is one record: a transaction and the hash of the request it answers.
type Data struct {
	Transaction ledger.Transaction
	RequestHash ledger.Hash
}

// Packer encodes and decodes packets. It is stateless and safe for
// concurrent use.
type Packer struct {
	factory ledger.Factory
}

func New(factory ledger.Factory) *Packer {
	if factory == nil {
		factory = ledger.DefaultFactory()
	}
	return &Packer{factory: factory}
}

func (p *Packer) PacketSize() int { return PacketSize }

// Pack returns a new PacketSize buffer holding d.
func (p *Packer) Pack(d Data) []byte {
	buf := make([]byte, PacketSize)
	p.PackInto(buf, d)
	return buf
}

// PackInto writes d into buf, which must be at least PacketSize long.
func (p *Packer) PackInto(buf []byte, d Data) {
	_ = buf[PacketSize-1]
	copy(buf[TransactionOffset:TransactionOffset+TransactionSize], d.Transaction.Bytes())
	hb := d.RequestHash.Bytes()
	if len(hb) > RequestHashSize {
		hb = hb[:RequestHashSize]
	}
	n := copy(buf[RequestHashOffset:], hb)
	clear(buf[RequestHashOffset+n : PacketSize])
}

// Unpack decodes exactly one packet.
func (p *Packer) Unpack(packet []byte) (Data, error) {
	if len(packet) != PacketSize {
		return Data{}, fmt.Errorf("%w: packet size %d, want %d", ErrDecode, len(packet), PacketSize)
	}
	tx, err := p.factory.TransactionFromBytes(packet[TransactionOffset : TransactionOffset+TransactionSize])
	if err != nil {
		return Data{}, fmt.Errorf("%w: transaction: %v", ErrDecode, err)
	}
	h, err := p.factory.HashFromBytes(packet[RequestHashOffset : RequestHashOffset+RequestHashSize])
	if err != nil {
		return Data{}, fmt.Errorf("%w: request hash: %v", ErrDecode, err)
	}
	return Data{Transaction: tx, RequestHash: h}, nil
}
