// Package packertest provides record fixtures for transport and gateway tests.
package packertest

import (
	"crypto/rand"

	"relaygw/pkg/ledger"
	"relaygw/pkg/packer"
)

// RandomTransaction returns a transaction filled with random bytes.
func RandomTransaction() ledger.Transaction {
	b := make([]byte, ledger.TransactionSize)
	_, _ = rand.Read(b)
	return ledger.MustTransaction(b)
}

// RandomHash returns a full-length (untruncated) hash.
func RandomHash() ledger.Hash {
	b := make([]byte, ledger.HashSize)
	_, _ = rand.Read(b)
	return ledger.MustHash(b)
}

// RandomData returns a record with a full-length request hash.
func RandomData() packer.Data {
	return packer.Data{Transaction: RandomTransaction(), RequestHash: RandomHash()}
}

// Truncated returns d as a receiver sees it after one trip over the wire.
func Truncated(d packer.Data) packer.Data {
	hb := d.RequestHash.Bytes()
	if len(hb) > packer.RequestHashSize {
		hb = hb[:packer.RequestHashSize]
	}
	return packer.Data{Transaction: d.Transaction, RequestHash: ledger.MustHash(hb)}
}
