// Package idgen provides cryptographically random ID generation.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

func randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return b
}

// WithPrefix generates a random ID with a prefix (e.g. "ms_", "task_", "dsp_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	return prefix + hex.EncodeToString(randomBytes(12))
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	return hex.EncodeToString(randomBytes(numBytes))
}

// TxHash generates a simulated transaction hash: 0x followed by 64 hex chars.
func TxHash() string {
	return "0x" + Hex(32)
}

// ContractID generates a simulated escrow contract address.
func ContractID() string {
	return "C" + Hex(20)
}
