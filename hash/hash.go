// Package hash implements the 20-byte infohashes used by the BitTorrent
// protocol.
package hash

import (
	"encoding/hex"
)

// Hash is the type of 20-byte hashes.
type Hash [20]byte

func (hash Hash) String() string {
	return hex.EncodeToString(hash[:])
}

// IsZero returns true if all the bytes of hash are zero.
func (hash Hash) IsZero() bool {
	return hash == Hash{}
}

// FromBytes converts a raw 20-byte value, as found in the info_hash
// parameter of an announce, into a Hash.
func FromBytes(b []byte) (Hash, bool) {
	var h Hash
	if len(b) != len(h) {
		return h, false
	}
	copy(h[:], b)
	return h, true
}
