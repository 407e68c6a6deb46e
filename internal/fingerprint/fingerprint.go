// Package fingerprint computes content-derived version tokens for
// entries. A fingerprint is a pure function of (content, tags,
// priority, frozen): two entries with the same fingerprint have the
// same observable state, and any successful mutation produces a new
// one. Fingerprints drive the compare-and-swap write path.
package fingerprint

import (
	"encoding/binary"
	"encoding/hex"
	"sort"

	"github.com/zeebo/blake3"

	"github.com/synapse-hq/synapse/pkg/models"
)

// entryDomainKey is a 32-byte key for BLAKE3 keyed hashing. Domain
// separation keeps entry fingerprints from colliding with any other
// hash computed over the same bytes. The value is the ASCII domain
// name zero-padded to 32 bytes; changing it invalidates every stored
// fingerprint.
var entryDomainKey = [32]byte{
	's', 'y', 'n', 'a', 'p', 's', 'e', '.', 'e', 'n', 't', 'r', 'y', '.',
	'f', 'i', 'n', 'g', 'e', 'r', 'p', 'r', 'i', 'n', 't', 0, 0, 0, 0, 0, 0, 0,
}

// Size is the number of digest bytes kept in the hex token.
const Size = 16

// Compute returns the fingerprint for the entry's current state.
// Tags are sorted before hashing so tag order never changes the token,
// and every field is length-prefixed so field boundaries are
// unambiguous.
func Compute(e *models.Entry) string {
	h, err := blake3.NewKeyed(entryDomainKey[:])
	if err != nil {
		// NewKeyed only fails on a wrong key length, which is fixed
		// at compile time.
		panic(err)
	}

	writeField(h, []byte(e.Content))

	tags := make([]string, len(e.Tags))
	copy(tags, e.Tags)
	sort.Strings(tags)
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(tags)))
	h.Write(lenBuf[:])
	for _, t := range tags {
		writeField(h, []byte(t))
	}

	writeField(h, []byte(e.Priority))
	if e.Frozen {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}

	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:Size])
}

func writeField(h *blake3.Hasher, b []byte) {
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(b)))
	h.Write(lenBuf[:])
	h.Write(b)
}
