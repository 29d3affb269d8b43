// Package idgen provides the pluggable ID generators used across the
// dossier stores. Constructors accept a Generator so tests can inject
// deterministic sequences.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator of RFC 9562 UUID v7 strings (time-sortable).
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// ULID returns a Generator of lexicographically sortable ULIDs. Used for
// run ids, where a compact sortable key reads better in logs than a UUID.
func ULID() Generator {
	return func() string {
		return ulid.MustNew(ulid.Now(), ulid.Monotonic(rand.Reader, 0)).String()
	}
}

// Hex returns a Generator of n random bytes encoded as 2n hex characters.
func Hex(n int) Generator {
	return func() string {
		buf := make([]byte, n)
		if _, err := rand.Read(buf); err != nil {
			panic("idgen: crypto/rand failed: " + err.Error())
		}
		return hex.EncodeToString(buf)
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Sequence returns a Generator producing prefix1, prefix2, ... Intended for
// tests that assert on ids.
func Sequence(prefix string) Generator {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("%s%d", prefix, n.Add(1))
	}
}

// Default is UUIDv7.
var Default Generator = UUIDv7()

// New produces an ID using the Default generator.
func New() string {
	return Default()
}

// FaceEmbeddingID is the generator for vector-index keys of face
// detections: "face_" followed by 16 hex characters.
var FaceEmbeddingID Generator = Prefixed("face_", Hex(8))
