package hash

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Digest is a BLAKE2b-256 content digest.
type Digest [blake2b.Size256]byte

func Sum(data []byte) Digest {
	return Digest(blake2b.Sum256(data))
}

func (d Digest) IsZero() bool {
	return d == Digest{}
}

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}
