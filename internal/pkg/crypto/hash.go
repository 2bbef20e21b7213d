package crypto

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
)

// HashString calculates SHA256 hash of a string, truncated for use as a
// short identifier.
func HashString(s string) string {
	h := sha256.New()
	h.Write([]byte(s))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Sum hashes data with the named algorithm and returns the hex digest.
// Supported: md5, sha1, sha256, sha512.
func Sum(data []byte, alg string) (string, error) {
	var h hash.Hash
	switch alg {
	case "md5":
		h = md5.New()
	case "sha1":
		h = sha1.New()
	case "sha256", "":
		h = sha256.New()
	case "sha512":
		h = sha512.New()
	default:
		return "", fmt.Errorf("unsupported hash algorithm %q", alg)
	}
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}
