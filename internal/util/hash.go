package util

import (
	"crypto/md5" //nolint:gosec // G501: used as a key derivation, not for integrity
	"encoding/hex"
)

// MD5Hex returns the lowercase hex MD5 digest of s.
//
// The digest is used to derive store keys and caller fingerprints. Keys
// derived this way are 32 hex characters, which is also the shape the
// route resolver accepts for parameterized path segments.
func MD5Hex(s string) string {
	sum := md5.Sum([]byte(s)) //nolint:gosec // G401: key derivation only
	return hex.EncodeToString(sum[:])
}
