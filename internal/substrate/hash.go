package substrate

import "golang.org/x/crypto/blake2b"

// hashBlake2b256 returns the blake2b-256 digest used throughout Substrate's
// SCALE-encoded wire format to identify encoded values, including
// extrinsics.
func hashBlake2b256(data []byte) []byte {
	sum := blake2b.Sum256(data)
	return sum[:]
}
