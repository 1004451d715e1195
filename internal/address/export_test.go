package address

import "github.com/mr-tron/base58"

// decodeForTest and encodeForTest expose the base58 codec to tests that
// need to mutate raw address bytes directly.
func decodeForTest(addr string) ([]byte, error) { return base58.Decode(addr) }
func encodeForTest(raw []byte) string           { return base58.Encode(raw) }
