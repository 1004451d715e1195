package helpers

import "testing"

func TestBytesToHex(t *testing.T) {
	got := BytesToHex([]byte{0xde, 0xad, 0xbe, 0xef})
	if got != "0xdeadbeef" {
		t.Errorf("BytesToHex() = %q, want 0xdeadbeef", got)
	}
}
