package stubfix

import (
	"bytes"
	"testing"
)

// expected bytes cross-checked against the original Python
// generateStubNormal/generateAuthStubNormal for the same inputs.
func TestGenerateStubNormal(t *testing.T) {
	got := generateStubNormal(0x100004000, 0x100008348)
	want := []byte{0x30, 0x00, 0x00, 0x90, 0x10, 0xa6, 0x41, 0xf9, 0x00, 0x02, 0x1f, 0xd6}
	if !bytes.Equal(got, want) {
		t.Fatalf("generateStubNormal = % x, want % x", got, want)
	}
}

func TestGenerateStubNormalCrossPage(t *testing.T) {
	got := generateStubNormal(0x1000, 0x2348)
	want := []byte{0x10, 0x00, 0x00, 0xb0, 0x10, 0xa6, 0x41, 0xf9, 0x00, 0x02, 0x1f, 0xd6}
	if !bytes.Equal(got, want) {
		t.Fatalf("generateStubNormal = % x, want % x", got, want)
	}
}

func TestGenerateAuthStubNormal(t *testing.T) {
	got := generateAuthStubNormal(0x100004000, 0x100008348)
	want := []byte{
		0x31, 0x00, 0x00, 0x90,
		0x31, 0x22, 0x0d, 0x91,
		0x30, 0x02, 0x40, 0xf9,
		0x11, 0x0a, 0x1f, 0xd7,
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("generateAuthStubNormal = % x, want % x", got, want)
	}
}

func TestPackLE32(t *testing.T) {
	got := packLE32(0xD61F0200, 0x90000010)
	want := []byte{0x00, 0x02, 0x1f, 0xd6, 0x10, 0x00, 0x00, 0x90}
	if !bytes.Equal(got, want) {
		t.Fatalf("packLE32 = % x, want % x", got, want)
	}
}
