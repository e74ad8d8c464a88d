package util

import (
	"bytes"
	"errors"
	"testing"
)

func TestRandomSerial(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 64; i++ {
		n, err := RandomSerial()
		if err != nil {
			t.Fatalf("RandomSerial failed: %v", err)
		}
		if n.Sign() <= 0 {
			t.Fatalf("expected positive serial, got %s", n)
		}
		if n.BitLen() > serialBits {
			t.Fatalf("serial has %d bits, limit is %d", n.BitLen(), serialBits)
		}
		if seen[n.String()] {
			t.Fatalf("duplicate serial %s", n)
		}
		seen[n.String()] = true
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("no entropy") }

func TestRandomSerialFromFailingReader(t *testing.T) {
	if _, err := RandomSerialFrom(failingReader{}); err == nil {
		t.Fatal("expected error from failing entropy source")
	}
}

func TestWipeBytes(t *testing.T) {
	b := []byte("secret")
	c := CopyBytes(b)
	WipeBytes(b)
	if !bytes.Equal(b, make([]byte, len(b))) {
		t.Errorf("expected zeroed slice, got %v", b)
	}
	if string(c) != "secret" {
		t.Errorf("copy was modified: %q", c)
	}
}

func TestHexRoundTrip(t *testing.T) {
	in := []byte{0x00, 0xde, 0xad, 0xbe, 0xef}
	out, err := HexDecode(HexEncode(in))
	if err != nil {
		t.Fatalf("HexDecode failed: %v", err)
	}
	if !bytes.Equal(in, out) {
		t.Errorf("expected %x, got %x", in, out)
	}
}

func TestSafeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"giabao", "giabao"},
		{"user.example.com", "user.example.com"},
		{"giabao Company", "giabao_Company"},
		{"  padded  ", "padded"},
		{"Nguyễn Văn A", "Nguyen_Van_A"},
		{"../../etc/passwd", "_.._etc_passwd"},
		{"a/b\\c", "a_b_c"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := SafeName(tt.in); got != tt.want {
			t.Errorf("SafeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
