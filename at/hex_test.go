package at_test

import (
	"bytes"
	"testing"

	"i4.energy/across/cellmux/at"
)

func TestHexRoundtrip(t *testing.T) {
	inputs := [][]byte{
		nil,
		{0x00},
		{0xFF},
		[]byte("Hello World"),
		{0x00, 0x01, 0x7F, 0x80, 0xFE, 0xFF},
	}
	full := make([]byte, 256)
	for i := range full {
		full[i] = byte(i)
	}
	inputs = append(inputs, full)

	for _, input := range inputs {
		encoded := at.EncodeHex(input)
		if len(encoded) != len(input)*2 {
			t.Errorf("EncodeHex(%d bytes) has length %d", len(input), len(encoded))
		}
		for i := 0; i < len(encoded); i++ {
			c := encoded[i]
			if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'F') {
				t.Errorf("EncodeHex produced non-uppercase-hex byte %q", c)
			}
		}
		if decoded := at.DecodeHex(encoded); !bytes.Equal(decoded, input) {
			t.Errorf("DecodeHex(EncodeHex(%x)) = %x", input, decoded)
		}
	}
}

func TestDecodeHexCaseInsensitive(t *testing.T) {
	want := []byte{0xAB, 0xCD, 0xEF}
	for _, in := range []string{"ABCDEF", "abcdef", "AbCdEf"} {
		if got := at.DecodeHex(in); !bytes.Equal(got, want) {
			t.Errorf("DecodeHex(%q) = %x, want %x", in, got, want)
		}
	}
}

func TestAppendEncodeHexReusesBuffer(t *testing.T) {
	buf := make([]byte, 0, 64)
	buf = append(buf, "AT+MIPSEND=2,5,"...)
	buf = at.AppendEncodeHex(buf, []byte("Hello"))
	if string(buf) != "AT+MIPSEND=2,5,48656C6C6F" {
		t.Errorf("unexpected command buffer: %q", buf)
	}
}

func TestDecodeHexOddTail(t *testing.T) {
	if got := at.DecodeHex("414"); !bytes.Equal(got, []byte{0x41}) {
		t.Errorf("DecodeHex(\"414\") = %x, want 41", got)
	}
}
