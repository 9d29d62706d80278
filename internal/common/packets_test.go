package common

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEncodeInitialResponseRead(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, MaxDataSize)

	got, err := EncodeInitialResponse(Read, payload)
	if err != nil {
		t.Fatal(err)
	}

	if !cmp.Equal(got[:HeaderSize], []byte{0, 3, 0, 1}) {
		t.Errorf("Got header = %v; want [0 3 0 1]", got[:HeaderSize])
	}
	if len(got) != HeaderSize+MaxDataSize {
		t.Errorf("Got length = %d; want %d", len(got), HeaderSize+MaxDataSize)
	}
}

func TestEncodeInitialResponseWrite(t *testing.T) {
	got, err := EncodeInitialResponse(Write, []byte("ignored"))
	if err != nil {
		t.Fatal(err)
	}

	if !cmp.Equal(got, []byte{0, 4, 0, 0}) {
		t.Errorf("Got = %v; want [0 4 0 0]", got)
	}
}

func TestEncodeInitialResponseMalformed(t *testing.T) {
	_, err := EncodeInitialResponse(Malformed, nil)
	if !errors.Is(err, ErrMalformedPacket) {
		t.Errorf("Got err = %v; want ErrMalformedPacket", err)
	}
}

func TestEncodeDataPacket(t *testing.T) {
	got := EncodeDataPacket(258, []byte("abc"))
	want := []byte{0, 3, 1, 2, 'a', 'b', 'c'}

	if !cmp.Equal(got, want) {
		t.Errorf("Got = %v; want %v", got, want)
	}
}

func TestNewAckEchoesBlock(t *testing.T) {
	data, err := PacketFromBytes([]byte{0, 3, 0xFF, 0x01, 'x'})
	if err != nil {
		t.Fatal(err)
	}

	got := NewAck(data).ToBytes()
	want := []byte{0, 4, 0xFF, 0x01}

	if !cmp.Equal(got, want) {
		t.Errorf("Got = %v; want %v", got, want)
	}
}

func TestEncodeErrorPacket(t *testing.T) {
	got := EncodeErrorPacket(ErrCodeIllegalOperation, "bad")
	want := []byte{0, 5, 0, 4, 'b', 'a', 'd', 0}

	if !cmp.Equal(got, want) {
		t.Errorf("Got = %v; want %v", got, want)
	}

	pck, err := PacketFromBytes(got)
	if err != nil {
		t.Fatal(err)
	}
	if pck.ErrorCode() != ErrCodeIllegalOperation || pck.ErrorMessage() != "bad" {
		t.Errorf("Got = %v %q; want 4 \"bad\"", pck.ErrorCode(), pck.ErrorMessage())
	}
}

func TestDecodeHeader(t *testing.T) {
	op, rest, err := DecodeHeader([]byte{0, 4, 0, 7})
	if err != nil {
		t.Fatal(err)
	}
	if op != ACK {
		t.Errorf("Got opcode = %v; want ACK", op)
	}
	if !cmp.Equal(rest, []byte{0, 7}) {
		t.Errorf("Got rest = %v; want [0 7]", rest)
	}
}

func TestDecodeHeaderNonZeroFirstByte(t *testing.T) {
	_, _, err := DecodeHeader([]byte{1, 4, 0, 7})
	if !errors.Is(err, ErrMalformedPacket) {
		t.Errorf("Got err = %v; want ErrMalformedPacket", err)
	}
}

func TestPacketFromBytes(t *testing.T) {
	want := &Packet{
		Opcode: DATA,
		Block:  2,
		Data:   []byte{1, 0, 1},
	}

	pck, err := PacketFromBytes([]byte{0, 3, 0, 2, 1, 0, 1})
	if err != nil {
		t.Fatal(err)
	}

	if !cmp.Equal(pck, want) {
		t.Error(cmp.Diff(want, pck))
	}
}

func TestPacketFromBytesRejects(t *testing.T) {
	tests := map[string][]byte{
		"truncated":      {0, 3, 0},
		"request opcode": {0, 1, 'a', 0, 'b', 0},
		"long ack":       {0, 4, 0, 1, 0},
		"oversized data": append([]byte{0, 3, 0, 1}, make([]byte, MaxDataSize+1)...),
		"empty":          {},
	}

	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := PacketFromBytes(raw); !errors.Is(err, ErrMalformedPacket) {
				t.Errorf("Got err = %v; want ErrMalformedPacket", err)
			}
		})
	}
}
