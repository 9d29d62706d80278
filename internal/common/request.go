package common

import (
	"bytes"
	"fmt"
)

type RequestKind uint8

const (
	Malformed RequestKind = iota
	Read
	Write
)

func (kind RequestKind) String() string {
	switch kind {
	case Read:
		return "READ"
	case Write:
		return "WRITE"
	default:
		return "MALFORMED"
	}
}

type Request struct {
	Kind     RequestKind
	Filename string
	Mode     string
}

// ParseRequest classifies the first packet of a connection. A packet that is
// not a well formed RRQ or WRQ yields a Malformed request together with an
// error wrapping ErrMalformedPacket.
func ParseRequest(raw []byte) (Request, error) {
	malformed := func(format string, args ...any) (Request, error) {
		return Request{Kind: Malformed}, fmt.Errorf(format+": %w", append(args, ErrMalformedPacket)...)
	}

	if len(raw) > MaxRequestSize {
		return malformed("request of %d bytes exceeds %d", len(raw), MaxRequestSize)
	}

	op, rest, err := DecodeHeader(raw)
	if err != nil {
		return Request{Kind: Malformed}, err
	}

	var kind RequestKind
	switch op {
	case RRQ:
		kind = Read
	case WRQ:
		kind = Write
	default:
		return malformed("opcode %d is not a request", op)
	}

	end := bytes.IndexByte(rest, 0)
	if end < 0 {
		return malformed("filename is not terminated")
	}
	if end == 0 {
		return malformed("filename is empty")
	}
	filename := string(rest[:end])

	rest = rest[end+1:]
	end = bytes.IndexByte(rest, 0)
	if end < 0 {
		return malformed("mode is not terminated")
	}
	if end == 0 {
		return malformed("mode is empty")
	}
	mode := string(rest[:end])

	if trailing := len(rest) - end - 1; trailing != 0 {
		return malformed("%d trailing bytes after mode", trailing)
	}

	return Request{
		Kind:     kind,
		Filename: filename,
		Mode:     mode,
	}, nil
}
