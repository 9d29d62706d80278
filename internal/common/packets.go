package common

import (
	"encoding/binary"
	"fmt"
)

// Packet is a decoded DATA, ACK or ERROR packet.
// For ERROR packets Block holds the error code and Data the message.
type Packet struct {
	Opcode Opcode
	Block  uint16
	Data   []byte
}

func NewData(block uint16, data []byte) *Packet {
	return &Packet{
		Opcode: DATA,
		Block:  block,
		Data:   data,
	}
}

// NewAck acknowledges pckToAck by echoing its block number.
func NewAck(pckToAck *Packet) *Packet {
	return &Packet{
		Opcode: ACK,
		Block:  pckToAck.Block,
	}
}

func NewError(code ErrorCode, message string) *Packet {
	return &Packet{
		Opcode: ERROR,
		Block:  uint16(code),
		Data:   []byte(message),
	}
}

func (pck *Packet) ErrorCode() ErrorCode {
	return ErrorCode(pck.Block)
}

func (pck *Packet) ErrorMessage() string {
	return string(pck.Data)
}

func (pck *Packet) ToBytes() []byte {
	switch pck.Opcode {
	case ACK:
		return EncodeAckPacket(pck.Block)
	case ERROR:
		return EncodeErrorPacket(pck.ErrorCode(), pck.ErrorMessage())
	default:
		return EncodeDataPacket(pck.Block, pck.Data)
	}
}

func putHeader(arr []byte, op Opcode, block uint16) {
	binary.BigEndian.PutUint16(arr[0:2], uint16(op))
	binary.BigEndian.PutUint16(arr[2:4], block)
}

// EncodeInitialResponse builds the first packet of a transfer. Read requests
// are answered with DATA block 1 carrying payload, write requests with the
// fixed ACK block 0 packet.
func EncodeInitialResponse(kind RequestKind, payload []byte) ([]byte, error) {
	switch kind {
	case Read:
		return EncodeDataPacket(1, payload), nil
	case Write:
		return EncodeAckPacket(0), nil
	default:
		return nil, fmt.Errorf("no initial response for %v request: %w", kind, ErrMalformedPacket)
	}
}

func EncodeDataPacket(block uint16, payload []byte) []byte {
	arr := make([]byte, HeaderSize+len(payload))
	putHeader(arr, DATA, block)
	copy(arr[HeaderSize:], payload)
	return arr
}

func EncodeAckPacket(block uint16) []byte {
	arr := make([]byte, HeaderSize)
	putHeader(arr, ACK, block)
	return arr
}

func EncodeErrorPacket(code ErrorCode, message string) []byte {
	arr := make([]byte, HeaderSize+len(message)+1)
	putHeader(arr, ERROR, uint16(code))
	copy(arr[HeaderSize:], message)
	return arr
}

// EncodeRequest builds an RRQ or WRQ packet.
func EncodeRequest(kind RequestKind, filename string, mode string) ([]byte, error) {
	var op Opcode
	switch kind {
	case Read:
		op = RRQ
	case Write:
		op = WRQ
	default:
		return nil, fmt.Errorf("cannot encode %v request: %w", kind, ErrMalformedPacket)
	}

	arr := make([]byte, 0, 2+len(filename)+1+len(mode)+1)
	arr = binary.BigEndian.AppendUint16(arr, uint16(op))
	arr = append(arr, filename...)
	arr = append(arr, 0)
	arr = append(arr, mode...)
	arr = append(arr, 0)
	return arr, nil
}

// DecodeHeader splits the opcode from the rest of the packet.
func DecodeHeader(bytes []byte) (Opcode, []byte, error) {
	if len(bytes) < 2 {
		return 0, nil, fmt.Errorf("packet of %d bytes has no opcode: %w", len(bytes), ErrMalformedPacket)
	}
	if bytes[0] != 0 {
		return 0, nil, fmt.Errorf("first opcode byte is %d: %w", bytes[0], ErrMalformedPacket)
	}
	return Opcode(bytes[1]), bytes[2:], nil
}

// PacketFromBytes decodes a DATA, ACK or ERROR packet.
func PacketFromBytes(bytes []byte) (*Packet, error) {
	op, rest, err := DecodeHeader(bytes)
	if err != nil {
		return nil, err
	}

	switch op {
	case DATA, ACK, ERROR:
	default:
		return nil, fmt.Errorf("unexpected opcode %v: %w", op, ErrMalformedPacket)
	}

	if len(rest) < 2 {
		return nil, fmt.Errorf("%v packet of %d bytes is truncated: %w", op, len(bytes), ErrMalformedPacket)
	}

	pck := &Packet{
		Opcode: op,
		Block:  binary.BigEndian.Uint16(rest[0:2]),
	}

	switch op {
	case DATA:
		if len(rest)-2 > MaxDataSize {
			return nil, fmt.Errorf("DATA payload of %d bytes: %w", len(rest)-2, ErrMalformedPacket)
		}
		pck.Data = rest[2:]
	case ACK:
		if len(rest) != 2 {
			return nil, fmt.Errorf("ACK packet of %d bytes: %w", len(bytes), ErrMalformedPacket)
		}
	case ERROR:
		msg := rest[2:]
		if n := len(msg); n > 0 && msg[n-1] == 0 {
			msg = msg[:n-1]
		}
		pck.Data = msg
	}

	return pck, nil
}
