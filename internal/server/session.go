package server

import (
	"errors"
	"fmt"
	"math"

	"github.com/kelindar/bitmap"
	log "github.com/sirupsen/logrus"

	"github.com/Pablu23/tftpd/internal/common"
)

var errPeerAborted = errors.New("peer aborted transfer")

// Content is the file a Session reads blocks from or writes blocks to. It
// keeps its own cursor, so blocks are always requested in order.
type Content interface {
	ReadChunk(maxBytes int) ([]byte, error)
	WriteChunk(data []byte) error
	SectionCount() int
	TotalLength() int
}

// Session drives the block sequenced part of one transfer. It only builds
// packets, sending and receiving them is left to the Connection.
type Session struct {
	kind        common.RequestKind
	block       uint16
	totalBlocks int
	totalLength int
	bytes       int
	started     bool
	done        bool
	complete    bool
	content     Content
	blocks      bitmap.Bitmap
	log         *log.Entry
}

func NewSession(kind common.RequestKind, content Content, entry *log.Entry) (*Session, error) {
	if entry == nil {
		entry = log.NewEntry(log.StandardLogger())
	}

	session := &Session{
		kind:    kind,
		content: content,
		log:     entry,
	}

	switch kind {
	case common.Read:
		session.totalLength = content.TotalLength()
		session.totalBlocks = max(content.SectionCount(), 1)
		if session.totalBlocks > math.MaxUint16 {
			return nil, common.NewTFTPError(common.ErrCodeUndefined,
				fmt.Errorf("file needs %d blocks, at most %d are addressable", session.totalBlocks, math.MaxUint16))
		}
	case common.Write:
	default:
		return nil, fmt.Errorf("cannot start a %v session: %w", kind, common.ErrMalformedPacket)
	}

	return session, nil
}

// FirstResponse builds DATA block 1 for reads and ACK block 0 for writes.
func (s *Session) FirstResponse() ([]byte, error) {
	if s.started {
		return nil, errors.New("first response was already built")
	}
	s.started = true

	if s.kind == common.Write {
		return common.EncodeInitialResponse(common.Write, nil)
	}

	s.block = 1
	payload, err := s.readBlock()
	if err != nil {
		return nil, err
	}
	return common.EncodeInitialResponse(common.Read, payload)
}

// Next consumes the packet the peer sent in reply to the last response and
// builds the following one. A nil response without error means the final ACK
// of a read was consumed and nothing is left to send.
func (s *Session) Next(raw []byte) ([]byte, error) {
	if !s.started || s.complete {
		return nil, errors.New("session is not transferring")
	}

	pck, err := common.PacketFromBytes(raw)
	if err != nil {
		return nil, common.NewTFTPError(common.ErrCodeIllegalOperation, err)
	}

	if pck.Opcode == common.ERROR {
		return nil, fmt.Errorf("%w: code %d: %s", errPeerAborted, pck.ErrorCode(), pck.ErrorMessage())
	}

	if s.kind == common.Read {
		return s.nextRead(pck)
	}
	return s.nextWrite(pck, len(raw))
}

func (s *Session) nextRead(pck *common.Packet) ([]byte, error) {
	if pck.Opcode != common.ACK {
		return nil, common.NewTFTPError(common.ErrCodeIllegalOperation,
			fmt.Errorf("expected ACK during read, got %v", pck.Opcode))
	}
	if pck.Block != s.block {
		s.log.WithFields(log.Fields{
			"Expected": s.block,
			"Received": pck.Block,
		}).Warn("Received wrong Acknowledge")
	}

	if s.done {
		s.complete = true
		return nil, nil
	}

	s.block++
	payload, err := s.readBlock()
	if err != nil {
		return nil, err
	}
	return common.EncodeDataPacket(s.block, payload), nil
}

func (s *Session) readBlock() ([]byte, error) {
	length := common.MaxDataSize
	last := int(s.block) == s.totalBlocks
	if last {
		length = s.totalLength - common.MaxDataSize*(s.totalBlocks-1)
	}

	payload, err := s.content.ReadChunk(length)
	if err != nil {
		return nil, err
	}
	if len(payload) != length {
		return nil, common.NewTFTPError(common.ErrCodeUndefined,
			fmt.Errorf("block %d: read %d bytes, expected %d", s.block, len(payload), length))
	}

	s.blocks.Set(uint32(s.block))
	s.bytes += len(payload)
	s.done = last
	return payload, nil
}

func (s *Session) nextWrite(pck *common.Packet, length int) ([]byte, error) {
	if pck.Opcode != common.DATA {
		return nil, common.NewTFTPError(common.ErrCodeIllegalOperation,
			fmt.Errorf("expected DATA during write, got %v", pck.Opcode))
	}
	if pck.Block != s.block+1 {
		s.log.WithFields(log.Fields{
			"Expected": s.block + 1,
			"Received": pck.Block,
		}).Warn("Received out of sequence Data")
	}

	if err := s.content.WriteChunk(pck.Data); err != nil {
		return nil, err
	}

	s.block = pck.Block
	s.blocks.Set(uint32(pck.Block))
	s.bytes += len(pck.Data)

	if length < common.PacketSize {
		s.done = true
		s.complete = true
	}

	return common.NewAck(pck).ToBytes(), nil
}

func (s *Session) Kind() common.RequestKind {
	return s.kind
}

// Block is the number of the last DATA block sent or acknowledged.
func (s *Session) Block() uint16 {
	return s.block
}

// Done reports whether the last block has been built.
func (s *Session) Done() bool {
	return s.done
}

// Complete reports whether no further packet has to be received.
func (s *Session) Complete() bool {
	return s.complete
}

// BlockCount is the number of distinct blocks exchanged.
func (s *Session) BlockCount() int {
	return s.blocks.Count()
}

func (s *Session) Bytes() int {
	return s.bytes
}
