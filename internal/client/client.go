package client

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"time"

	"github.com/kelindar/bitmap"
	log "github.com/sirupsen/logrus"

	"github.com/Pablu23/tftpd/internal/common"
	"github.com/Pablu23/tftpd/internal/storage"
)

type Options struct {
	Timeout time.Duration
	Mode    string
	Verbose bool
}

func NewDefaultOptions() *Options {
	return &Options{
		Timeout: 5 * time.Second,
		Mode:    "octet",
	}
}

// Result summarises a finished transfer. Unconfirmed is set when a download
// ended on a full block and completion was inferred from the silence of the
// server; a lost final DATA packet looks the same.
type Result struct {
	Blocks      int
	Bytes       int
	Digest      string
	Unconfirmed bool
}

type Client struct {
	remote  *net.UDPAddr
	options *Options
}

// New resolves the server address once; a failure is fatal for the client.
func New(host string, port int, opts ...func(*Options)) (*Client, error) {
	options := NewDefaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrAddressResolution, err)
	}

	return &Client{
		remote:  udpAddr,
		options: options,
	}, nil
}

// transfer is the client side of one request: its own socket and, once the
// server answered, the server's transfer ID.
type transfer struct {
	conn    *net.UDPConn
	tid     *net.UDPAddr
	options *Options
	log     *log.Entry
}

func (c *Client) open(kind common.RequestKind, remoteName string) (*transfer, error) {
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrTransportFailure, err)
	}

	t := &transfer{
		conn:    conn,
		options: c.options,
		log: log.WithFields(log.Fields{
			"Request":  kind.String(),
			"Filename": remoteName,
			"Server":   c.remote.String(),
		}),
	}

	request, err := common.EncodeRequest(kind, remoteName, c.options.Mode)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := t.send(request, c.remote); err != nil {
		conn.Close()
		return nil, err
	}
	return t, nil
}

func (t *transfer) close() {
	if err := t.conn.Close(); err != nil {
		t.log.WithError(err).Error("Could not close socket")
	}
}

func (t *transfer) send(data []byte, addr *net.UDPAddr) error {
	if _, err := t.conn.WriteToUDP(data, addr); err != nil {
		return fmt.Errorf("%w: %v", common.ErrTransportFailure, err)
	}
	t.logPacket("Sent packet", addr, data)
	return nil
}

// receive returns the next packet of the server. The first answer locks the
// transfer to the address it came from.
func (t *transfer) receive() (*common.Packet, error) {
	buf := make([]byte, common.PacketSize+1)
	for {
		if err := t.conn.SetReadDeadline(time.Now().Add(t.options.Timeout)); err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrTransportFailure, err)
		}

		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, common.ErrSocketTimeout
			}
			return nil, fmt.Errorf("%w: %v", common.ErrTransportFailure, err)
		}

		if t.tid == nil {
			t.tid = addr
		} else if addr.Port != t.tid.Port || !addr.IP.Equal(t.tid.IP) {
			t.log.WithField("Stranger", addr.String()).Warn("Received packet from unknown transfer ID")
			if err := t.send(common.EncodeErrorPacket(common.ErrCodeUnknownTID, common.ErrCodeUnknownTID.Message()), addr); err != nil {
				t.log.WithError(err).Warn("Could not reject stranger")
			}
			continue
		}

		t.logPacket("Received packet", addr, buf[:n])

		pck, err := common.PacketFromBytes(buf[:n])
		if err != nil {
			t.abort(common.ErrCodeIllegalOperation)
			return nil, err
		}
		if pck.Opcode == common.ERROR {
			return nil, &common.TFTPError{
				Code:    pck.ErrorCode(),
				Message: pck.ErrorMessage(),
				Err:     errors.New("server aborted transfer"),
			}
		}

		data := make([]byte, len(pck.Data))
		copy(data, pck.Data)
		pck.Data = data
		return pck, nil
	}
}

func (t *transfer) abort(code common.ErrorCode) {
	if t.tid == nil {
		return
	}
	if err := t.send(common.EncodeErrorPacket(code, code.Message()), t.tid); err != nil {
		t.log.WithError(err).Warn("Could not send error packet")
	}
}

func (t *transfer) logPacket(msg string, addr *net.UDPAddr, data []byte) {
	entry := t.log
	if t.options.Verbose {
		entry = entry.WithFields(log.Fields{
			"Peer":     addr.String(),
			"Length":   len(data),
			"Contents": hex.EncodeToString(data),
		})
	}
	entry.Debug(msg)
}

// Get downloads remoteName into localPath. localPath must not exist yet.
func (c *Client) Get(remoteName string, localPath string) (*Result, error) {
	store, err := storage.New(filepath.Dir(localPath))
	if err != nil {
		return nil, err
	}
	file, err := store.Create(filepath.Base(localPath))
	if err != nil {
		return nil, err
	}

	result, err := c.get(remoteName, file)
	if err != nil {
		if abortErr := file.Abort(); abortErr != nil {
			log.WithError(abortErr).Error("Could not remove partial download")
		}
		return nil, err
	}
	if err := file.Close(); err != nil {
		return nil, err
	}
	result.Digest = file.Digest()
	return result, nil
}

func (c *Client) get(remoteName string, file *storage.File) (*Result, error) {
	t, err := c.open(common.Read, remoteName)
	if err != nil {
		return nil, err
	}
	defer t.close()

	var received bitmap.Bitmap
	var last uint16
	lastFull := false
	result := &Result{}

	for {
		pck, err := t.receive()
		if errors.Is(err, common.ErrSocketTimeout) && lastFull {
			// The server sends no empty block after a file of whole blocks.
			t.log.WithFields(log.Fields{
				"Block": last,
				"Bytes": result.Bytes,
			}).Warn("Completion inferred from timeout")
			result.Unconfirmed = true
			break
		}
		if err != nil {
			return nil, err
		}

		if pck.Opcode != common.DATA {
			t.abort(common.ErrCodeIllegalOperation)
			return nil, fmt.Errorf("expected DATA, got %v: %w", pck.Opcode, common.ErrMalformedPacket)
		}
		if pck.Block != last+1 {
			t.log.WithFields(log.Fields{
				"Expected": last + 1,
				"Received": pck.Block,
			}).Warn("Received out of sequence Data")
		}

		if err := file.WriteChunk(pck.Data); err != nil {
			t.abort(common.AsTFTPError(err).Code)
			return nil, err
		}
		received.Set(uint32(pck.Block))
		last = pck.Block
		result.Bytes += len(pck.Data)

		if err := t.send(common.NewAck(pck).ToBytes(), t.tid); err != nil {
			return nil, err
		}

		if len(pck.Data) < common.MaxDataSize {
			break
		}
		lastFull = true
	}

	result.Blocks = received.Count()
	if result.Blocks != int(last) {
		return nil, fmt.Errorf("received %d distinct blocks, last block was %d", result.Blocks, last)
	}

	t.log.WithFields(log.Fields{
		"Blocks": result.Blocks,
		"Bytes":  result.Bytes,
	}).Info("Transfer complete")
	return result, nil
}

// Put uploads localPath as remoteName.
func (c *Client) Put(localPath string, remoteName string) (*Result, error) {
	store, err := storage.New(filepath.Dir(localPath))
	if err != nil {
		return nil, err
	}
	file, err := store.Open(filepath.Base(localPath))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	t, err := c.open(common.Write, remoteName)
	if err != nil {
		return nil, err
	}
	defer t.close()

	ack, err := t.receive()
	if err != nil {
		return nil, err
	}
	if ack.Opcode != common.ACK || ack.Block != 0 {
		t.abort(common.ErrCodeIllegalOperation)
		return nil, fmt.Errorf("expected ACK block 0, got %v block %d: %w", ack.Opcode, ack.Block, common.ErrMalformedPacket)
	}

	var acked bitmap.Bitmap
	result := &Result{}

	for block := uint16(1); ; block++ {
		if block == 0 {
			t.abort(common.ErrCodeDiskFull)
			return nil, errors.New("file needs more than 65535 blocks")
		}

		payload, err := file.ReadChunk(common.MaxDataSize)
		if err != nil {
			t.abort(common.AsTFTPError(err).Code)
			return nil, err
		}
		if err := t.send(common.EncodeDataPacket(block, payload), t.tid); err != nil {
			return nil, err
		}

		ack, err := t.receive()
		if err != nil {
			return nil, err
		}
		if ack.Opcode != common.ACK {
			t.abort(common.ErrCodeIllegalOperation)
			return nil, fmt.Errorf("expected ACK, got %v: %w", ack.Opcode, common.ErrMalformedPacket)
		}
		if ack.Block != block {
			t.log.WithFields(log.Fields{
				"Expected": block,
				"Received": ack.Block,
			}).Warn("Received wrong Acknowledge")
		}

		acked.Set(uint32(ack.Block))
		result.Bytes += len(payload)

		if len(payload) < common.MaxDataSize {
			break
		}
	}

	result.Blocks = acked.Count()
	result.Digest = file.Digest()

	t.log.WithFields(log.Fields{
		"Blocks": result.Blocks,
		"Bytes":  result.Bytes,
	}).Info("Transfer complete")
	return result, nil
}
