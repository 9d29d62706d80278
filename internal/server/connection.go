package server

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/Pablu23/tftpd/internal/common"
	"github.com/Pablu23/tftpd/internal/storage"
)

// Connection owns the dedicated socket of one client transfer. Every packet
// after the request is exchanged with the address the request came from.
type Connection struct {
	id      string
	conn    *net.UDPConn
	remote  *net.UDPAddr
	request []byte
	server  *Server
	log     *log.Entry
}

func newConnection(server *Server, request []byte, remote *net.UDPAddr) (*Connection, error) {
	local := &net.UDPAddr{IP: server.listenIP()}
	conn, err := net.ListenUDP("udp", local)
	if err != nil {
		return nil, fmt.Errorf("%w: bind connection socket: %v", common.ErrTransportFailure, err)
	}

	id := uuid.New().String()
	return &Connection{
		id:      id,
		conn:    conn,
		remote:  remote,
		request: request,
		server:  server,
		log: log.WithFields(log.Fields{
			"Connection":     id,
			"Remote Address": remote.String(),
		}),
	}, nil
}

func (c *Connection) LocalAddr() *net.UDPAddr {
	return c.conn.LocalAddr().(*net.UDPAddr)
}

// Serve runs the whole transfer and closes the socket when it returns.
func (c *Connection) Serve() error {
	metrics := c.server.metrics
	metrics.ConnectionOpened()
	defer metrics.ConnectionClosed()

	defer func() {
		if err := c.conn.Close(); err != nil {
			c.log.WithError(err).Error("Could not close connection socket")
		}
	}()

	req, err := common.ParseRequest(c.request)
	if err != nil {
		metrics.ObserveMalformedRequest()
		c.log.WithError(err).Warn("Received malformed request")
		c.sendError(common.AsTFTPError(err))
		return err
	}

	c.log = c.log.WithFields(log.Fields{
		"Request":  req.Kind.String(),
		"Filename": req.Filename,
		"Mode":     req.Mode,
	})
	c.log.Info("Accepted request")

	var file *storage.File
	if req.Kind == common.Read {
		file, err = c.server.store.Open(req.Filename)
	} else {
		file, err = c.server.store.Create(req.Filename)
	}
	if err != nil {
		c.log.WithError(err).Warn("Could not open file")
		c.sendError(common.AsTFTPError(err))
		metrics.ObserveTransfer(req.Kind, resultFailure)
		return err
	}

	session, err := c.transfer(req.Kind, file)
	if err != nil {
		if abortErr := file.Abort(); abortErr != nil {
			c.log.WithError(abortErr).Error("Could not abort file")
		}
		if errors.Is(err, common.ErrShutdown) {
			c.log.Info("Connection stopped by shutdown")
			metrics.ObserveTransfer(req.Kind, resultShutdown)
			return err
		}
		c.log.WithError(err).Error("Transfer failed")
		metrics.ObserveTransfer(req.Kind, resultFailure)
		return err
	}

	if err := file.Close(); err != nil {
		c.log.WithError(err).Error("Could not close file")
		metrics.ObserveTransfer(req.Kind, resultFailure)
		return err
	}

	c.log.WithFields(log.Fields{
		"Blocks": session.BlockCount(),
		"Bytes":  session.Bytes(),
		"Digest": file.Digest(),
	}).Info("Transfer complete")
	metrics.ObserveTransfer(req.Kind, resultSuccess)
	return nil
}

func (c *Connection) transfer(kind common.RequestKind, file *storage.File) (*Session, error) {
	session, err := NewSession(kind, file, c.log)
	if err != nil {
		c.sendError(common.AsTFTPError(err))
		return nil, err
	}

	response, err := session.FirstResponse()
	if err != nil {
		c.sendError(common.AsTFTPError(err))
		return nil, err
	}
	if err := c.send(response, c.remote); err != nil {
		return nil, err
	}

	for !session.Complete() {
		pck, err := c.receive()
		if err != nil {
			return nil, err
		}

		response, err := session.Next(pck)
		if err != nil {
			if !errors.Is(err, errPeerAborted) {
				c.sendError(common.AsTFTPError(err))
			}
			return nil, err
		}

		if response != nil {
			if err := c.send(response, c.remote); err != nil {
				return nil, err
			}
		}
	}

	return session, nil
}

// receive blocks until the locked peer sends a packet. Idle timeouts only
// end the wait once a shutdown was requested.
func (c *Connection) receive() ([]byte, error) {
	buf := make([]byte, common.PacketSize+1)
	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.server.options.IdleTimeout)); err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrTransportFailure, err)
		}

		n, addr, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if c.server.runtime.QuitRequested() {
					return nil, common.ErrShutdown
				}
				c.log.Debug("Idle timeout, still waiting")
				continue
			}
			return nil, fmt.Errorf("%w: %v", common.ErrTransportFailure, err)
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		if !sameAddr(addr, c.remote) {
			c.log.WithField("Stranger", addr.String()).Warn("Received packet from unknown transfer ID")
			tftpErr := common.NewTFTPError(common.ErrCodeUnknownTID, nil)
			if err := c.send(common.EncodeErrorPacket(tftpErr.Code, tftpErr.Message), addr); err != nil {
				c.log.WithError(err).Warn("Could not reject stranger")
			}
			continue
		}

		c.server.metrics.ObserveReceive(data)
		c.logPacket("Received packet", addr, c.LocalAddr(), data)
		return data, nil
	}
}

func (c *Connection) send(data []byte, addr *net.UDPAddr) error {
	if _, err := c.conn.WriteToUDP(data, addr); err != nil {
		return fmt.Errorf("%w: %v", common.ErrTransportFailure, err)
	}
	c.server.metrics.ObserveSend(data)
	c.logPacket("Sent packet", c.LocalAddr(), addr, data)
	return nil
}

func (c *Connection) sendError(tftpErr *common.TFTPError) {
	if err := c.send(common.EncodeErrorPacket(tftpErr.Code, tftpErr.Message), c.remote); err != nil {
		c.log.WithError(err).Error("Could not send error packet")
	}
}

func (c *Connection) logPacket(msg string, from net.Addr, to net.Addr, data []byte) {
	entry := c.log
	if c.server.runtime.IsVerboseOutput() {
		fields := log.Fields{
			"Source":      from.String(),
			"Destination": to.String(),
			"Length":      len(data),
			"Contents":    hex.EncodeToString(data),
		}
		if len(data) >= common.HeaderSize {
			fields["Opcode"] = opcodeLabel(data)
			fields["Block"] = binary.BigEndian.Uint16(data[2:4])
		}
		entry = entry.WithFields(fields)
	}
	entry.Info(msg)
}

func sameAddr(a *net.UDPAddr, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}
