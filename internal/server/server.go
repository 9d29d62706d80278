package server

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/Pablu23/tftpd/internal/common"
	"github.com/Pablu23/tftpd/internal/storage"
)

// Runtime is the process wide configuration a server and its connections
// consult. Connections only ever read it.
type Runtime interface {
	IsVerboseOutput() bool
	QuitRequested() bool
	TargetPort() int
}

type Server struct {
	options *Options
	runtime Runtime
	store   *storage.Store
	metrics *Metrics

	mu            sync.Mutex
	conn          *net.UDPConn
	metricsServer *http.Server
	connections   sync.WaitGroup
}

func New(runtime Runtime, opts ...func(*Options)) (*Server, error) {
	options := NewDefaultOptions()
	options.Port = runtime.TargetPort()

	for _, opt := range opts {
		opt(options)
	}

	if options.IdleTimeout <= 0 {
		return nil, fmt.Errorf("idle timeout must be positive, got %v", options.IdleTimeout)
	}

	store, err := storage.New(options.Datapath)
	if err != nil {
		return nil, err
	}

	metrics := options.Metrics
	if metrics == nil {
		metrics = NewMetrics(defaultNamespace)
	}

	return &Server{
		options: options,
		runtime: runtime,
		store:   store,
		metrics: metrics,
	}, nil
}

func (server *Server) Metrics() *Metrics {
	return server.metrics
}

func (server *Server) listenIP() net.IP {
	server.mu.Lock()
	defer server.mu.Unlock()
	if server.conn != nil {
		return server.conn.LocalAddr().(*net.UDPAddr).IP
	}
	return net.ParseIP(server.options.Address)
}

// Listen binds the well known socket. Failing to do so is fatal for the server.
func (server *Server) Listen() error {
	address := net.JoinHostPort(server.options.Address, strconv.Itoa(server.options.Port))
	udpAddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrAddressResolution, err)
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("%w: listen on %v: %v", common.ErrTransportFailure, udpAddr, err)
	}

	server.mu.Lock()
	server.conn = conn
	server.mu.Unlock()

	log.WithFields(log.Fields{
		"Address":  conn.LocalAddr().String(),
		"Datapath": server.store.Path(),
	}).Info("Started listening")

	if server.options.MetricsAddress != "" {
		server.startMetrics()
	}
	return nil
}

func (server *Server) Addr() *net.UDPAddr {
	server.mu.Lock()
	defer server.mu.Unlock()
	if server.conn == nil {
		return nil
	}
	return server.conn.LocalAddr().(*net.UDPAddr)
}

func (server *Server) startMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", server.metrics.Handler())
	httpServer := &http.Server{
		Addr:    server.options.MetricsAddress,
		Handler: mux,
	}

	server.mu.Lock()
	server.metricsServer = httpServer
	server.mu.Unlock()

	go func() {
		log.WithField("Address", httpServer.Addr).Info("Serving metrics")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("Metrics endpoint stopped")
		}
	}()
}

// Serve waits for requests on the well known socket and hands each one to
// its own Connection. It returns once the socket is closed and every
// connection has finished.
func (server *Server) Serve() error {
	if server.Addr() == nil {
		if err := server.Listen(); err != nil {
			return err
		}
	}

	server.mu.Lock()
	conn := server.conn
	server.mu.Unlock()

	defer server.connections.Wait()

	for {
		buf := make([]byte, common.PacketSize)
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				log.Info("Stopped listening")
				return nil
			}
			log.WithError(err).Error("Could not retrieve UDP Packet")
			return fmt.Errorf("%w: %v", common.ErrTransportFailure, err)
		}

		server.metrics.ObserveReceive(buf[:n])
		if server.runtime.IsVerboseOutput() {
			log.WithFields(log.Fields{
				"Source":   addr.String(),
				"Length":   n,
				"Contents": fmt.Sprintf("%x", buf[:n]),
			}).Info("Received request")
		}

		connection, err := newConnection(server, buf[:n], addr)
		if err != nil {
			log.WithError(err).WithField("Remote Address", addr.String()).Error("Could not open connection")
			continue
		}

		server.connections.Add(1)
		go func() {
			defer server.connections.Done()
			if err := connection.Serve(); err != nil {
				connection.log.WithError(err).Debug("Connection ended with error")
			}
		}()
	}
}

// HandleShutdown calls requestQuit and closes the listening socket on SIGINT
// or SIGTERM.
func (server *Server) HandleShutdown(requestQuit func()) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-c
		log.WithField("Signal", sig.String()).Info("Server is shutting down")
		requestQuit()
		if err := server.Close(); err != nil {
			log.WithError(err).Error("Could not close UDP Listener")
		}
	}()
}

// Close stops accepting requests. Running connections end on their own or
// at their next idle timeout once the Runtime reports a quit request.
func (server *Server) Close() error {
	server.mu.Lock()
	conn := server.conn
	metricsServer := server.metricsServer
	server.mu.Unlock()

	if metricsServer != nil {
		if err := metricsServer.Close(); err != nil {
			log.WithError(err).Error("Could not close metrics endpoint")
		}
	}

	if conn == nil {
		return nil
	}
	return conn.Close()
}
