package server

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Pablu23/tftpd/internal/common"
	"github.com/Pablu23/tftpd/internal/config"
)

func TestNewUsesTargetPort(t *testing.T) {
	cfg := config.Default()
	datapath := t.TempDir()

	srv, err := New(cfg, func(o *Options) { o.Datapath = datapath })
	if err != nil {
		t.Fatal(err)
	}
	if srv.options.Port != config.NormalPort {
		t.Errorf("Got port = %d; want %d", srv.options.Port, config.NormalPort)
	}

	cfg.RunMode = config.RunModeTest
	srv, err = New(cfg, func(o *Options) { o.Datapath = datapath })
	if err != nil {
		t.Fatal(err)
	}
	if srv.options.Port != config.TestPort {
		t.Errorf("Got port = %d; want %d", srv.options.Port, config.TestPort)
	}
}

func TestNewRejectsIdleTimeout(t *testing.T) {
	datapath := t.TempDir()
	_, err := New(config.Default(), func(o *Options) {
		o.Datapath = datapath
		o.IdleTimeout = 0
	})
	if err == nil {
		t.Error("expected error for zero idle timeout")
	}
}

func TestServeReturnsAfterClose(t *testing.T) {
	datapath := t.TempDir()
	srv, err := New(config.Default(), func(o *Options) {
		o.Address = "127.0.0.1"
		o.Port = 0
		o.Datapath = datapath
	})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()

	waitFor(t, "listening socket", func() bool { return srv.Addr() != nil })
	if err := srv.Close(); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Got err = %v; want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
}

func TestListenReportsResolutionFailure(t *testing.T) {
	datapath := t.TempDir()
	srv, err := New(config.Default(), func(o *Options) {
		o.Address = "not a host name"
		o.Datapath = datapath
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := srv.Listen(); err == nil {
		t.Error("expected error for unresolvable address")
	}
}

func TestMetricsHandler(t *testing.T) {
	metrics := NewMetrics("")
	metrics.ObserveSend(common.EncodeAckPacket(3))
	metrics.ObserveReceive(common.EncodeDataPacket(3, []byte("abc")))
	metrics.ObserveTransfer(common.Write, resultSuccess)

	if got := testutil.ToFloat64(metrics.bytesSent); got != 4 {
		t.Errorf("Got %v bytes sent; want 4", got)
	}
	if got := testutil.ToFloat64(metrics.packetsReceived.WithLabelValues("DATA")); got != 1 {
		t.Errorf("Got %v DATA packets received; want 1", got)
	}

	recorder := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))

	body := recorder.Body.String()
	for _, want := range []string{
		`tftpd_transfers_total{kind="write",result="success"} 1`,
		`tftpd_packets_sent_total{opcode="ACK"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output misses %q", want)
		}
	}
}

func TestOpcodeLabel(t *testing.T) {
	tests := map[string][]byte{
		"RRQ":     {0, 1},
		"ERROR":   {0, 5, 0, 0, 0},
		"UNKNOWN": {1, 3},
	}
	for want, data := range tests {
		if got := opcodeLabel(data); got != want {
			t.Errorf("Got %s; want %s", got, want)
		}
	}
	if got := opcodeLabel(nil); got != "UNKNOWN" {
		t.Errorf("Got %s; want UNKNOWN", got)
	}
}
