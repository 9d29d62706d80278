package cli

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/cobra"

	"github.com/Pablu23/tftpd/internal/config"
	"github.com/Pablu23/tftpd/internal/server"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tftpd.toml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// execute runs the root command with a capture subcommand that captures the
// configuration the root command prepared.
func execute(t *testing.T, args ...string) (*config.Config, error) {
	t.Helper()
	var captured *config.Config

	rootCmd := NewRootCommand()
	rootCmd.AddCommand(&cobra.Command{
		Use: "capture",
		RunE: func(cmd *cobra.Command, args []string) error {
			captured = GetConfig(cmd)
			return nil
		},
	})
	rootCmd.SetArgs(append(args, "capture"))
	err := rootCmd.Execute()
	return captured, err
}

func TestRootFlagsOverrideConfig(t *testing.T) {
	path := writeConfig(t, `
run_mode = "normal"
output_mode = "quiet"
datapath = "/srv/tftp"
log_level = "warn"
`)

	cfg, err := execute(t, "--config", path, "--test", "--verbose", "--datapath", "/tmp/data")
	if err != nil {
		t.Fatal(err)
	}

	if cfg.RunMode != config.RunModeTest || cfg.TargetPort() != config.TestPort {
		t.Errorf("Got run mode %s port %d; want test mode on port %d", cfg.RunMode, cfg.TargetPort(), config.TestPort)
	}
	if !cfg.IsVerboseOutput() {
		t.Error("verbose flag not applied")
	}
	if cfg.Datapath != "/tmp/data" {
		t.Errorf("Got datapath %s; want /tmp/data", cfg.Datapath)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("Got log level %s; want warn from config file", cfg.LogLevel)
	}
}

func TestRootKeepsConfigWithoutFlags(t *testing.T) {
	path := writeConfig(t, `
run_mode = "test"
output_mode = "verbose"
`)

	cfg, err := execute(t, "--config", path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RunMode != config.RunModeTest || !cfg.IsVerboseOutput() {
		t.Errorf("Got run mode %s verbose %v; want test and verbose", cfg.RunMode, cfg.IsVerboseOutput())
	}
}

func TestRootRejectsBrokenConfig(t *testing.T) {
	path := writeConfig(t, `run_mode = "sometimes"`)

	if _, err := execute(t, "--config", path); err == nil {
		t.Error("expected error for unknown run mode")
	}
}

func TestReadAndWriteCommands(t *testing.T) {
	datapath := t.TempDir()
	cfg := config.Default()
	srv, err := server.New(cfg, func(o *server.Options) {
		o.Address = "127.0.0.1"
		o.Port = 0
		o.Datapath = datapath
		o.IdleTimeout = time.Second
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Listen(); err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve()
	}()
	t.Cleanup(func() {
		cfg.RequestQuit()
		srv.Close()
		<-done
	})

	configPath := writeConfig(t, "client_timeout_ms = 300\n")
	port := strconv.Itoa(srv.Addr().Port)
	local := t.TempDir()

	data := make([]byte, 1500)
	for i := range data {
		data[i] = byte(i)
	}
	upload := filepath.Join(local, "upload.bin")
	if err := os.WriteFile(upload, data, 0o644); err != nil {
		t.Fatal(err)
	}

	write := NewRootCommand()
	write.SetArgs([]string{"--config", configPath, "write", "--host", "127.0.0.1", "--port", port, upload, "stored.bin"})
	if err := write.Execute(); err != nil {
		t.Fatal(err)
	}

	download := filepath.Join(local, "download.bin")
	deadline := time.Now().Add(2 * time.Second)
	for {
		read := NewRootCommand()
		read.SetArgs([]string{"--config", configPath, "read", "--host", "127.0.0.1", "--port", port, "stored.bin", download})
		err := read.Execute()
		if err == nil {
			break
		}
		// The upload may still be closing on the server side.
		if time.Now().After(deadline) {
			t.Fatal(err)
		}
		os.Remove(download)
		time.Sleep(20 * time.Millisecond)
	}

	got, err := os.ReadFile(download)
	if err != nil {
		t.Fatal(err)
	}
	if !cmp.Equal(got, data) {
		t.Errorf("downloaded %d bytes differ from %d bytes uploaded", len(got), len(data))
	}
}
