package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// failingWriter is a helper for testing error propagation.
type failingWriter struct{}

func (fw *failingWriter) Write(p []byte) (n int, err error) {
	return 0, errors.New("write failed")
}

func TestConsoleText(t *testing.T) {
	var console bytes.Buffer
	if err := Init(&console, "DEBUG", "text", ""); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer Close()

	slog.Debug("bus initialized", "host", "SPI2")

	out := console.String()
	if !strings.Contains(out, "bus initialized") || !strings.Contains(out, "tag=SPI_DMA") {
		t.Errorf("Expected tagged debug record on console, got: %s", out)
	}
}

func TestLevelFilter(t *testing.T) {
	var console bytes.Buffer
	if err := Init(&console, "warn", "text", ""); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer Close()

	slog.Info("hidden")
	slog.Warn("shown")

	if strings.Contains(console.String(), "hidden") {
		t.Errorf("Expected INFO record to be filtered at WARN, got: %s", console.String())
	}
	if !strings.Contains(console.String(), "shown") {
		t.Errorf("Expected WARN record, got: %s", console.String())
	}
}

func TestFileLoggingJSON(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "spidma.log")

	var console bytes.Buffer
	if err := Init(&console, "INFO", "json", logFile); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	slog.Info("SPI transmit completed", "bytes", 50)

	if err := Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	content, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	for _, want := range []string{`"msg":"SPI transmit completed"`, `"bytes":50`, `"tag":"SPI_DMA"`} {
		if !strings.Contains(string(content), want) {
			t.Errorf("Expected %s in log file, got: %s", want, string(content))
		}
	}
	if console.String() != string(content) {
		t.Errorf("Expected console and file to carry the same records")
	}
}

func TestInitBadLogFile(t *testing.T) {
	err := Init(&bytes.Buffer{}, "INFO", "text", filepath.Join(t.TempDir(), "missing", "x.log"))
	if err == nil {
		t.Fatal("Expected error for log file in missing directory")
	}
}

func TestWriteErrorPropagation(t *testing.T) {
	w := &teeWriter{console: &failingWriter{}}
	n, err := w.Write([]byte("x"))
	if err == nil {
		t.Error("Expected console write error to be returned")
	}
	if n != 1 {
		t.Errorf("Expected full length to be reported, got %d", n)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"Warn":  slog.LevelWarn,
		"ERROR": slog.LevelError,
		"bogus": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
