package logging

import (
	"bytes"
	"encoding/json"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSetupWritesStructuredJSON(t *testing.T) {
	prevDefault := slog.Default()
	prevOutput := log.Writer()
	defer func() {
		slog.SetDefault(prevDefault)
		log.SetOutput(prevOutput)
	}()

	var buf bytes.Buffer
	file := filepath.Join(t.TempDir(), "levlend.log")
	logger, closeLog := Setup("levlend", "test", Options{Level: "warn", File: file, MaxSizeMB: 1, Output: &buf})
	defer closeLog()

	logger.Info("dropped below level")
	logger.Warn("leverage call reverted", MaskField("authorization", "Bearer abc"), MaskField("user", "0x01"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line at warn level, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for key, want := range map[string]string{
		"severity":      "WARN",
		"message":       "leverage call reverted",
		"service":       "levlend",
		"env":           "test",
		"authorization": RedactedValue,
		"user":          "0x01",
	} {
		if got, _ := entry[key].(string); got != want {
			t.Fatalf("%s: expected %q, got %q", key, want, got)
		}
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Fatalf("expected timestamp key")
	}

	if err := closeLog(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "leverage call reverted") {
		t.Fatalf("log file missing entry: %q", data)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"other":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("%q: expected %s, got %s", in, want, got)
		}
	}
}

func TestAllowlistIsSorted(t *testing.T) {
	keys := RedactionAllowlist()
	for i := 1; i < len(keys); i++ {
		if keys[i-1] > keys[i] {
			t.Fatalf("allowlist not sorted: %v", keys)
		}
	}
	if !IsAllowlisted(" OperationID ") {
		t.Fatalf("expected operation id to be allowlisted")
	}
}
