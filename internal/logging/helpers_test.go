package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

// initFileLogger points the global logger at a temp lanedeck.log and returns
// its path. Debug and LogDir are always set.
func initFileLogger(t *testing.T, cfg Config) string {
	t.Helper()
	Shutdown()
	cfg.Debug = true
	cfg.LogDir = t.TempDir()
	Init(cfg)
	t.Cleanup(Shutdown)
	return filepath.Join(cfg.LogDir, "lanedeck.log")
}

func readLog(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return data
}

// records parses JSONL, skipping lines that are not JSON.
func records(data []byte) []map[string]any {
	var out []map[string]any
	for _, line := range bytes.Split(data, []byte("\n")) {
		var r map[string]any
		if json.Unmarshal(line, &r) == nil {
			out = append(out, r)
		}
	}
	return out
}

func findMsg(data []byte, msg string) map[string]any {
	for _, r := range records(data) {
		if r["msg"] == msg {
			return r
		}
	}
	return nil
}

func containsMsg(data []byte, msg string) bool {
	return findMsg(data, msg) != nil
}
