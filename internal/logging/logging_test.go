// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Level != LevelInfo {
		t.Errorf("expected LevelInfo, got %v", cfg.Level)
	}
	if cfg.JSON {
		t.Error("expected default to be text, not JSON")
	}
}

func TestWithComponentTagsOutput(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	cfg := Config{Level: LevelDebug, JSON: true, Output: w}
	l := New(cfg).WithComponent("portal")
	l.Info("connected", "gateway", "g1")
	w.Close()

	var buf bytes.Buffer
	buf.ReadFrom(r)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("invalid json log line: %v (%s)", err, buf.String())
	}
	if line["component"] != "portal" {
		t.Errorf("expected component=portal, got %v", line["component"])
	}
	if line["gateway"] != "g1" {
		t.Errorf("expected gateway=g1, got %v", line["gateway"])
	}
	if !strings.Contains(buf.String(), "connected") {
		t.Errorf("expected message in output, got %s", buf.String())
	}
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	l := FromContext(context.Background())
	if l == nil {
		t.Fatal("expected non-nil default logger")
	}
}
