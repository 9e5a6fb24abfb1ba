package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewJSONDebug(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Debug: true, JSON: true, Out: &buf})
	if l.GetLevel() != logrus.DebugLevel {
		t.Fatalf("expected debug level, got=%s", l.GetLevel())
	}
	l.WithField("run_id", "r1").Debug("hello")
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode json log line: %v", err)
	}
	if line["run_id"] != "r1" || line["msg"] != "hello" {
		t.Fatalf("unexpected log line: %v", line)
	}
}

func TestNewInfoLevelDropsDebug(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Out: &buf})
	l.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected no output at info level, got=%q", buf.String())
	}
}
