package logx

import (
	"strings"
	"testing"
)

func TestTailReturnsRecentEntries(t *testing.T) {
	logger := NewLogger("test-tail")
	logger.Info("first entry %d", 1)
	logger.Warn("second entry")

	entries := Tail(0)
	if len(entries) < 2 {
		t.Fatalf("tail holds %d entries", len(entries))
	}

	last := entries[len(entries)-1]
	if last.Component != "test-tail" || last.Level != string(LevelWarn) || last.Message != "second entry" {
		t.Errorf("last entry = %+v", last)
	}
	prev := entries[len(entries)-2]
	if prev.Message != "first entry 1" {
		t.Errorf("previous entry = %+v", prev)
	}
}

func TestTailLimit(t *testing.T) {
	logger := NewLogger("test-limit")
	for i := 0; i < 5; i++ {
		logger.Info("entry %d", i)
	}

	entries := Tail(3)
	if len(entries) != 3 {
		t.Fatalf("tail(3) returned %d entries", len(entries))
	}
	if !strings.Contains(entries[2].Message, "entry 4") {
		t.Errorf("entries = %+v", entries)
	}
}

func TestDebugSuppressedByDefault(t *testing.T) {
	SetDebug(false)
	logger := NewLogger("test-debug")

	before := len(Tail(0))
	logger.Debug("invisible")
	if len(Tail(0)) != before {
		t.Error("debug entry recorded while debug is off")
	}

	SetDebug(true)
	defer SetDebug(false)
	logger.Debug("visible")
	entries := Tail(1)
	if len(entries) != 1 || entries[0].Message != "visible" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestErrorfReturnsError(t *testing.T) {
	err := Errorf("widget %s failed", "a")
	if err == nil || err.Error() != "widget a failed" {
		t.Errorf("err = %v", err)
	}
	entries := Tail(1)
	if len(entries) != 1 || entries[0].Level != string(LevelError) {
		t.Errorf("entries = %+v", entries)
	}
}
