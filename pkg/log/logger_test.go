package log

import "testing"

func TestSharedSingleton(t *testing.T) {
	first := Shared()
	second := Shared()

	if first != second {
		t.Fatalf("expected singleton logger instance")
	}

	if err := Sync(); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}

	logger, err := New("debug")
	if err != nil {
		t.Fatalf("new debug logger: %v", err)
	}
	if logger == nil {
		t.Fatalf("expected logger instance")
	}
}

func TestParseLevelDefaultsToInfo(t *testing.T) {
	level, err := ParseLevel("")
	if err != nil {
		t.Fatalf("parse empty level: %v", err)
	}
	if level.String() != "info" {
		t.Fatalf("expected info, got %s", level)
	}
}
