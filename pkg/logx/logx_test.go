package logx

import (
	"testing"
)

func TestNewLogger(t *testing.T) {
	logger := NewLogger("registry")
	if logger.Component() != "registry" {
		t.Errorf("Expected component 'registry', got %s", logger.Component())
	}
}

func TestWithComponent(t *testing.T) {
	logger := NewLogger("registry")
	child := logger.WithComponent("lifecycle")

	if child.Component() != "lifecycle" {
		t.Errorf("Expected component 'lifecycle', got %s", child.Component())
	}
	if logger.Component() != "registry" {
		t.Error("WithComponent must not mutate the parent logger")
	}
}

func TestDebugDomainFiltering(t *testing.T) {
	defer SetDebug(false, nil)

	SetDebug(false, nil)
	if DebugEnabled("ipc") {
		t.Error("Debug should be disabled by default")
	}

	SetDebug(true, nil)
	if !DebugEnabled("ipc") {
		t.Error("Debug with no domain filter should enable all domains")
	}

	SetDebug(true, []string{"registry", "lifecycle"})
	if !DebugEnabled("registry") {
		t.Error("Listed domain should be enabled")
	}
	if DebugEnabled("ipc") {
		t.Error("Unlisted domain should be disabled")
	}
}

func TestErrorfReturnsError(t *testing.T) {
	err := Errorf("save failed: %s", "disk full")
	if err == nil {
		t.Fatal("Errorf should return an error")
	}
	if err.Error() != "save failed: disk full" {
		t.Errorf("Unexpected error text: %s", err.Error())
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, "context") != nil {
		t.Error("Wrap(nil) should return nil")
	}
}
