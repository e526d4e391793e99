package internal

import (
	"fmt"
	"os"
	"testing"
)

func TestAssertPanicsInDebugMode(t *testing.T) {
	os.Setenv("RECEIPTSYNC_DEBUG", "1")
	defer os.Unsetenv("RECEIPTSYNC_DEBUG")
	defer func() {
		err := recover()
		if err == nil {
			t.Fatalf("Assert did not panic with RECEIPTSYNC_DEBUG=1")
		}
	}()
	Assert("this should panic", false)
}

func TestAssertDoesNotPanicNormally(t *testing.T) {
	os.Unsetenv("RECEIPTSYNC_DEBUG")
	Assert("this should not panic", false)
	Assert("true is fine", true)
}

func TestErrorKinds(t *testing.T) {
	var err error = &NotFoundError{Kind: "receipt", ID: 42}
	if !IsNotFound(err) {
		t.Errorf("IsNotFound(%v) = false, want true", err)
	}
	if IsValidation(err) {
		t.Errorf("IsValidation(%v) = true, want false", err)
	}
	wrapped := fmt.Errorf("transition failed: %w", err)
	if !IsNotFound(wrapped) {
		t.Errorf("IsNotFound(wrapped) = false, want true")
	}

	err = &ValidationError{Field: "receiver", Msg: "missing"}
	if !IsValidation(err) {
		t.Errorf("IsValidation(%v) = false, want true", err)
	}
	if IsNotFound(err) {
		t.Errorf("IsNotFound(%v) = true, want false", err)
	}
}
