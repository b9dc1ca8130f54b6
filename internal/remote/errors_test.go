package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestFromStatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{429, KindTransient},
		{500, KindTransient},
		{502, KindTransient},
		{503, KindTransient},
		{400, KindFatal},
		{401, KindFatal},
		{403, KindFatal},
		{404, KindFatal},
		{422, KindFatal},
	}

	for _, tt := range tests {
		err := FromStatus("op", tt.status, "message")
		if err.Kind != tt.want {
			t.Errorf("status %d: expected %s, got %s", tt.status, tt.want, err.Kind)
		}
		if err.StatusCode != tt.status {
			t.Errorf("status %d: StatusCode not carried", tt.status)
		}
	}
}

func TestErrorMessageIncludesStatus(t *testing.T) {
	err := FromStatus("extract", 503, "service unavailable")
	msg := err.Error()
	if !strings.Contains(msg, "503") || !strings.Contains(msg, "extract") {
		t.Errorf("unexpected message: %s", msg)
	}
}

func TestClassifyWrappedError(t *testing.T) {
	inner := Fatal("op", "bad input")
	wrapped := fmt.Errorf("stage failed: %w", inner)

	if Classify(wrapped) != KindFatal {
		t.Error("expected wrapped fatal error to classify as fatal")
	}
	if !IsFatal(wrapped) {
		t.Error("IsFatal should see through wrapping")
	}
}

func TestClassifyDeadlineExceeded(t *testing.T) {
	if Classify(context.DeadlineExceeded) != KindTransient {
		t.Error("deadline exceeded should be transient")
	}
}

func TestClassifyUnknownErrorDefaultsTransient(t *testing.T) {
	if Classify(errors.New("something odd")) != KindTransient {
		t.Error("unknown errors should default to transient")
	}
}
