package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestMetadataForKnownCodes(t *testing.T) {
	tests := []struct {
		code      Code
		status    int
		retryable bool
		detailsOK bool
	}{
		{code: CodeValidation, status: http.StatusBadRequest, detailsOK: true},
		{code: CodeUnauthorized, status: http.StatusUnauthorized},
		{code: CodeNotFound, status: http.StatusNotFound},
		{code: CodeConflict, status: http.StatusConflict},
		{code: CodeIdempotencyInProgress, status: http.StatusConflict, retryable: true},
		{code: CodeInternal, status: http.StatusInternalServerError, retryable: true},
		{code: CodeDependency, status: http.StatusServiceUnavailable, retryable: true, detailsOK: true},
	}

	for _, tt := range tests {
		meta := MetadataFor(tt.code)
		if meta.HTTPStatus != tt.status {
			t.Fatalf("code %s expected status %d got %d", tt.code, tt.status, meta.HTTPStatus)
		}
		if meta.Retryable != tt.retryable {
			t.Fatalf("code %s expected retryable %v got %v", tt.code, tt.retryable, meta.Retryable)
		}
		if meta.DetailsAllowed != tt.detailsOK {
			t.Fatalf("code %s expected details allowed %v got %v", tt.code, tt.detailsOK, meta.DetailsAllowed)
		}
		if meta.PublicMessage == "" {
			t.Fatalf("code %s has no public message", tt.code)
		}
	}
}

func TestMetadataForUnknownCodeDefaultsToInternal(t *testing.T) {
	meta := MetadataFor("SOMETHING_UNKNOWN")
	if meta.HTTPStatus != http.StatusInternalServerError {
		t.Fatalf("expected internal status, got %d", meta.HTTPStatus)
	}
}

func TestErrorConstructors(t *testing.T) {
	base := New(CodeValidation, "missing title")
	if base.Code() != CodeValidation {
		t.Fatalf("expected validation code, got %s", base.Code())
	}
	if base.Message() != "missing title" {
		t.Fatalf("unexpected message %q", base.Message())
	}
	if base.Details() != nil {
		t.Fatalf("details should be nil by default")
	}

	base.WithDetails(map[string]any{"field": "title"})
	if base.Details() == nil {
		t.Fatalf("details should be preserved")
	}

	cause := stdErrors.New("boom")
	wrapped := Wrap(CodeDependency, cause, "insert task")
	if !stdErrors.Is(wrapped, cause) {
		t.Fatalf("Wrap did not preserve cause")
	}
	if !strings.Contains(wrapped.Error(), "boom") {
		t.Fatalf("expected cause in message, got %q", wrapped.Error())
	}
}

func TestCodeOfWalksChain(t *testing.T) {
	inner := New(CodeIdempotencyInProgress, "still running")
	outer := fmt.Errorf("issue newsletter: %w", inner)

	if got := CodeOf(outer); got != CodeIdempotencyInProgress {
		t.Fatalf("expected in-progress code, got %s", got)
	}
	if !IsCode(outer, CodeIdempotencyInProgress) {
		t.Fatal("IsCode should match wrapped code")
	}
	if got := CodeOf(stdErrors.New("plain")); got != CodeInternal {
		t.Fatalf("expected internal for untyped error, got %s", got)
	}
	if As(nil) != nil {
		t.Fatalf("As(nil) should return nil")
	}
}

func TestDumpCapturesChain(t *testing.T) {
	err := fmt.Errorf("outer: %w", Wrap(CodeDependency, stdErrors.New("db down"), "enqueue"))
	d := Dump(err)
	if d.Code != CodeDependency {
		t.Fatalf("expected dependency code, got %s", d.Code)
	}
	if len(d.Chain) < 3 {
		t.Fatalf("expected full chain, got %v", d.Chain)
	}
}

func TestDumpFlagsTimeoutsAndDrivers(t *testing.T) {
	d := Dump(Wrap(CodeDependency, fmt.Errorf("send: %w", context.DeadlineExceeded), "deliver"))
	if !d.Timeout || d.Canceled {
		t.Fatalf("expected timeout only, got %+v", d)
	}
	if d.RootMessage != context.DeadlineExceeded.Error() {
		t.Fatalf("unexpected root message %q", d.RootMessage)
	}

	sqlite := Dump(fmt.Errorf("insert: %w", stdErrors.New("UNIQUE constraint failed: subscribers.email")))
	if sqlite.Driver != "sqlite" {
		t.Fatalf("expected sqlite driver, got %q", sqlite.Driver)
	}
}

func TestDumpCapsChainDepth(t *testing.T) {
	var err error = stdErrors.New("root")
	for i := 0; i < 20; i++ {
		err = fmt.Errorf("layer %d: %w", i, err)
	}
	d := Dump(err)
	if len(d.Chain) != maxChainDepth+1 || d.Chain[maxChainDepth] != "..." {
		t.Fatalf("expected capped chain, got %d entries", len(d.Chain))
	}
}
