package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestWrapPreservesCodeThroughChain(t *testing.T) {
	cause := stdErrors.New("dial tcp: connection refused")
	err := fmt.Errorf("read balance: %w", Wrap(CodeUpstreamFailure, cause, "rpc 调用失败"))

	if got := CodeOf(err); got != CodeUpstreamFailure {
		t.Fatalf("unexpected code: got %s want %s", got, CodeUpstreamFailure)
	}
	if !IsCode(err, CodeUpstreamFailure) {
		t.Fatal("expected IsCode to find wrapped code")
	}
	if !stdErrors.Is(err, cause) {
		t.Fatal("expected cause to stay reachable")
	}
	if !RetryableError(err) {
		t.Fatal("upstream failures should be retryable by default")
	}
	if got := HTTPStatusOf(err); got != http.StatusBadGateway {
		t.Fatalf("unexpected http status: %d", got)
	}
}

func TestRegisterOverridesDefaults(t *testing.T) {
	const code Code = "TEST_REGISTERED"
	Register(code, Attributes{Message: "registered", Severity: SeverityCritical, Alert: true, HTTPStatus: http.StatusTeapot})

	err := New(code, "")
	if err.Message() != "registered" {
		t.Fatalf("expected default message, got %q", err.Message())
	}
	if !ShouldAlert(err) {
		t.Fatal("expected alert flag from registry")
	}
	if SeverityOf(err) != SeverityCritical {
		t.Fatalf("unexpected severity %s", SeverityOf(err))
	}
	if HTTPStatusOf(err) != http.StatusTeapot {
		t.Fatalf("unexpected http status %d", HTTPStatusOf(err))
	}

	overridden := New(code, "x", WithAlert(false), WithRetryable(true), WithMetadata("chain", "base_sepolia"))
	if overridden.ShouldAlert() || !overridden.Retryable() {
		t.Fatal("options should override registry attributes")
	}
	if overridden.Metadata()["chain"] != "base_sepolia" {
		t.Fatalf("unexpected metadata %v", overridden.Metadata())
	}
}

func TestUnregisteredCodeFallsBackToUnknown(t *testing.T) {
	err := New("NEVER_REGISTERED", "boom")
	if HTTPStatusOf(err) != http.StatusInternalServerError {
		t.Fatalf("unexpected status %d", HTTPStatusOf(err))
	}
	if CodeOf(stdErrors.New("plain")) != CodeUnknown {
		t.Fatal("plain errors should map to UNKNOWN")
	}
	if HTTPStatusOf(nil) != http.StatusOK {
		t.Fatal("nil error should map to 200")
	}
}
