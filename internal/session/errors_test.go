package session

import (
	"errors"
	"strings"
	"testing"
)

func TestErrorKindString(t *testing.T) {
	cases := map[ErrorKind]string{
		ConfigError:    "ConfigError",
		BootError:      "BootError",
		HandshakeError: "HandshakeError",
		ProtocolError:  "ProtocolError",
		GuestRejected:  "GuestRejected",
		GuestExec:      "GuestExec",
		Timeout:        "Timeout",
		OciRootfsError: "OciRootfsError",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("ErrorKind(%d).String() = %q, want %q", int(kind), got, want)
		}
	}
}

func TestSandboxErrorUnwrap(t *testing.T) {
	cause := errors.New("underlying")
	err := wrapErr(BootError, "boot failed", cause)
	if !errors.Is(err, cause) {
		t.Fatal("errors.Is did not find the wrapped cause")
	}
	if !strings.Contains(err.Error(), "boot failed") || !strings.Contains(err.Error(), "underlying") {
		t.Fatalf("Error() = %q, missing message or cause", err.Error())
	}
}

func TestSandboxErrorWithoutCause(t *testing.T) {
	err := wrapErr(GuestRejected, "secret mismatch", nil)
	if err.Unwrap() != nil {
		t.Fatal("Unwrap() should be nil when no cause was given")
	}
	if !strings.Contains(err.Error(), "secret mismatch") {
		t.Fatalf("Error() = %q", err.Error())
	}
}
