package security

import (
	"strings"
	"testing"

	"github.com/drivelinehq/driveline/common"
)

func newTestCSRF() *CSRFService {
	return NewCSRFService("csrf-test-secret", common.ServiceLogger("test"))
}

func TestCSRFTokenRoundTrip(t *testing.T) {
	svc := newTestCSRF()

	token, err := svc.GenerateToken("session-abc")
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	if err := svc.ValidateToken("session-abc", token); err != nil {
		t.Errorf("ValidateToken() rejected own token: %v", err)
	}
}

func TestCSRFTokenBoundToSession(t *testing.T) {
	svc := newTestCSRF()

	token, err := svc.GenerateToken("session-abc")
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	if err := svc.ValidateToken("session-other", token); err != ErrInvalidCSRFToken {
		t.Errorf("ValidateToken() cross-session = %v, want ErrInvalidCSRFToken", err)
	}
}

func TestCSRFTokenRejectsMalformed(t *testing.T) {
	svc := newTestCSRF()

	good, err := svc.GenerateToken("session-abc")
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	parts := strings.SplitN(good, ".", 2)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"no separator", "abcdef"},
		{"bad nonce encoding", "!!!." + parts[1]},
		{"bad signature encoding", parts[0] + ".zzzz"},
		{"tampered signature", parts[0] + "." + strings.Repeat("0", len(parts[1]))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := svc.ValidateToken("session-abc", tt.token); err != ErrInvalidCSRFToken {
				t.Errorf("ValidateToken(%q) = %v, want ErrInvalidCSRFToken", tt.token, err)
			}
		})
	}
}

func TestCSRFTokensAreUnique(t *testing.T) {
	svc := newTestCSRF()

	a, _ := svc.GenerateToken("session-abc")
	b, _ := svc.GenerateToken("session-abc")
	if a == b {
		t.Error("two tokens for the same session are identical")
	}
}
