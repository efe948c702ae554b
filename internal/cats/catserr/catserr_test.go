package catserr

import (
	"errors"
	"testing"
)

func TestProtocolErrorUnwrapsToSentinel(t *testing.T) {
	err := Protocol("conn-1", "bad framing")
	if !errors.Is(err, ErrProtocol) {
		t.Error("Protocol-constructed error should match ErrProtocol via errors.Is")
	}
	if err.Error() == "" {
		t.Error("Error() should not be empty")
	}
}

func TestProtocolfFormatsReason(t *testing.T) {
	err := Protocolf("", "duplicate message_id %d", 42)
	pe, ok := err.(*ProtocolError)
	if !ok {
		t.Fatalf("Protocolf returned %T, want *ProtocolError", err)
	}
	if pe.Reason != "duplicate message_id 42" {
		t.Errorf("Reason = %q", pe.Reason)
	}
}

func TestActionErrorUnwrapsToValidation(t *testing.T) {
	err := Action(7, 400, "bad request")
	if !errors.Is(err, ErrValidation) {
		t.Error("Action-constructed error should match ErrValidation via errors.Is")
	}
	ae, ok := err.(*ActionError)
	if !ok {
		t.Fatalf("Action returned %T, want *ActionError", err)
	}
	if ae.MessageID != 7 || ae.Status != 400 {
		t.Errorf("ActionError = %+v", ae)
	}
}
