package errorsx

import "testing"

func TestWrapAndReason(t *testing.T) {
	err := Wrap(assertErr{}, ReasonConnectionLost)
	if Reason(err) != ReasonConnectionLost {
		t.Fatalf("expected reason %s, got %s", ReasonConnectionLost, Reason(err))
	}
	if !HasReason(err, ReasonConnectionLost) {
		t.Fatalf("expected HasReason true")
	}
}

func TestWrapPreservesExistingReason(t *testing.T) {
	first := Wrap(assertErr{}, ReasonRecognizeSend)
	second := Wrap(first, ReasonConnectionLost)
	if Reason(second) != ReasonRecognizeSend {
		t.Fatalf("expected reason preserved, got %s", Reason(second))
	}
}

func TestReasonNilError(t *testing.T) {
	if Wrap(nil, ReasonDecode) != nil {
		t.Fatalf("expected nil wrap for nil error")
	}
	if Reason(nil) != ReasonUnknown {
		t.Fatalf("expected unknown reason for nil error")
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
