package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestFindOnlyMatchesExplicitFaults(t *testing.T) {
	fe := New(Precondition, "task %d not ready", 7)
	wrapped := fmt.Errorf("tool call: %w", fe)
	if Find(wrapped) == nil {
		t.Fatalf("expected fault through wrap")
	}
	if Find(errors.New("plain")) != nil {
		t.Fatalf("plain errors carry no fault")
	}
	if !IsKind(wrapped, Precondition) {
		t.Fatalf("kind not matched through wrap")
	}
	if IsKind(errors.New("plain"), Storage) {
		t.Fatalf("plain errors must not match any kind")
	}
}

func TestAsDefaultsToStorage(t *testing.T) {
	fe := As(errors.New("disk on fire"))
	if fe == nil || fe.Kind != Storage || fe.Retriable {
		t.Fatalf("unexpected default classification: %+v", fe)
	}
	if As(nil) != nil {
		t.Fatalf("nil error classifies to nil")
	}
}

func TestRetriableFlag(t *testing.T) {
	fe := Retriable(SandboxUnavailable, "runtime down")
	if !fe.Retriable {
		t.Fatalf("expected retriable fault")
	}
	if fe.Error() != "sandbox_unavailable: runtime down" {
		t.Fatalf("unexpected message: %s", fe.Error())
	}
}
