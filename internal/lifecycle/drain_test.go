package lifecycle

import (
	"context"
	"testing"
	"time"
)

func TestTrackAndWait(t *testing.T) {
	m := NewDrainManager()
	release := m.Track()
	if m.Active() != 1 {
		t.Fatalf("Active() = %d, want 1", m.Active())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := m.Wait(ctx); err == nil {
		t.Fatalf("Wait() should time out while work is tracked")
	}

	release()
	release() // double release is safe
	if m.Active() != 0 {
		t.Fatalf("Active() = %d, want 0", m.Active())
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	if err := m.Wait(ctx2); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
}

func TestDrainingFlag(t *testing.T) {
	m := NewDrainManager()
	if m.IsDraining() {
		t.Fatalf("new manager should not be draining")
	}
	m.StartDraining()
	if !m.IsDraining() {
		t.Fatalf("IsDraining() = false after StartDraining()")
	}
}
