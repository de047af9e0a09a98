package store

import (
	"testing"
	"time"

	"github.com/habbes/sandstorm/pkg/model"
)

func TestSandboxStoreCreateGetFlow(t *testing.T) {
	s := NewSandboxStore()
	now := time.Now().UTC()
	cfg := model.SandboxConfiguration{ImageID: "img-1", Size: "small"}
	s.Create("s1", cfg, "", 0, now)

	view, ok := s.Get("s1")
	if !ok {
		t.Fatalf("Get() not found")
	}
	if view.Status != model.SandboxStatusCreating || view.Configuration.ImageID != "img-1" {
		t.Fatalf("unexpected view: %+v", view)
	}

	if !s.SetVMInfo("s1", "vm-1", "10.0.0.5") {
		t.Fatalf("SetVMInfo() = false")
	}
	view, _ = s.Get("s1")
	if view.VMHandle != "vm-1" || view.PublicIP != "10.0.0.5" {
		t.Fatalf("vm info not recorded: %+v", view)
	}
}

func TestSandboxStoreStatusTransitions(t *testing.T) {
	s := NewSandboxStore()
	s.Create("s1", model.SandboxConfiguration{}, "", 0, time.Now())

	if !s.CompareAndSetStatus("s1", model.SandboxStatusCreating, model.SandboxStatusReady) {
		t.Fatalf("CompareAndSetStatus() Creating→Ready = false")
	}
	// Second promotion attempt must not fire.
	if s.CompareAndSetStatus("s1", model.SandboxStatusCreating, model.SandboxStatusReady) {
		t.Fatalf("CompareAndSetStatus() fired twice")
	}

	if !s.SetStatus("s1", model.SandboxStatusStopping) {
		t.Fatalf("SetStatus() = false")
	}
	status, ok := s.Status("s1")
	if !ok || status != model.SandboxStatusStopping {
		t.Fatalf("Status() = %v, %v", status, ok)
	}
}

func TestSandboxStoreListOrdered(t *testing.T) {
	s := NewSandboxStore()
	now := time.Now()
	s.Create("s2", model.SandboxConfiguration{}, "", 0, now)
	s.Create("s1", model.SandboxConfiguration{}, "", 0, now)

	views := s.List()
	if len(views) != 2 || views[0].ID != "s1" || views[1].ID != "s2" {
		t.Fatalf("List() = %+v, want ordered by id", views)
	}
}

func TestSandboxStoreRemove(t *testing.T) {
	s := NewSandboxStore()
	s.Create("s1", model.SandboxConfiguration{}, "", 0, time.Now())
	s.Remove("s1")
	if _, ok := s.Get("s1"); ok {
		t.Fatalf("Get() after Remove() = true")
	}
}
