package filesync

import (
	"io"
	"log/slog"
	"testing"
)

func newTestRegistry() *Registry {
	return NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)), nil, nil)
}

func TestNotifyUnregisteredIsNoOp(t *testing.T) {
	r := newTestRegistry()
	r.Notify("ghost", "/tmp/a.go", OpModify)
	if got := r.Pending("ghost"); got != nil {
		t.Fatalf("Pending(ghost) = %v, want nil", got)
	}
}

func TestPendingIsStableUntilDelivered(t *testing.T) {
	r := newTestRegistry()
	r.Register("agent-a")
	r.Notify("agent-a", "/ws/report.md", OpModify)

	first := r.Pending("agent-a")
	second := r.Pending("agent-a")
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("pending lengths = %d, %d, want 1, 1", len(first), len(second))
	}
	if first[0].ID != second[0].ID {
		t.Fatalf("reads returned different notifications: %q vs %q", first[0].ID, second[0].ID)
	}

	r.MarkDelivered("agent-a", []string{first[0].ID})
	if got := r.Pending("agent-a"); len(got) != 0 {
		t.Fatalf("pending after delivery = %v, want empty", got)
	}
}

func TestDuplicateChangeQueuedOnce(t *testing.T) {
	r := newTestRegistry()
	r.Register("agent-a")
	r.Notify("agent-a", "/ws/report.md", OpModify)
	r.Notify("agent-a", "/ws/report.md", OpModify)

	if got := r.Pending("agent-a"); len(got) != 1 {
		t.Fatalf("len(pending) = %d, want 1", len(got))
	}

	// A different operation on the same path is a distinct change.
	r.Notify("agent-a", "/ws/report.md", OpDelete)
	if got := r.Pending("agent-a"); len(got) != 2 {
		t.Fatalf("len(pending) = %d, want 2", len(got))
	}
}

func TestChangeCanRequeueAfterDelivery(t *testing.T) {
	r := newTestRegistry()
	r.Register("agent-a")
	r.Notify("agent-a", "/ws/report.md", OpModify)
	pending := r.Pending("agent-a")
	r.MarkDelivered("agent-a", []string{pending[0].ID})

	r.Notify("agent-a", "/ws/report.md", OpModify)
	if got := r.Pending("agent-a"); len(got) != 1 {
		t.Fatalf("len(pending) = %d, want 1 after re-notify", len(got))
	}
}

func TestMarkDeliveredIsPartial(t *testing.T) {
	r := newTestRegistry()
	r.Register("agent-a")
	r.Notify("agent-a", "/ws/a.go", OpCreate)
	r.Notify("agent-a", "/ws/b.go", OpCreate)
	r.Notify("agent-a", "/ws/c.go", OpCreate)

	pending := r.Pending("agent-a")
	if len(pending) != 3 {
		t.Fatalf("len(pending) = %d, want 3", len(pending))
	}
	r.MarkDelivered("agent-a", []string{pending[1].ID, "not-a-real-id"})

	left := r.Pending("agent-a")
	if len(left) != 2 {
		t.Fatalf("len(pending) = %d, want 2", len(left))
	}
	if left[0].Path != "/ws/a.go" || left[1].Path != "/ws/c.go" {
		t.Fatalf("queue order broken: %v", left)
	}
}

func TestQueueIsFIFO(t *testing.T) {
	r := newTestRegistry()
	r.Register("agent-a")
	paths := []string{"/ws/1.go", "/ws/2.go", "/ws/3.go", "/ws/4.go"}
	for _, p := range paths {
		r.Notify("agent-a", p, OpModify)
	}
	pending := r.Pending("agent-a")
	for i, p := range paths {
		if pending[i].Path != p {
			t.Fatalf("pending[%d].Path = %q, want %q", i, pending[i].Path, p)
		}
	}
}

func TestReregisterStartsEmpty(t *testing.T) {
	r := newTestRegistry()
	r.Register("agent-a")
	r.Notify("agent-a", "/ws/a.go", OpModify)
	r.Unregister("agent-a")

	if r.Registered("agent-a") {
		t.Fatalf("agent still registered after unregister")
	}
	r.Register("agent-a")
	if got := r.Pending("agent-a"); len(got) != 0 {
		t.Fatalf("pending after re-register = %v, want empty (no replay)", got)
	}
}

func TestNotifyAllReachesOnlyRegistered(t *testing.T) {
	r := newTestRegistry()
	r.Register("agent-a")
	r.Register("agent-b")

	if n := r.NotifyAll("/ws/shared.go", OpModify); n != 2 {
		t.Fatalf("NotifyAll = %d, want 2", n)
	}
	r.Unregister("agent-b")
	if n := r.NotifyAll("/ws/other.go", OpModify); n != 1 {
		t.Fatalf("NotifyAll = %d, want 1", n)
	}
	if got := r.Pending("agent-a"); len(got) != 2 {
		t.Fatalf("agent-a pending = %d, want 2", len(got))
	}
}
