package runtime

import (
	"testing"
	"time"
)

func TestTimeoutManager_SweepFiresDue(t *testing.T) {
	m := NewTimeoutManager()
	now := time.Now()

	var fired []string
	m.Register("a", "", now.Add(10*time.Millisecond), func() { fired = append(fired, "a") })
	m.Register("b", "", now.Add(30*time.Millisecond), func() { fired = append(fired, "b") })

	if n := m.Sweep(now); n != 0 {
		t.Errorf("sweep before due fired %d", n)
	}
	if n := m.Sweep(now.Add(20 * time.Millisecond)); n != 1 {
		t.Errorf("sweep fired %d, want 1", n)
	}
	if m.Armed("a") {
		t.Error("a should be disarmed after firing")
	}
	if !m.Armed("b") {
		t.Error("b should still be armed")
	}

	// Firing is one-shot.
	if n := m.Sweep(now.Add(time.Minute)); n != 1 {
		t.Errorf("second sweep fired %d, want 1", n)
	}
	if got := len(fired); got != 2 {
		t.Errorf("callbacks ran %d times, want 2", got)
	}
	if fired[0] != "a" || fired[1] != "b" {
		t.Errorf("fire order = %v, want due order", fired)
	}
}

func TestTimeoutManager_RegisterReplaces(t *testing.T) {
	m := NewTimeoutManager()
	now := time.Now()

	first := 0
	m.Register("wf", "", now.Add(5*time.Millisecond), func() { first++ })
	m.Register("wf", "", now.Add(time.Hour), func() {})

	if n := m.Sweep(now.Add(time.Minute)); n != 0 {
		t.Errorf("sweep fired %d: re-registering must displace the old deadline", n)
	}
	if first != 0 {
		t.Error("replaced callback ran")
	}
	if !m.Armed("wf") {
		t.Error("scope should carry the new deadline")
	}
}

func TestTimeoutManager_CancelCascades(t *testing.T) {
	m := NewTimeoutManager()
	at := time.Now().Add(time.Hour)

	m.Register("wf", "", at, nil)
	m.Register("wf/step", "wf", at, nil)
	m.Register("task", "wf", at, nil)
	m.Register("task/step", "task", at, nil)

	m.Cancel("wf")
	for _, id := range []string{"wf", "wf/step", "task", "task/step"} {
		if m.Armed(id) {
			t.Errorf("%s still armed after cascading cancel", id)
		}
	}
}

func TestTimeoutManager_ParentNeedNotBeArmed(t *testing.T) {
	m := NewTimeoutManager()

	// Children link under a parent id even when the parent itself never
	// registered a deadline.
	m.Register("task/step", "task", time.Now().Add(time.Hour), nil)
	m.Cancel("task")
	if m.Armed("task/step") {
		t.Error("child survived cancel of its unarmed parent")
	}
}

func TestTimeoutManager_ExpiryDisarmsDescendants(t *testing.T) {
	m := NewTimeoutManager()
	now := time.Now()

	var childFired bool
	m.Register("wf", "", now.Add(10*time.Millisecond), func() {})
	m.Register("wf/step", "wf", now.Add(20*time.Millisecond), func() { childFired = true })

	if n := m.Sweep(now.Add(15 * time.Millisecond)); n != 1 {
		t.Fatalf("sweep fired %d, want the workflow scope only", n)
	}
	if m.Armed("wf/step") {
		t.Error("step deadline survived its workflow's expiry")
	}
	m.Sweep(now.Add(time.Minute))
	if childFired {
		t.Error("descendant callback ran after silent disarm")
	}
}

func TestTimeoutManager_NextDeadline(t *testing.T) {
	m := NewTimeoutManager()
	if _, ok := m.NextDeadline(); ok {
		t.Error("empty manager reports a deadline")
	}

	near := time.Now().Add(10 * time.Millisecond)
	m.Register("far", "", time.Now().Add(time.Hour), nil)
	m.Register("near", "", near, nil)

	got, ok := m.NextDeadline()
	if !ok || !got.Equal(near) {
		t.Errorf("next = %v %v, want %v", got, ok, near)
	}
}
