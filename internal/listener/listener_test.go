package listener

import "testing"

func TestNewAppliesDefaults(t *testing.T) {
	l := New(nil, nil, nil, nil, Settings{}, nil, nil)
	if l.settings.PollTimeout != PollTimeout {
		t.Fatalf("PollTimeout = %v, want default %v", l.settings.PollTimeout, PollTimeout)
	}
	if l.settings.AllocationSlots != 1 {
		t.Fatalf("AllocationSlots = %d, want default 1", l.settings.AllocationSlots)
	}
}

func TestNewPreservesExplicitSettings(t *testing.T) {
	l := New(nil, nil, nil, nil, Settings{AllocationSlots: 4, PollTimeout: 0}, nil, nil)
	if l.settings.AllocationSlots != 4 {
		t.Fatalf("AllocationSlots = %d, want 4", l.settings.AllocationSlots)
	}
	// Zero PollTimeout still falls back to the default.
	if l.settings.PollTimeout != PollTimeout {
		t.Fatalf("PollTimeout = %v, want default %v", l.settings.PollTimeout, PollTimeout)
	}
}

func TestLogfNilLoggerIsNoop(t *testing.T) {
	l := New(nil, nil, nil, nil, Settings{}, nil, nil)
	l.logf("anything %d", 1)
}
