package interrupt

import "testing"

func TestPushPollDrains(t *testing.T) {
	b := New()
	b.PushCancel()
	b.PushInstruction("check the other file too")

	sigs := b.Poll()
	if len(sigs) != 2 {
		t.Fatalf("want 2 signals, got %d", len(sigs))
	}
	if !sigs[0].Cancel {
		t.Errorf("first signal should be a cancel")
	}
	if sigs[1].Instruction != "check the other file too" {
		t.Errorf("unexpected instruction: %q", sigs[1].Instruction)
	}

	if b.HasPending() {
		t.Errorf("Poll should have drained the queue")
	}
	if more := b.Poll(); more != nil {
		t.Errorf("Poll on empty bus should return nil, got %v", more)
	}
}

func TestPushInstructionEmptyIgnored(t *testing.T) {
	b := New()
	b.PushInstruction("")
	if b.HasPending() {
		t.Errorf("empty instruction should not be queued")
	}
}

func TestFlushDiscards(t *testing.T) {
	b := New()
	b.PushCancel()
	b.Flush()
	if b.HasPending() {
		t.Errorf("Flush should discard queued signals")
	}
}

func TestStopStartGatesPush(t *testing.T) {
	b := New()
	b.Stop()
	b.PushCancel()
	if b.HasPending() {
		t.Errorf("Push after Stop should be a no-op")
	}
	b.Start()
	b.PushCancel()
	if !b.HasPending() {
		t.Errorf("Push after Start should be accepted")
	}
}
