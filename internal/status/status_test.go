package status

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"tagcal/internal/model"
)

var baseTime = time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)

func occ(start, end time.Time, busy bool) model.Occurrence {
	return model.Occurrence{
		UID:   "test-uid",
		Busy:  busy,
		Start: start,
		End:   end,
	}
}

func TestComputeBusyDuringEvent(t *testing.T) {
	occs := []model.Occurrence{
		occ(baseTime.Add(-30*time.Minute), baseTime.Add(30*time.Minute), true),
	}
	content := Compute(occs, baseTime, 5*time.Minute)
	if content.State != model.StateBusy {
		t.Fatalf("State = %s, want BUSY", content.State)
	}
	if content.End == nil || !content.End.Equal(baseTime.Add(30*time.Minute)) {
		t.Errorf("End = %v, want %v", content.End, baseTime.Add(30*time.Minute))
	}
}

func TestComputeUpcomingWithinWindow(t *testing.T) {
	occs := []model.Occurrence{
		occ(baseTime.Add(3*time.Minute), baseTime.Add(time.Hour), true),
	}
	content := Compute(occs, baseTime, 5*time.Minute)
	if content.State != model.StateUpcoming {
		t.Fatalf("State = %s, want UPCOMING", content.State)
	}
}

func TestComputeFreeOutsideWindow(t *testing.T) {
	occs := []model.Occurrence{
		occ(baseTime.Add(2*time.Hour), baseTime.Add(3*time.Hour), true),
	}
	content := Compute(occs, baseTime, 5*time.Minute)
	if content.State != model.StateFree {
		t.Fatalf("State = %s, want FREE", content.State)
	}
	if content.NextEvent == nil || !content.NextEvent.Equal(baseTime.Add(2*time.Hour)) {
		t.Errorf("NextEvent = %v, want %v", content.NextEvent, baseTime.Add(2*time.Hour))
	}
}

func TestComputeIgnoresTransparentEvents(t *testing.T) {
	occs := []model.Occurrence{
		occ(baseTime.Add(-time.Hour), baseTime.Add(time.Hour), false),
	}
	content := Compute(occs, baseTime, 5*time.Minute)
	if content.State != model.StateFree {
		t.Fatalf("State = %s, want FREE (transparent event)", content.State)
	}
}

func TestComputeEndBoundaryIsExclusive(t *testing.T) {
	// Event ending exactly now no longer blocks.
	occs := []model.Occurrence{
		occ(baseTime.Add(-time.Hour), baseTime, true),
	}
	content := Compute(occs, baseTime, 5*time.Minute)
	if content.State != model.StateFree {
		t.Fatalf("State = %s, want FREE at exact end boundary", content.State)
	}
}

func TestShouldTransferNoHistory(t *testing.T) {
	content := model.StatusContent{State: model.StateFree}
	proceed, fp := ShouldTransfer(content, nil, false)
	if !proceed {
		t.Error("proceed = false with no history, want true")
	}
	if fp.ContentHash == "" {
		t.Error("fingerprint hash is empty")
	}
}

func TestShouldTransferIdempotentGate(t *testing.T) {
	content := model.StatusContent{State: model.StateFree}

	proceed, fp := ShouldTransfer(content, nil, false)
	if !proceed {
		t.Fatal("first call: proceed = false, want true")
	}

	proceed, _ = ShouldTransfer(content, &fp, false)
	if proceed {
		t.Error("second call with unchanged content: proceed = true, want false")
	}
}

func TestShouldTransferChangeSensitivity(t *testing.T) {
	free := model.StatusContent{State: model.StateFree}
	start := baseTime
	end := baseTime.Add(time.Hour)
	busy := model.StatusContent{State: model.StateBusy, Start: &start, End: &end}

	_, fp := ShouldTransfer(free, nil, false)
	proceed, next := ShouldTransfer(busy, &fp, false)
	if !proceed {
		t.Error("changed content: proceed = false, want true")
	}
	if next.ContentHash == fp.ContentHash {
		t.Error("distinct contents produced identical hashes")
	}
}

func TestShouldTransferForceOverride(t *testing.T) {
	content := model.StatusContent{State: model.StateFree}
	_, fp := ShouldTransfer(content, nil, false)

	proceed, _ := ShouldTransfer(content, &fp, true)
	if !proceed {
		t.Error("force = true: proceed = false, want true")
	}
}

func TestShouldTransferDeterministicHash(t *testing.T) {
	start := baseTime
	content := model.StatusContent{State: model.StateUpcoming, Start: &start}
	if HashContent(content) != HashContent(content) {
		t.Error("HashContent is not deterministic")
	}
}

func TestStateFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	sf := NewStateFile(path)

	if prev := sf.LoadPrevious(); prev != nil {
		t.Fatalf("LoadPrevious() on missing file = %+v, want nil", prev)
	}

	content := model.StatusContent{State: model.StateBusy}
	_, fp := ShouldTransfer(content, nil, false)
	if err := sf.Store(fp); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	loaded := sf.LoadPrevious()
	if loaded == nil {
		t.Fatal("LoadPrevious() after Store = nil")
	}
	if loaded.ContentHash != fp.ContentHash {
		t.Errorf("loaded hash = %s, want %s", loaded.ContentHash, fp.ContentHash)
	}
}

func TestStateFileCorruptTreatedAsNoHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	sf := NewStateFile(path)
	if prev := sf.LoadPrevious(); prev != nil {
		t.Errorf("LoadPrevious() on corrupt file = %+v, want nil", prev)
	}
}
