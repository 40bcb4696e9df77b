package app

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/voyagelab/apimeter/adapters/clock"
	"github.com/voyagelab/apimeter/adapters/idgen"
	"github.com/voyagelab/apimeter/domain/usage"
	"github.com/voyagelab/apimeter/ports"
)

func newTestRecorder(cfg RecorderConfig) (*Recorder, *clock.Fake) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewRecorder(cfg, clk, idgen.NewSequential("evt-"), zerolog.Nop(), nil), clk
}

func evt(kind usage.Kind, status usage.Status) usage.Event {
	return usage.Event{Kind: kind, Action: "op", Status: status}
}

func TestRecorderAssignsIdentity(t *testing.T) {
	rec, clk := newTestRecorder(RecorderConfig{})

	first, err := rec.Record(evt(usage.KindGeneration, usage.StatusSuccess))
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if first.ID != "evt-1" {
		t.Errorf("ID = %q, want evt-1", first.ID)
	}
	if !first.Timestamp.Equal(clk.Now()) {
		t.Errorf("Timestamp = %v, want %v", first.Timestamp, clk.Now())
	}
	if first.Seq != 1 {
		t.Errorf("Seq = %d, want 1", first.Seq)
	}

	second, err := rec.Record(evt(usage.KindMaps, usage.StatusError))
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if second.Seq != 2 {
		t.Errorf("Seq = %d, want 2", second.Seq)
	}
}

func TestRecorderKeepsCallerIdentity(t *testing.T) {
	rec, _ := newTestRecorder(RecorderConfig{})

	in := evt(usage.KindPlaces, usage.StatusSuccess)
	in.ID = "external-7"
	in.Timestamp = time.Date(2025, 5, 31, 9, 0, 0, 0, time.UTC)

	got, err := rec.Record(in)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if got.ID != "external-7" {
		t.Errorf("ID = %q, want external-7", got.ID)
	}
	if !got.Timestamp.Equal(in.Timestamp) {
		t.Errorf("Timestamp overwritten: %v", got.Timestamp)
	}
}

func TestRecorderRejectsInvalid(t *testing.T) {
	rec, _ := newTestRecorder(RecorderConfig{})

	if _, err := rec.Record(usage.Event{Action: "op", Status: usage.StatusSuccess}); !errors.Is(err, usage.ErrMissingKind) {
		t.Errorf("missing kind: err = %v", err)
	}
	if _, err := rec.Record(usage.Event{Kind: "weather", Action: "op", Status: usage.StatusSuccess}); !errors.Is(err, usage.ErrUnknownKind) {
		t.Errorf("unknown kind: err = %v", err)
	}
	if _, err := rec.Record(usage.Event{Kind: usage.KindMaps, Action: "op", Status: "maybe"}); !errors.Is(err, usage.ErrBadStatus) {
		t.Errorf("bad status: err = %v", err)
	}

	if got := len(rec.Snapshot()); got != 0 {
		t.Errorf("rejected events were stored: %d", got)
	}
	if got := rec.Totals()[usage.KindMaps]; got != (usage.Counts{}) {
		t.Errorf("rejected events counted: %+v", got)
	}
}

// Totals must always equal a full tally of the retained log, including
// after count-cap eviction.
func TestRecorderTotalsMatchScan(t *testing.T) {
	rec, _ := newTestRecorder(RecorderConfig{MaxEvents: 5})

	kinds := []usage.Kind{usage.KindGeneration, usage.KindMaps, usage.KindPlaces}
	for i := 0; i < 12; i++ {
		status := usage.StatusSuccess
		if i%3 == 0 {
			status = usage.StatusError
		}
		if _, err := rec.Record(evt(kinds[i%len(kinds)], status)); err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
	}

	events := rec.Snapshot()
	if len(events) != 5 {
		t.Fatalf("retained %d events, want 5", len(events))
	}
	if events[0].Seq != 8 {
		t.Errorf("oldest retained Seq = %d, want 8", events[0].Seq)
	}

	totals := rec.Totals()
	scan := usage.Tally(events)
	for _, k := range kinds {
		if totals[k] != scan[k] {
			t.Errorf("%s: totals %+v != scan %+v", k, totals[k], scan[k])
		}
	}
}

func TestRecorderAgeEviction(t *testing.T) {
	rec, clk := newTestRecorder(RecorderConfig{MaxAge: time.Hour})

	if _, err := rec.Record(evt(usage.KindGeneration, usage.StatusSuccess)); err != nil {
		t.Fatal(err)
	}
	clk.Advance(2 * time.Hour)
	if _, err := rec.Record(evt(usage.KindMaps, usage.StatusSuccess)); err != nil {
		t.Fatal(err)
	}

	events := rec.Snapshot()
	if len(events) != 1 || events[0].Kind != usage.KindMaps {
		t.Fatalf("retained = %+v, want only the maps event", events)
	}
	if got := rec.Totals()[usage.KindGeneration]; got != (usage.Counts{}) {
		t.Errorf("evicted event still counted: %+v", got)
	}
}

func TestRecorderRecent(t *testing.T) {
	rec, _ := newTestRecorder(RecorderConfig{})

	for i := 0; i < 4; i++ {
		if _, err := rec.Record(evt(usage.KindGeneration, usage.StatusSuccess)); err != nil {
			t.Fatal(err)
		}
	}

	recent := rec.Recent(2)
	if len(recent) != 2 {
		t.Fatalf("len = %d, want 2", len(recent))
	}
	if recent[0].Seq != 4 || recent[1].Seq != 3 {
		t.Errorf("recent order = [%d %d], want [4 3]", recent[0].Seq, recent[1].Seq)
	}
}

func TestRecorderListener(t *testing.T) {
	rec, _ := newTestRecorder(RecorderConfig{RecentLimit: 2})

	var updates []ports.UsageUpdate
	rec.AddListener(func(u ports.UsageUpdate) { updates = append(updates, u) })

	for i := 0; i < 3; i++ {
		if _, err := rec.Record(evt(usage.KindPlaces, usage.StatusSuccess)); err != nil {
			t.Fatal(err)
		}
	}

	if len(updates) != 3 {
		t.Fatalf("listener fired %d times, want 3", len(updates))
	}
	last := updates[2]
	if last.LastEvent.Seq != 3 {
		t.Errorf("LastEvent.Seq = %d, want 3", last.LastEvent.Seq)
	}
	if len(last.Events) != 2 || last.Events[0].Seq != 3 {
		t.Errorf("Events = %+v, want 2 most recent first", last.Events)
	}
	if last.Totals[usage.KindPlaces].Count != 3 {
		t.Errorf("Totals count = %d, want 3", last.Totals[usage.KindPlaces].Count)
	}

	// Payload totals are copies, not views onto recorder state.
	last.Totals[usage.KindPlaces] = usage.Counts{Count: 99}
	if rec.Totals()[usage.KindPlaces].Count != 3 {
		t.Error("listener payload aliases recorder totals")
	}
}

func TestRecorderSeed(t *testing.T) {
	rec, clk := newTestRecorder(RecorderConfig{})

	seedTime := clk.Now().Add(-time.Minute)
	rec.Seed([]usage.Event{
		{ID: "a", Kind: usage.KindGeneration, Action: "op", Status: usage.StatusSuccess, Timestamp: seedTime},
		{ID: "b", Kind: usage.KindGeneration, Action: "op", Status: usage.StatusError, Timestamp: seedTime},
		{ID: "c", Kind: usage.KindMaps, Action: "op", Status: usage.StatusSuccess, Timestamp: seedTime},
	})

	totals := rec.Totals()
	if totals[usage.KindGeneration] != (usage.Counts{Count: 2, Success: 1, Error: 1}) {
		t.Errorf("generation totals = %+v", totals[usage.KindGeneration])
	}

	next, err := rec.Record(evt(usage.KindPlaces, usage.StatusSuccess))
	if err != nil {
		t.Fatal(err)
	}
	if next.Seq != 4 {
		t.Errorf("Seq after seed = %d, want 4", next.Seq)
	}

	after := rec.EventsAfter(2)
	if len(after) != 2 || after[0].ID != "c" {
		t.Errorf("EventsAfter(2) = %+v, want [c, places]", after)
	}
}
