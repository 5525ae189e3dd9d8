package capacity

import (
	"testing"
	"time"
)

func TestNextEmptyHistoryIsAny(t *testing.T) {
	b := New(Config{})
	if got := b.Next(Composition{Standard: 3, Privileged: 3}); got != ClassAny {
		t.Fatalf("no history should mean no reservation, got %v", got)
	}
}

func TestStandardReservationKicksIn(t *testing.T) {
	b := New(Config{StandardShare: 0.25, RecentWindow: 8})

	// Privileged requests have taken every recent slot.
	for i := 0; i < 8; i++ {
		b.NoteDispatch(ClassPrivileged, "pop")
	}
	if got := b.Next(Composition{Standard: 1, Privileged: 10}); got != ClassStandard {
		t.Fatalf("standard reservation should bind, got %v", got)
	}
	// No standard work pending: nothing to reserve for.
	if got := b.Next(Composition{Standard: 0, Privileged: 10}); got != ClassStandard && got != ClassAny {
		t.Fatalf("unexpected class %v", got)
	}
	if got := b.Next(Composition{Privileged: 10}); got != ClassAny {
		t.Fatalf("reservation without pending standard work should not bind, got %v", got)
	}
}

func TestPrivilegedReservationOnlyDuringPeak(t *testing.T) {
	b := New(Config{StandardShare: 0.2, PrivilegedShare: 0.3, RecentWindow: 10})
	for i := 0; i < 10; i++ {
		b.NoteDispatch(ClassStandard, "rock")
	}
	comp := Composition{Standard: 5, Privileged: 5}

	if got := b.Next(comp); got != ClassAny {
		t.Fatalf("off-peak privileged reservation should not bind, got %v", got)
	}

	b.SetPeak(true, time.Now())
	if got := b.Next(comp); got != ClassPrivileged {
		t.Fatalf("peak privileged reservation should bind, got %v", got)
	}

	b.SetPeak(false, time.Now())
	if got := b.Next(comp); got != ClassAny {
		t.Fatalf("reservation should release when peak ends, got %v", got)
	}
}

func TestSharesSatisfiedMeansScoreOrder(t *testing.T) {
	b := New(Config{StandardShare: 0.25, PrivilegedShare: 0.25, RecentWindow: 8})
	b.SetPeak(true, time.Now())
	// A balanced recent mix satisfies both floors.
	for i := 0; i < 4; i++ {
		b.NoteDispatch(ClassStandard, "a")
		b.NoteDispatch(ClassPrivileged, "b")
	}
	if got := b.Next(Composition{Standard: 3, Privileged: 3}); got != ClassAny {
		t.Fatalf("satisfied reservations should yield score order, got %v", got)
	}
}

func TestNormalizeKeepsSharesSatisfiable(t *testing.T) {
	cfg := Config{StandardShare: 0.8, PrivilegedShare: 0.8}.Normalize()
	if cfg.StandardShare+cfg.PrivilegedShare > 0.9 {
		t.Fatalf("shares must leave unreserved headroom: %v + %v", cfg.StandardShare, cfg.PrivilegedShare)
	}
}

func TestCategoryHintTracksLastDispatch(t *testing.T) {
	b := New(Config{})
	b.NoteDispatch(ClassStandard, "techno")
	if got := b.CategoryHint(); got != "techno" {
		t.Fatalf("hint = %q, want techno", got)
	}
}
