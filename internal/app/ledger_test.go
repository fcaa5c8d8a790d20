package app_test

import (
	"testing"

	"physiquest-session/internal/app"
	"physiquest-session/internal/domain"
)

func TestLedgerSnapshotOrdersByScoreThenFirstSeen(t *testing.T) {
	ledger := app.NewLedger(p1)
	ledger.Track(p2)
	ledger.Track(teacher)
	ledger.ApplyRemoteResult("p3", "0:0", 40)
	ledger.ApplyRemoteResult(p2.ID, "0:0", 40)

	snap := ledger.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 entries without the teacher, got %+v", snap)
	}
	// p2 was seen before p3, so it stays ahead on the tie
	if snap[0].ParticipantID != p2.ID || snap[1].ParticipantID != "p3" || snap[2].ParticipantID != p1.ID {
		t.Fatalf("unexpected order %+v", snap)
	}
	if !snap[2].IsSelf || snap[0].IsSelf {
		t.Fatalf("expected only self flagged, got %+v", snap)
	}
	if snap[1].DisplayName != "p3" {
		t.Fatalf("expected unknown participant to fall back to id, got %q", snap[1].DisplayName)
	}
}

func TestLedgerRejectsDuplicateRemoteResult(t *testing.T) {
	ledger := app.NewLedger(p1)
	if !ledger.ApplyRemoteResult(p2.ID, "0:1", 100) {
		t.Fatalf("expected first result applied")
	}
	if ledger.ApplyRemoteResult(p2.ID, "0:1", 100) {
		t.Fatalf("expected duplicate result rejected")
	}
	if !ledger.ApplyRemoteResult(p2.ID, "0:2", -10) {
		t.Fatalf("expected result for the next question applied")
	}
	if got := ledger.Score(p2.ID); got != 90 {
		t.Fatalf("expected 90, got %d", got)
	}
	if ledger.ApplyRemoteResult(p1.ID, "0:3", 100) {
		t.Fatalf("self is never mirrored")
	}
}

func TestLedgerLocalResult(t *testing.T) {
	ledger := app.NewLedger(p1)
	scoring := domain.DefaultScoring()

	ifCorrect, otherwise := scoring.Points(200, true)
	if delta := ledger.ApplyLocalResult(false, ifCorrect, otherwise); delta != -10 {
		t.Fatalf("expected hint penalty, got %d", delta)
	}
	ifCorrect, otherwise = scoring.Points(200, false)
	if delta := ledger.ApplyLocalResult(true, ifCorrect, otherwise); delta != 200 {
		t.Fatalf("expected full value, got %d", delta)
	}
	if got := ledger.Score(p1.ID); got != 190 {
		t.Fatalf("expected 190, got %d", got)
	}
}
