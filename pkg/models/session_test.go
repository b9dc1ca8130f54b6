package models

import "testing"

func TestStageOrder(t *testing.T) {
	order := []Stage{StageExtraction, StageCleaning, StageTranslation, StageSynthesis, StageDone}
	for i := 0; i < len(order)-1; i++ {
		if order[i].Next() != order[i+1] {
			t.Errorf("%s.Next(): expected %s, got %s", order[i], order[i+1], order[i].Next())
		}
	}
	if StageDone.Next() != StageDone {
		t.Error("done should be terminal")
	}
}

func TestDocumentItemCreatesOnce(t *testing.T) {
	sess := &Session{}

	rec := sess.DocumentItem(StageCleaning)
	if rec.Status != StatusPending {
		t.Errorf("new record should be pending, got %s", rec.Status)
	}
	if rec.ItemID != "document:cleaning" {
		t.Errorf("unexpected item ID: %s", rec.ItemID)
	}

	rec.Status = StatusSucceeded
	if again := sess.DocumentItem(StageCleaning); again.Status != StatusSucceeded {
		t.Error("DocumentItem should return the same record")
	}
}

func TestItemCounts(t *testing.T) {
	sess := &Session{Items: []ItemRecord{
		{ItemID: "a", Status: StatusSucceeded},
		{ItemID: "b", Status: StatusFailed},
		{ItemID: "c", Status: StatusPending},
		{ItemID: "d", Status: StatusInProgress},
	}}

	pending, inProgress, succeeded, failed := sess.ItemCounts()
	if pending != 1 || inProgress != 1 || succeeded != 1 || failed != 1 {
		t.Errorf("counts: %d %d %d %d", pending, inProgress, succeeded, failed)
	}
}

func TestSummaryProgress(t *testing.T) {
	sum := SessionSummary{Total: 4, Succeeded: 3}
	if p := sum.Progress(); p != 75.0 {
		t.Errorf("expected 75%%, got %.1f", p)
	}
	if p := (SessionSummary{}).Progress(); p != 0.0 {
		t.Errorf("empty summary should be 0%%, got %.1f", p)
	}
}
