package metrics

import (
	"math"
	"testing"
	"time"
)

func TestWindowSnapshot(t *testing.T) {
	var w Window
	w.Record(64, 30*time.Millisecond, 1.2)
	w.Record(64, 30*time.Millisecond, 0.8)
	snap := w.Snapshot()
	if math.Abs(snap.SamplesPerSec-2133.3333) > 1 {
		t.Fatalf("unexpected throughput %.2f", snap.SamplesPerSec)
	}
	if math.Abs(snap.AvgIterMS-30) > 1e-9 {
		t.Fatalf("expected 30ms per iteration, got %.4f", snap.AvgIterMS)
	}
	if w.samples != 0 || w.steps != 0 || w.elapsed != 0 {
		t.Fatalf("window was not reset")
	}
	if snap.LastLoss != 0.8 {
		t.Fatalf("expected last loss 0.8, got %.2f", snap.LastLoss)
	}
}

func TestEmptyWindowSnapshot(t *testing.T) {
	var w Window
	if snap := w.Snapshot(); snap != (Snapshot{}) {
		t.Fatalf("expected zero snapshot, got %+v", snap)
	}
}

func TestSummarize(t *testing.T) {
	var lat []time.Duration
	for i := 20; i >= 1; i-- {
		lat = append(lat, time.Duration(i)*time.Millisecond)
	}
	s := Summarize(lat)
	if s.Iterations != 20 {
		t.Fatalf("expected 20 iterations, got %d", s.Iterations)
	}
	if math.Abs(s.MeanMS-10.5) > 1e-9 {
		t.Fatalf("unexpected mean %.4f", s.MeanMS)
	}
	if math.Abs(s.MedianMS-10) > 1e-9 {
		t.Fatalf("unexpected median %.4f", s.MedianMS)
	}
	if s.P95MS < 19-1e-9 || s.P95MS > 20+1e-9 {
		t.Fatalf("unexpected p95 %.4f", s.P95MS)
	}
	if math.Abs(s.MinMS-1) > 1e-9 || math.Abs(s.MaxMS-20) > 1e-9 {
		t.Fatalf("unexpected range [%.1f, %.1f]", s.MinMS, s.MaxMS)
	}
	if math.Abs(s.StdDevMS-5.9161) > 1e-3 {
		t.Fatalf("unexpected stddev %.4f", s.StdDevMS)
	}
	if lat[0] != 20*time.Millisecond {
		t.Fatalf("input was reordered")
	}
}

func TestSummarizeEdgeCases(t *testing.T) {
	if s := Summarize(nil); s != (Summary{}) {
		t.Fatalf("expected zero summary, got %+v", s)
	}
	s := Summarize([]time.Duration{5 * time.Millisecond})
	if math.Abs(s.MeanMS-5) > 1e-9 || s.MedianMS != s.MeanMS || s.P95MS != s.MeanMS || s.StdDevMS != 0 {
		t.Fatalf("unexpected single-sample summary %+v", s)
	}
}
