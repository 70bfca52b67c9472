package dashboard

import (
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"cascadeflow/internal/metrics"
)

func TestMetricStoreKeepsMostRecent(t *testing.T) {
	s := newMetricStore(3)
	for i := 0; i < 5; i++ {
		s.handle(metrics.Metric{Name: fmt.Sprintf("m%d", i)})
	}

	snap := s.snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 retained metrics, got %d", len(snap))
	}
	for i, want := range []string{"m2", "m3", "m4"} {
		if snap[i].Name != want {
			t.Errorf("snapshot[%d] = %s, want %s", i, snap[i].Name, want)
		}
	}
}

func TestMetricStoreEmptySnapshot(t *testing.T) {
	if snap := newMetricStore(4).snapshot(); len(snap) != 0 {
		t.Fatalf("expected empty snapshot, got %d entries", len(snap))
	}
}

func TestLogStoreCapturesEntries(t *testing.T) {
	s := newLogStore(10)

	entry := &logrus.Entry{
		Time:    time.Now(),
		Level:   logrus.WarnLevel,
		Message: "queue almost full",
		Data: logrus.Fields{
			"component": "engine",
			"queue":     42,
			"err":       fmt.Errorf("boom"),
		},
	}
	if err := s.Fire(entry); err != nil {
		t.Fatalf("Fire failed: %v", err)
	}

	snap := s.snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 record, got %d", len(snap))
	}
	rec := snap[0]
	if rec.Component != "engine" {
		t.Errorf("unexpected component: %s", rec.Component)
	}
	if rec.Message != "queue almost full" {
		t.Errorf("unexpected message: %s", rec.Message)
	}
	if rec.Fields["err"] != "boom" {
		t.Errorf("expected error flattened to string, got %v", rec.Fields["err"])
	}
	if _, ok := rec.Fields["component"]; ok {
		t.Error("component should not be duplicated into fields")
	}
}

func TestLogStoreClosedDropsEntries(t *testing.T) {
	s := newLogStore(10)
	s.close()

	_ = s.Fire(&logrus.Entry{Time: time.Now(), Level: logrus.InfoLevel, Message: "late"})
	if snap := s.snapshot(); len(snap) != 0 {
		t.Fatalf("expected closed store to drop entries, got %d", len(snap))
	}
}
