package anomaly

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/haven-ai/toolforge/internal/governor"
	"github.com/haven-ai/toolforge/internal/tool"
)

var testBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestBurstDetector(t *testing.T) {
	d := NewBurstDetector(10*time.Second, 5)

	for i := 0; i < 5; i++ {
		f := d.Observe(&Sample{Principal: "p1", Timestamp: testBase.Add(time.Duration(i) * time.Second)})
		if f != nil {
			t.Fatalf("sample %d: unexpected finding %+v", i, f)
		}
	}

	f := d.Observe(&Sample{Principal: "p1", Timestamp: testBase.Add(5 * time.Second)})
	if f == nil {
		t.Fatal("sixth sample inside window should trigger")
	}
	if f.Rule != "burst" {
		t.Errorf("rule = %s, want burst", f.Rule)
	}
	if f.Confidence <= 0 || f.Confidence > 1 {
		t.Errorf("confidence out of range: %f", f.Confidence)
	}

	// Other principals keep independent state.
	if f := d.Observe(&Sample{Principal: "p2", Timestamp: testBase.Add(5 * time.Second)}); f != nil {
		t.Errorf("p2 flagged from p1's burst: %+v", f)
	}

	// Old timestamps age out of the window.
	if f := d.Observe(&Sample{Principal: "p1", Timestamp: testBase.Add(time.Minute)}); f != nil {
		t.Errorf("sample after quiet minute flagged: %+v", f)
	}
}

func TestErrorSpikeDetector(t *testing.T) {
	d := NewErrorSpikeDetector(5*time.Minute, 4, 0.5)

	outcomes := []Outcome{OutcomeOK, OutcomeViolation, OutcomeOK}
	for i, o := range outcomes {
		f := d.Observe(&Sample{Principal: "p1", Outcome: o, Timestamp: testBase.Add(time.Duration(i) * time.Second)})
		if f != nil {
			t.Fatalf("below minTotal should never flag, got %+v", f)
		}
	}

	// Fourth sample: 2 bad of 4 hits the 0.5 ratio.
	f := d.Observe(&Sample{Principal: "p1", Outcome: OutcomeError, Timestamp: testBase.Add(3 * time.Second)})
	if f == nil {
		t.Fatal("ratio at threshold should flag")
	}
	if f.Rule != "error_spike" {
		t.Errorf("rule = %s, want error_spike", f.Rule)
	}
	if f.Confidence != 0.5 {
		t.Errorf("confidence = %f, want 0.5", f.Confidence)
	}

	// A run of successes dilutes the ratio back under threshold.
	var last *Finding
	for i := 0; i < 4; i++ {
		last = d.Observe(&Sample{Principal: "p1", Outcome: OutcomeOK, Timestamp: testBase.Add(time.Duration(4+i) * time.Second)})
	}
	if last != nil {
		t.Errorf("diluted ratio still flagged: %+v", last)
	}
}

func TestNearLimitDetector(t *testing.T) {
	limits := governor.Limits{WallClock: 1000 * time.Millisecond, CPUTime: 500 * time.Millisecond}

	hot := &Sample{
		ToolID:    "t1",
		Outcome:   OutcomeOK,
		Usage:     tool.Usage{WallClock: 950 * time.Millisecond},
		Limits:    limits,
		Timestamp: testBase,
	}
	cool := &Sample{
		ToolID:    "t1",
		Outcome:   OutcomeOK,
		Usage:     tool.Usage{WallClock: 100 * time.Millisecond},
		Limits:    limits,
		Timestamp: testBase,
	}

	t.Run("streak of near-limit runs flags", func(t *testing.T) {
		d := NewNearLimitDetector(3, 0.9)
		if f := d.Observe(hot); f != nil {
			t.Fatalf("run 1 flagged early: %+v", f)
		}
		if f := d.Observe(hot); f != nil {
			t.Fatalf("run 2 flagged early: %+v", f)
		}
		f := d.Observe(hot)
		if f == nil {
			t.Fatal("third consecutive near-limit run should flag")
		}
		if f.Rule != "near_limit" {
			t.Errorf("rule = %s, want near_limit", f.Rule)
		}
	})

	t.Run("normal run resets the streak", func(t *testing.T) {
		d := NewNearLimitDetector(3, 0.9)
		d.Observe(hot)
		d.Observe(hot)
		d.Observe(cool)
		if f := d.Observe(hot); f != nil {
			t.Errorf("streak should restart after a normal run, got %+v", f)
		}
	})

	t.Run("breach counts as near-limit regardless of usage", func(t *testing.T) {
		d := NewNearLimitDetector(2, 0.9)
		breach := &Sample{ToolID: "t2", Outcome: OutcomeResourceExceeded, Limits: limits, Timestamp: testBase}
		d.Observe(breach)
		if f := d.Observe(breach); f == nil {
			t.Error("repeated breaches should flag")
		}
	})

	t.Run("samples without a tool are ignored", func(t *testing.T) {
		d := NewNearLimitDetector(1, 0.9)
		blank := &Sample{Outcome: OutcomeResourceExceeded, Timestamp: testBase}
		if f := d.Observe(blank); f != nil {
			t.Errorf("tool-less sample flagged: %+v", f)
		}
	})
}

func TestMemoryFlagStore(t *testing.T) {
	s := NewMemoryFlagStore(4)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		principal := "p1"
		if i%2 == 1 {
			principal = "p2"
		}
		err := s.Add(ctx, Flag{
			ID:        fmt.Sprintf("f-%d", i),
			Principal: principal,
			Timestamp: testBase.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	t.Run("newest first with eviction", func(t *testing.T) {
		flags, err := s.Recent(ctx, "", 0)
		if err != nil {
			t.Fatalf("Recent: %v", err)
		}
		if len(flags) != 4 {
			t.Fatalf("got %d flags, want capacity 4", len(flags))
		}
		if flags[0].ID != "f-5" || flags[3].ID != "f-2" {
			t.Errorf("kept wrong window: newest %s oldest %s", flags[0].ID, flags[3].ID)
		}
	})

	t.Run("principal filter", func(t *testing.T) {
		flags, err := s.Recent(ctx, "p2", 0)
		if err != nil {
			t.Fatalf("Recent: %v", err)
		}
		for _, f := range flags {
			if f.Principal != "p2" {
				t.Fatalf("leaked principal %s", f.Principal)
			}
		}
		if len(flags) != 2 {
			t.Errorf("got %d p2 flags, want 2", len(flags))
		}
	})

	t.Run("limit applies", func(t *testing.T) {
		flags, err := s.Recent(ctx, "", 1)
		if err != nil {
			t.Fatalf("Recent: %v", err)
		}
		if len(flags) != 1 || flags[0].ID != "f-5" {
			t.Errorf("limit 1 = %+v, want just f-5", flags)
		}
	})
}
