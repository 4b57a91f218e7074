package anomaly

import (
	"fmt"
	"sync"
	"time"
)

// Detector is the interface every anomaly detector must implement.
// Observe is called once per sample and returns a Finding when the
// sample completes a suspicious pattern, nil otherwise. Implementations
// keep their own per-principal state and must be safe for concurrent use.
type Detector interface {
	// Name returns the detector's unique identifier.
	Name() string

	// Observe feeds one sample into the detector's state.
	Observe(sample *Sample) *Finding
}

// BurstDetector flags principals that fire invocations far faster than
// interactive use produces, which usually means a runaway loop or a
// scripted probe.
type BurstDetector struct {
	window    time.Duration
	threshold int

	mu      sync.Mutex
	history map[string][]time.Time // principal -> recent timestamps
}

// NewBurstDetector flags a principal exceeding threshold invocations
// inside window.
func NewBurstDetector(window time.Duration, threshold int) *BurstDetector {
	return &BurstDetector{
		window:    window,
		threshold: threshold,
		history:   make(map[string][]time.Time),
	}
}

func (d *BurstDetector) Name() string { return "burst" }

func (d *BurstDetector) Observe(sample *Sample) *Finding {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := sample.Timestamp.Add(-d.window)
	recent := d.history[sample.Principal]

	kept := recent[:0]
	for _, ts := range recent {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, sample.Timestamp)
	d.history[sample.Principal] = kept

	if len(kept) <= d.threshold {
		return nil
	}

	confidence := float32(len(kept)-d.threshold) / float32(d.threshold)
	if confidence > 1 {
		confidence = 1
	}
	return &Finding{
		Rule: d.Name(),
		Detail: fmt.Sprintf("%d invocations in %s (threshold %d)",
			len(kept), d.window, d.threshold),
		Confidence: confidence,
	}
}

// ErrorSpikeDetector flags principals whose invocations fail at a high
// rate. Healthy tools fail occasionally; a sustained failure ratio means
// someone is iterating on an attack or a tool is broken and hammering.
type ErrorSpikeDetector struct {
	window    time.Duration
	minTotal  int
	badRatio  float64

	mu      sync.Mutex
	history map[string][]outcomeAt
}

type outcomeAt struct {
	at  time.Time
	bad bool
}

// NewErrorSpikeDetector flags a principal whose failure ratio over
// window reaches badRatio, once at least minTotal samples are in the
// window.
func NewErrorSpikeDetector(window time.Duration, minTotal int, badRatio float64) *ErrorSpikeDetector {
	return &ErrorSpikeDetector{
		window:   window,
		minTotal: minTotal,
		badRatio: badRatio,
		history:  make(map[string][]outcomeAt),
	}
}

func (d *ErrorSpikeDetector) Name() string { return "error_spike" }

func (d *ErrorSpikeDetector) Observe(sample *Sample) *Finding {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := sample.Timestamp.Add(-d.window)
	recent := d.history[sample.Principal]

	kept := recent[:0]
	bad := 0
	for _, o := range recent {
		if o.at.After(cutoff) {
			kept = append(kept, o)
			if o.bad {
				bad++
			}
		}
	}
	isBad := sample.Outcome != OutcomeOK
	kept = append(kept, outcomeAt{at: sample.Timestamp, bad: isBad})
	if isBad {
		bad++
	}
	d.history[sample.Principal] = kept

	if len(kept) < d.minTotal {
		return nil
	}
	ratio := float64(bad) / float64(len(kept))
	if ratio < d.badRatio {
		return nil
	}
	return &Finding{
		Rule: d.Name(),
		Detail: fmt.Sprintf("%d of %d invocations failed in %s",
			bad, len(kept), d.window),
		Confidence: float32(ratio),
	}
}

// NearLimitDetector flags tools that repeatedly run right up against
// their resource ceilings. A tool consistently consuming nearly its
// whole budget is probing where the ceiling is.
type NearLimitDetector struct {
	streak   int
	fraction float64

	mu      sync.Mutex
	streaks map[string]int // tool ID -> consecutive near-limit runs
}

// NewNearLimitDetector flags a tool after streak consecutive runs that
// each consume at least fraction of the wall clock or CPU budget.
func NewNearLimitDetector(streak int, fraction float64) *NearLimitDetector {
	return &NearLimitDetector{
		streak:   streak,
		fraction: fraction,
		streaks:  make(map[string]int),
	}
}

func (d *NearLimitDetector) Name() string { return "near_limit" }

func (d *NearLimitDetector) nearLimit(sample *Sample) bool {
	if sample.Outcome == OutcomeResourceExceeded {
		return true
	}
	if sample.Limits.WallClock > 0 {
		if float64(sample.Usage.WallClock) >= d.fraction*float64(sample.Limits.WallClock) {
			return true
		}
	}
	if sample.Limits.CPUTime > 0 {
		if float64(sample.Usage.CPUTime) >= d.fraction*float64(sample.Limits.CPUTime) {
			return true
		}
	}
	return false
}

func (d *NearLimitDetector) Observe(sample *Sample) *Finding {
	if sample.ToolID == "" {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.nearLimit(sample) {
		delete(d.streaks, sample.ToolID)
		return nil
	}

	d.streaks[sample.ToolID]++
	if d.streaks[sample.ToolID] < d.streak {
		return nil
	}
	return &Finding{
		Rule: d.Name(),
		Detail: fmt.Sprintf("%d consecutive runs at or above %.0f%% of the resource budget",
			d.streaks[sample.ToolID], d.fraction*100),
		Confidence: 0.7,
	}
}

// DefaultDetectors returns the standard detector set.
func DefaultDetectors() []Detector {
	return []Detector{
		NewBurstDetector(10*time.Second, 30),
		NewErrorSpikeDetector(5*time.Minute, 10, 0.5),
		NewNearLimitDetector(5, 0.9),
	}
}
