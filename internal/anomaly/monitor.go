package anomaly

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	sampleBufferSize = 4096
	observeTimeout   = 500 * time.Millisecond
)

// Monitor feeds invocation samples to a detector set on a background
// goroutine. Feed never blocks the invocation path: when the buffer is
// full the sample is dropped and counted, not the request.
type Monitor struct {
	detectors []Detector
	store     FlagStore
	onFlag    func(Flag)
	logger    *zap.Logger

	samples chan *Sample
	done    chan struct{}
	stopped chan struct{}
}

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	Detectors []Detector
	Store     FlagStore
	// OnFlag is called for every recorded flag, after it is stored.
	// Used to feed advisory signals back into rate limiting. May be nil.
	OnFlag func(Flag)
	Logger *zap.Logger
}

// NewMonitor creates a Monitor and starts its background loop.
func NewMonitor(cfg MonitorConfig) *Monitor {
	detectors := cfg.Detectors
	if len(detectors) == 0 {
		detectors = DefaultDetectors()
	}
	store := cfg.Store
	if store == nil {
		store = NewMemoryFlagStore(0)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Monitor{
		detectors: detectors,
		store:     store,
		onFlag:    cfg.OnFlag,
		logger:    logger,
		samples:   make(chan *Sample, sampleBufferSize),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	go m.loop()
	return m
}

// Feed queues a sample for inspection. Non-blocking.
func (m *Monitor) Feed(sample *Sample) {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now().UTC()
	}
	select {
	case m.samples <- sample:
	default:
		m.logger.Warn("anomaly sample buffer full, dropping sample",
			zap.String("principal_id", sample.Principal),
		)
	}
}

// Store returns the monitor's flag store.
func (m *Monitor) Store() FlagStore { return m.store }

// Close stops the background loop after draining queued samples.
func (m *Monitor) Close() {
	close(m.done)
	<-m.stopped
}

func (m *Monitor) loop() {
	defer close(m.stopped)
	for {
		select {
		case s := <-m.samples:
			m.inspect(s)
		case <-m.done:
			for {
				select {
				case s := <-m.samples:
					m.inspect(s)
				default:
					return
				}
			}
		}
	}
}

// inspect fans the sample out to all detectors in parallel and records
// whatever they find. Detectors that exceed the timeout are skipped for
// this sample; their state still catches up on the next one.
func (m *Monitor) inspect(sample *Sample) {
	ctx, cancel := context.WithTimeout(context.Background(), observeTimeout)
	defer cancel()

	type observation struct {
		name    string
		finding *Finding
	}
	ch := make(chan observation, len(m.detectors))

	for _, d := range m.detectors {
		go func(d Detector) {
			ch <- observation{name: d.Name(), finding: d.Observe(sample)}
		}(d)
	}

	remaining := len(m.detectors)
	for remaining > 0 {
		select {
		case obs := <-ch:
			remaining--
			if obs.finding == nil {
				continue
			}
			m.record(ctx, sample, obs.finding)
		case <-ctx.Done():
			m.logger.Warn("detector timeout exceeded, skipping remaining detectors",
				zap.Duration("timeout", observeTimeout),
			)
			remaining = 0
		}
	}
}

func (m *Monitor) record(ctx context.Context, sample *Sample, f *Finding) {
	flag := Flag{
		ID:         uuid.NewString(),
		Principal:  sample.Principal,
		ToolID:     sample.ToolID,
		Rule:       f.Rule,
		Detail:     f.Detail,
		Confidence: f.Confidence,
		Timestamp:  sample.Timestamp,
	}
	if err := m.store.Add(ctx, flag); err != nil {
		m.logger.Error("failed to store anomaly flag",
			zap.String("rule", flag.Rule),
			zap.Error(err),
		)
	}
	m.logger.Warn("anomaly flagged",
		zap.String("rule", flag.Rule),
		zap.String("principal_id", flag.Principal),
		zap.String("tool_id", flag.ToolID),
		zap.Float32("confidence", flag.Confidence),
		zap.String("detail", flag.Detail),
	)
	if m.onFlag != nil {
		m.onFlag(flag)
	}
}
