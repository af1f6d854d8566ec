// Package monitor turns bus traffic into counters and operator alerts.
package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"execution-core/internal/events"
	"execution-core/pkg/logger"
)

// Monitor watches every bus event.
type Monitor struct {
	bus     *events.Bus
	metrics *SystemMetrics
	rules   Rules
	sink    AlertSink
	log     *zap.Logger
	now     func() time.Time

	wg sync.WaitGroup
}

// New creates a monitor. sink nil logs alerts.
func New(bus *events.Bus, metrics *SystemMetrics, rules Rules, sink AlertSink, log *zap.Logger) *Monitor {
	log = logger.OrNop(log).Named("monitor")
	if sink == nil {
		sink = LogSink{Log: log}
	}
	return &Monitor{bus: bus, metrics: metrics, rules: rules, sink: sink, log: log, now: time.Now}
}

// Start consumes events until ctx ends.
func (m *Monitor) Start(ctx context.Context) {
	if m.bus == nil || m.metrics == nil {
		m.log.Warn("monitor not fully configured; skipping")
		return
	}
	stream, unsub := m.bus.SubscribeAll(256)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				m.handle(msg)
			}
		}
	}()
}

// Wait blocks until the consumer goroutine exits.
func (m *Monitor) Wait() { m.wg.Wait() }

func (m *Monitor) handle(msg events.Message) {
	count(m.metrics, msg)
	a, ok := m.rules.Evaluate(msg)
	if !ok {
		return
	}
	a.At = m.now()
	m.metrics.Inc(AlertsRaised)
	if err := m.sink.Send(a); err != nil {
		m.log.Warn("alert delivery failed", zap.String("source", a.Source), zap.Error(err))
	}
}
