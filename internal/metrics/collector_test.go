// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"testing"
	"time"

	"github.com/firezone/client-core/internal/clock"
	"github.com/firezone/client-core/internal/logging"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/client_golang/prometheus"
)

func testutilGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		panic(err)
	}
	return m.GetGauge().GetValue()
}

type fakeSampler struct {
	capacity, inUse int
}

func (f fakeSampler) SampleBufferPool() (int, int) { return f.capacity, f.inUse }
func (f fakeSampler) SampleConnPool() (map[string]string, int, int) {
	return map[string]string{"stun1.example.com": "bound"}, 2, 4
}

func TestCollectorSampleUpdatesGauges(t *testing.T) {
	logger := logging.New(logging.DefaultConfig())
	mc := clock.NewManual(time.Unix(0, 0))
	c := NewCollector(logger, mc, time.Hour, fakeSampler{capacity: 256, inUse: 10})

	c.sample()

	if got := testutilGaugeValue(c.registry.BufferPoolSize); got != 256 {
		t.Errorf("BufferPoolSize = %v, want 256", got)
	}
	if got := testutilGaugeValue(c.registry.BufferPoolInUse); got != 10 {
		t.Errorf("BufferPoolInUse = %v, want 10", got)
	}
	if got := testutilGaugeValue(c.registry.TurnAllocations); got != 2 {
		t.Errorf("TurnAllocations = %v, want 2", got)
	}
}

func TestRecordPortalInitStampsClock(t *testing.T) {
	logger := logging.New(logging.DefaultConfig())
	now := time.Unix(1700000000, 0)
	mc := clock.NewManual(now)
	c := NewCollector(logger, mc, time.Hour, fakeSampler{})

	c.RecordPortalInit()

	if got := testutilGaugeValue(c.registry.PortalLastInit); got != float64(now.Unix()) {
		t.Errorf("PortalLastInit = %v, want %v", got, now.Unix())
	}
}
