package meters

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScalarMeterWindow(t *testing.T) {
	m := NewScalarMeter()
	for i := 1; i <= 15; i++ {
		m.Add(float64(i))
	}
	// The window keeps the last 10 values, 6..15.
	assert.Equal(t, 10.5, m.WinAvg())
	assert.Equal(t, 11.0, m.WinMedian())
	assert.Equal(t, 8.0, m.GlobalAvg())

	m.Reset()
	assert.Equal(t, 0.0, m.WinAvg())
	assert.Equal(t, 0.0, m.WinMedian())
	assert.Equal(t, 0.0, m.GlobalAvg())
}

func TestTimer(t *testing.T) {
	var timer Timer
	for i := 0; i < 2; i++ {
		timer.Start()
		time.Sleep(5 * time.Millisecond)
		timer.Stop()
	}
	assert.Greater(t, timer.AvgSeconds(), 0.0)
	assert.GreaterOrEqual(t, timer.Seconds(), timer.AvgSeconds())

	timer.Stop() // not running, a no-op
	seconds := timer.Seconds()
	assert.Equal(t, seconds, timer.Seconds())

	timer.Reset()
	assert.Equal(t, 0.0, timer.Seconds())
	assert.Equal(t, 0.0, timer.AvgSeconds())
}

func TestTrainMeterEpochStats(t *testing.T) {
	m := NewTrainMeter(10, 1, 1)
	m.Update(50, 25, 2.0, 0.1, 4)
	m.Update(100, 50, 4.0, 0.1, 4)

	stats := m.EpochStats()
	assert.InDelta(t, 3.0, stats["loss"], 1e-9)
	assert.InDelta(t, 75.0, stats["top1_err"], 1e-9)
	assert.InDelta(t, 37.5, stats["top5_err"], 1e-9)
	assert.Equal(t, 0.1, stats["lr"])

	m.Reset()
	stats = m.EpochStats()
	assert.NotContains(t, stats, "loss", "no samples after a reset")
	assert.Contains(t, stats, "lr")
}

func TestLogIterStatsZeroPeriod(t *testing.T) {
	// A zero log period silences iteration logging instead of crashing.
	tm := NewTrainMeter(10, 1, 0)
	tm.Update(50, 25, 2.0, 0.1, 4)
	assert.NotPanics(t, func() { tm.LogIterStats(0, 0) })

	vm := NewValMeter(2, 0)
	vm.Update(50, 25, 4)
	assert.NotPanics(t, func() { vm.LogIterStats(0, 0) })
}

func TestValMeterKeepsMinAcrossResets(t *testing.T) {
	m := NewValMeter(2, 1)

	m.Update(50, 25, 4)
	stats := m.EpochStats()
	assert.InDelta(t, 50.0, stats["top1_err"], 1e-9)
	assert.InDelta(t, 50.0, stats["min_top1_err"], 1e-9)

	m.Reset()
	m.Update(25, 10, 4)
	stats = m.EpochStats()
	assert.InDelta(t, 25.0, stats["min_top1_err"], 1e-9)

	m.Reset()
	m.Update(75, 60, 4)
	stats = m.EpochStats()
	assert.InDelta(t, 75.0, stats["top1_err"], 1e-9)
	assert.InDelta(t, 25.0, stats["min_top1_err"], 1e-9, "the best epoch survives worse ones")
	assert.Equal(t, 25.0, m.MinTop1Err())
}

func TestValMeterPredictions(t *testing.T) {
	m := NewValMeter(2, 1)
	m.UpdatePredictions([]float32{1, 2}, []int32{1, 3})
	m.UpdatePredictions([]float32{0}, []int32{0})
	assert.Equal(t, []float32{1, 2, 0}, m.Preds)
	assert.Equal(t, []int32{1, 3, 0}, m.Labels)

	m.Reset()
	assert.Empty(t, m.Preds)
	assert.Empty(t, m.Labels)
}
