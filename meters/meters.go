// Package meters implements the running statistics kept by the training and
// evaluation loops: windowed scalar meters, iteration timers and the
// per-epoch train/validation meters that drive the periodic log lines.
package meters

import (
	"fmt"
	"slices"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/gomlx/ui/commandline"
	"k8s.io/klog/v2"
)

// WindowSize is the number of recent iterations summarized by the windowed
// statistics in the periodic log lines.
const WindowSize = 10

// ScalarMeter tracks a scalar series over a fixed window plus globally.
type ScalarMeter struct {
	window []float64
	total  float64
	count  int64
}

// NewScalarMeter creates a meter with the default window size.
func NewScalarMeter() *ScalarMeter {
	return &ScalarMeter{window: make([]float64, 0, WindowSize)}
}

// Add records a value.
func (m *ScalarMeter) Add(v float64) {
	if len(m.window) == WindowSize {
		copy(m.window, m.window[1:])
		m.window = m.window[:WindowSize-1]
	}
	m.window = append(m.window, v)
	m.total += v
	m.count++
}

// WinMedian returns the median over the window, 0 if empty.
func (m *ScalarMeter) WinMedian() float64 {
	if len(m.window) == 0 {
		return 0
	}
	sorted := slices.Clone(m.window)
	slices.Sort(sorted)
	return sorted[len(sorted)/2]
}

// WinAvg returns the average over the window, 0 if empty.
func (m *ScalarMeter) WinAvg() float64 {
	if len(m.window) == 0 {
		return 0
	}
	var sum float64
	for _, v := range m.window {
		sum += v
	}
	return sum / float64(len(m.window))
}

// GlobalAvg returns the average over every value since the last Reset.
func (m *ScalarMeter) GlobalAvg() float64 {
	if m.count == 0 {
		return 0
	}
	return m.total / float64(m.count)
}

// Reset clears the window and the global statistics.
func (m *ScalarMeter) Reset() {
	m.window = m.window[:0]
	m.total = 0
	m.count = 0
}

// Timer accumulates wall time across Start/Stop cycles.
type Timer struct {
	start   time.Time
	total   time.Duration
	laps    int
	running bool
}

// Start begins (or resumes) timing.
func (t *Timer) Start() {
	t.start = time.Now()
	t.running = true
}

// Stop ends the current lap and accumulates it.
func (t *Timer) Stop() {
	if !t.running {
		return
	}
	t.total += time.Since(t.start)
	t.laps++
	t.running = false
}

// AvgSeconds returns the mean lap duration in seconds.
func (t *Timer) AvgSeconds() float64 {
	if t.laps == 0 {
		return 0
	}
	return t.total.Seconds() / float64(t.laps)
}

// Seconds returns the total accumulated time in seconds.
func (t *Timer) Seconds() float64 { return t.total.Seconds() }

// Reset clears the accumulated time.
func (t *Timer) Reset() {
	t.total = 0
	t.laps = 0
	t.running = false
}

// Stats is a flat name->value snapshot of a meter, fed to the stats sink.
type Stats map[string]float64

// TrainMeter tracks one training epoch.
type TrainMeter struct {
	iterTimer Timer

	loss    *ScalarMeter
	lr      float64
	top1Err *ScalarMeter
	top5Err *ScalarMeter

	// Epoch totals for the epoch-level stats.
	lossTotal    float64
	top1MisTotal float64
	top5MisTotal float64
	numSamples   int

	epochIters  int
	totalEpochs int
	logPeriod   int
}

// NewTrainMeter creates a meter for epochs of the given length.
// totalEpochs is used for the ETA estimate.
func NewTrainMeter(epochIters, totalEpochs, logPeriod int) *TrainMeter {
	return &TrainMeter{
		loss:        NewScalarMeter(),
		top1Err:     NewScalarMeter(),
		top5Err:     NewScalarMeter(),
		epochIters:  epochIters,
		totalEpochs: totalEpochs,
		logPeriod:   logPeriod,
	}
}

// IterTic marks the start of an iteration (including the data wait).
func (m *TrainMeter) IterTic() { m.iterTimer.Start() }

// IterToc marks the end of an iteration.
func (m *TrainMeter) IterToc() { m.iterTimer.Stop() }

// Update records the reduced statistics of one iteration. top1Err and top5Err
// are percentages; batchSize is the global batch size (all workers).
func (m *TrainMeter) Update(top1Err, top5Err, loss, lr float64, batchSize int) {
	m.loss.Add(loss)
	m.top1Err.Add(top1Err)
	m.top5Err.Add(top5Err)
	m.lr = lr
	m.lossTotal += loss * float64(batchSize)
	m.top1MisTotal += top1Err / 100 * float64(batchSize)
	m.top5MisTotal += top5Err / 100 * float64(batchSize)
	m.numSamples += batchSize
}

func (m *TrainMeter) eta(epoch, iter int) string {
	remaining := (m.totalEpochs-epoch)*m.epochIters - iter - 1
	if remaining < 0 {
		remaining = 0
	}
	d := time.Duration(m.iterTimer.AvgSeconds()*float64(remaining)) * time.Second
	return commandline.FormatDuration(d)
}

// LogIterStats writes a log line every logPeriod iterations.
func (m *TrainMeter) LogIterStats(epoch, iter int) {
	if m.logPeriod <= 0 || (iter+1)%m.logPeriod != 0 {
		return
	}
	klog.Infof("train epoch %d iter %d/%d: loss %.4f top1_err %.2f top5_err %.2f lr %.2e iter_time %.3fs eta %s",
		epoch, iter+1, m.epochIters,
		m.loss.WinMedian(), m.top1Err.WinMedian(), m.top5Err.WinMedian(),
		m.lr, m.iterTimer.AvgSeconds(), m.eta(epoch, iter))
}

// EpochStats returns the epoch-level statistics.
func (m *TrainMeter) EpochStats() Stats {
	stats := Stats{"lr": m.lr}
	if m.numSamples > 0 {
		n := float64(m.numSamples)
		stats["loss"] = m.lossTotal / n
		stats["top1_err"] = m.top1MisTotal / n * 100
		stats["top5_err"] = m.top5MisTotal / n * 100
	}
	return stats
}

// LogEpochStats prints the epoch summary table and returns the stats.
func (m *TrainMeter) LogEpochStats(epoch int) Stats {
	stats := m.EpochStats()
	logStatsTable(fmt.Sprintf("Train epoch %d", epoch), stats, Stats{
		"samples":     float64(m.numSamples),
		"iter_time_s": m.iterTimer.AvgSeconds(),
	})
	return stats
}

// Reset prepares the meter for the next epoch.
func (m *TrainMeter) Reset() {
	m.loss.Reset()
	m.top1Err.Reset()
	m.top5Err.Reset()
	m.iterTimer.Reset()
	m.lossTotal = 0
	m.top1MisTotal = 0
	m.top5MisTotal = 0
	m.numSamples = 0
}

// SetEpochIters adjusts the epoch length, e.g. after a multigrid rebuild.
func (m *TrainMeter) SetEpochIters(iters int) { m.epochIters = iters }

// ValMeter tracks one validation epoch and the best top-1 error seen so far.
type ValMeter struct {
	iterTimer Timer

	top1Err *ScalarMeter
	top5Err *ScalarMeter

	top1MisTotal float64
	top5MisTotal float64
	numSamples   int

	minTop1Err float64
	hasMin     bool

	// Gathered predictions (max logit class) and labels of the epoch,
	// across all workers.
	Preds  []float32
	Labels []int32

	epochIters int
	logPeriod  int
}

// NewValMeter creates a validation meter for epochs of the given length.
func NewValMeter(epochIters, logPeriod int) *ValMeter {
	return &ValMeter{
		top1Err:    NewScalarMeter(),
		top5Err:    NewScalarMeter(),
		epochIters: epochIters,
		logPeriod:  logPeriod,
	}
}

// IterTic marks the start of an iteration.
func (m *ValMeter) IterTic() { m.iterTimer.Start() }

// IterToc marks the end of an iteration.
func (m *ValMeter) IterToc() { m.iterTimer.Stop() }

// Update records the reduced statistics of one iteration.
func (m *ValMeter) Update(top1Err, top5Err float64, batchSize int) {
	m.top1Err.Add(top1Err)
	m.top5Err.Add(top5Err)
	m.top1MisTotal += top1Err / 100 * float64(batchSize)
	m.top5MisTotal += top5Err / 100 * float64(batchSize)
	m.numSamples += batchSize
}

// UpdatePredictions appends gathered predictions and labels.
func (m *ValMeter) UpdatePredictions(preds []float32, labels []int32) {
	m.Preds = append(m.Preds, preds...)
	m.Labels = append(m.Labels, labels...)
}

// LogIterStats writes a log line every logPeriod iterations.
func (m *ValMeter) LogIterStats(epoch, iter int) {
	if m.logPeriod <= 0 || (iter+1)%m.logPeriod != 0 {
		return
	}
	klog.Infof("val epoch %d iter %d/%d: top1_err %.2f top5_err %.2f iter_time %.3fs",
		epoch, iter+1, m.epochIters,
		m.top1Err.WinMedian(), m.top5Err.WinMedian(), m.iterTimer.AvgSeconds())
}

// EpochStats returns the epoch statistics, tracking the best top-1 so far.
func (m *ValMeter) EpochStats() Stats {
	stats := Stats{}
	if m.numSamples > 0 {
		n := float64(m.numSamples)
		top1 := m.top1MisTotal / n * 100
		if !m.hasMin || top1 < m.minTop1Err {
			m.minTop1Err = top1
			m.hasMin = true
		}
		stats["top1_err"] = top1
		stats["top5_err"] = m.top5MisTotal / n * 100
		stats["min_top1_err"] = m.minTop1Err
	}
	return stats
}

// MinTop1Err returns the best top-1 error over all validation epochs.
func (m *ValMeter) MinTop1Err() float64 { return m.minTop1Err }

// LogEpochStats prints the epoch summary table and returns the stats.
func (m *ValMeter) LogEpochStats(epoch int) Stats {
	stats := m.EpochStats()
	logStatsTable(fmt.Sprintf("Val epoch %d", epoch), stats, Stats{
		"samples": float64(m.numSamples),
	})
	return stats
}

// Reset prepares the meter for the next validation epoch. The best top-1
// error survives resets.
func (m *ValMeter) Reset() {
	m.top1Err.Reset()
	m.top5Err.Reset()
	m.iterTimer.Reset()
	m.top1MisTotal = 0
	m.top5MisTotal = 0
	m.numSamples = 0
	m.Preds = m.Preds[:0]
	m.Labels = m.Labels[:0]
}

// SetEpochIters adjusts the epoch length after a rebuild.
func (m *ValMeter) SetEpochIters(iters int) { m.epochIters = iters }

var (
	tableTitleStyle = lipgloss.NewStyle().Bold(true).PaddingLeft(2)
	tableCellStyle  = lipgloss.NewStyle().Padding(0, 1)
)

// logStatsTable renders epoch stats as a small two-column table on stderr via
// klog, keeping log files grep-able one row at a time.
func logStatsTable(title string, stats ...Stats) {
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(int, int) lipgloss.Style { return tableCellStyle })
	keys := make([]string, 0, 8)
	merged := Stats{}
	for _, s := range stats {
		for k, v := range s {
			merged[k] = v
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	for _, k := range keys {
		table.Row(k, fmt.Sprintf("%.4f", merged[k]))
	}
	klog.Infof("%s\n%s", tableTitleStyle.Render(title), table.String())
}
