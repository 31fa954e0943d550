// Package stats persists training metrics: an append-only JSONL point log in
// the format the plotting tools read, plus per-evaluation scatter plots of
// predictions against labels.
package stats

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gomlx/gomlx/ui/plots"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/videoml/vidtrain/meters"
)

// Sink writes metric points and plots into the run's output directory.
type Sink struct {
	dir string

	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewSink opens (appending) the point log in dir.
func NewSink(dir string) (*Sink, error) {
	path := filepath.Join(dir, plots.TrainingPlotFileName)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0664)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open metrics log %s", path)
	}
	return &Sink{dir: dir, file: f, enc: json.NewEncoder(f)}, nil
}

// metricType buckets metric names so related metrics land on the same plot.
func metricType(name string) string {
	switch {
	case strings.Contains(name, "loss"):
		return "loss"
	case strings.Contains(name, "err"):
		return "error"
	case name == "lr":
		return "learning-rate"
	}
	return "generic"
}

// WriteEpoch appends one point per metric, tagged with the split prefix
// ("train" or "val") and the global step.
func (s *Sink) WriteEpoch(prefix string, globalStep int64, stats meters.Stats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, value := range stats {
		point := plots.Point{
			MetricName: prefix + "/" + name,
			Short:      name,
			MetricType: metricType(name),
			Step:       float64(globalStep),
			Value:      value,
		}
		if err := s.enc.Encode(point); err != nil {
			return errors.Wrapf(err, "failed to append metric point %s", point.MetricName)
		}
	}
	return nil
}

// ScatterPredictions renders the gathered evaluation predictions against
// their labels as a PNG in the output directory, one file per epoch.
func (s *Sink) ScatterPredictions(epoch int, preds []float32, labels []int32) error {
	if len(preds) == 0 || len(preds) != len(labels) {
		return errors.Errorf("cannot plot %d predictions against %d labels", len(preds), len(labels))
	}
	pts := make(plotter.XYs, len(preds))
	for i := range preds {
		pts[i] = plotter.XY{X: float64(labels[i]), Y: float64(preds[i])}
	}
	scatter, err := plotter.NewScatter(pts)
	if err != nil {
		return errors.Wrap(err, "failed to build prediction scatter")
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Predictions, epoch %d", epoch)
	p.X.Label.Text = "label"
	p.Y.Label.Text = "predicted class"
	p.Add(scatter)

	path := filepath.Join(s.dir, fmt.Sprintf("val_scatter_epoch_%04d.png", epoch))
	if err := p.Save(6*vg.Inch, 6*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "failed to save prediction scatter %s", path)
	}
	return nil
}

// Close flushes and closes the point log.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Wrap(s.file.Close(), "failed to close metrics log")
}
