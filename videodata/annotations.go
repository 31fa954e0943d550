// Package videodata implements the clip pipeline: annotation lists, video
// decoding, temporal and spatial sampling, augmentation and batch assembly
// into tensors shaped [batch, frames, height, width, 3].
package videodata

import (
	"os"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"
)

// Annotation is one labeled video.
type Annotation struct {
	Path  string
	Label int32
}

// LoadAnnotations reads a space-separated "path label" list, one video per
// line, no header.
func LoadAnnotations(path string) ([]Annotation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open annotation list %s", path)
	}
	defer func() { _ = f.Close() }()

	df := dataframe.ReadCSV(f,
		dataframe.HasHeader(false),
		dataframe.WithDelimiter(' '),
		dataframe.Names("path", "label"),
		dataframe.WithTypes(map[string]series.Type{"path": series.String, "label": series.Int}))
	if df.Err != nil {
		return nil, errors.Wrapf(df.Err, "failed to parse annotation list %s", path)
	}

	paths := df.Col("path")
	labels := df.Col("label")
	annotations := make([]Annotation, 0, df.Nrow())
	for i := 0; i < df.Nrow(); i++ {
		label, err := labels.Elem(i).Int()
		if err != nil {
			return nil, errors.Wrapf(err, "bad label on line %d of %s", i+1, path)
		}
		if label < 0 {
			return nil, errors.Errorf("negative label %d on line %d of %s", label, i+1, path)
		}
		annotations = append(annotations, Annotation{Path: paths.Elem(i).String(), Label: int32(label)})
	}
	if len(annotations) == 0 {
		return nil, errors.Errorf("annotation list %s is empty", path)
	}
	return annotations, nil
}
