// Package classifier loads, trains and evaluates the image model used to
// answer visual challenges.
package classifier

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
)

// FormatVersion identifies the artifact layout.
const FormatVersion = "cadence-knn/1"

const defaultK = 5

var (
	ErrEmptyModel    = errors.New("classifier: model has no exemplars")
	ErrFeatureSize   = errors.New("classifier: feature vector has the wrong size")
	ErrUnknownFormat = errors.New("classifier: unknown artifact format")
	ErrTooFewClasses = errors.New("classifier: at least two categories are required")
)

// Prediction is the top label for one image. Confidence is in [0,1].
type Prediction struct {
	Label      string
	Confidence float64
}

// Exemplar is one labelled feature vector.
type Exemplar struct {
	Label    string    `json:"label"`
	Features []float64 `json:"features"`
}

type artifact struct {
	Format      string     `json:"format"`
	Categories  []string   `json:"categories"`
	FeatureSize int        `json:"feature_size"`
	K           int        `json:"k"`
	Exemplars   []Exemplar `json:"exemplars"`
}

// Model is an immutable distance-weighted k-nearest-neighbour classifier.
// It is safe for concurrent use.
type Model struct {
	categories []string
	k          int
	exemplars  []Exemplar
}

// NewModel validates exemplars and builds a model. k <= 0 selects the default.
func NewModel(k int, exemplars []Exemplar) (*Model, error) {
	if len(exemplars) == 0 {
		return nil, ErrEmptyModel
	}
	if k <= 0 {
		k = defaultK
	}
	seen := make(map[string]struct{})
	var cats []string
	for i, e := range exemplars {
		if len(e.Features) != FeatureSize {
			return nil, fmt.Errorf("%w: exemplar %d has %d values", ErrFeatureSize, i, len(e.Features))
		}
		if _, ok := seen[e.Label]; !ok {
			seen[e.Label] = struct{}{}
			cats = append(cats, e.Label)
		}
	}
	if len(cats) < 2 {
		return nil, ErrTooFewClasses
	}
	sort.Strings(cats)
	if k > len(exemplars) {
		k = len(exemplars)
	}
	return &Model{categories: cats, k: k, exemplars: exemplars}, nil
}

// Categories returns the labels the model can emit, sorted.
func (m *Model) Categories() []string {
	return append([]string(nil), m.categories...)
}

// Size returns the number of exemplars.
func (m *Model) Size() int { return len(m.exemplars) }

// PredictImage extracts features and predicts.
func (m *Model) PredictImage(img image.Image) (Prediction, error) {
	return m.Predict(Features(img))
}

// Predict returns the label with the largest share of the weighted vote of
// the k nearest exemplars. Ties go to the alphabetically first label.
func (m *Model) Predict(features []float64) (Prediction, error) {
	if len(features) != FeatureSize {
		return Prediction{}, fmt.Errorf("%w: got %d", ErrFeatureSize, len(features))
	}

	type neighbour struct {
		label string
		dist  float64
	}
	all := make([]neighbour, len(m.exemplars))
	for i, e := range m.exemplars {
		all[i] = neighbour{label: e.Label, dist: distance(features, e.Features)}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].dist < all[j].dist })

	votes := make(map[string]float64)
	var total float64
	for _, n := range all[:m.k] {
		w := 1 / (n.dist + 1e-6)
		votes[n.label] += w
		total += w
	}

	var best Prediction
	for _, label := range m.categories {
		v, ok := votes[label]
		if !ok {
			continue
		}
		if c := v / total; c > best.Confidence {
			best = Prediction{Label: label, Confidence: c}
		}
	}
	best.Confidence = math.Min(1, math.Max(0, best.Confidence))
	return best, nil
}

func distance(a, b []float64) float64 {
	var s float64
	for i := range a {
		d := a[i] - b[i]
		s += d * d
	}
	return math.Sqrt(s)
}

// -- Artifact I/O --

// Load reads an artifact. A missing file is not an error: it returns a nil
// model, which callers treat as manual-only mode.
func Load(path string) (*Model, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("classifier: open artifact: %w", err)
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("classifier: read artifact %s: %w", path, err)
	}
	defer zr.Close()

	var a artifact
	if err := json.NewDecoder(zr).Decode(&a); err != nil {
		return nil, fmt.Errorf("classifier: decode artifact %s: %w", path, err)
	}
	if a.Format != FormatVersion {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, a.Format)
	}
	if a.FeatureSize != FeatureSize {
		return nil, fmt.Errorf("%w: artifact uses %d", ErrFeatureSize, a.FeatureSize)
	}
	return NewModel(a.K, a.Exemplars)
}

// Save writes the artifact atomically.
func (m *Model) Save(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("classifier: create artifact dir: %w", err)
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".artifact-*")
	if err != nil {
		return fmt.Errorf("classifier: create temp artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	zw := gzip.NewWriter(tmp)
	err = json.NewEncoder(zw).Encode(artifact{
		Format:      FormatVersion,
		Categories:  m.categories,
		FeatureSize: FeatureSize,
		K:           m.k,
		Exemplars:   m.exemplars,
	})
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("classifier: write artifact: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}
