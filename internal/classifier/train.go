package classifier

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// UnclassifiedDir holds corpus images nobody has labelled yet. Training ignores it.
const UnclassifiedDir = "unclassified"

var imageExts = map[string]bool{".png": true, ".jpg": true, ".jpeg": true}

// TrainOptions tunes Train.
type TrainOptions struct {
	K      int
	Logger *zap.Logger
}

// TrainReport summarizes a training run.
type TrainReport struct {
	PerCategory map[string]int
	Skipped     []string
}

// Train builds a model from <corpus>/<category>/*.{png,jpg,jpeg}. The corpus is
// only read. Unreadable images are skipped and reported, not fatal.
func Train(ctx context.Context, corpus string, opts TrainOptions) (*Model, TrainReport, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("trainer")
	report := TrainReport{PerCategory: make(map[string]int)}

	entries, err := os.ReadDir(corpus)
	if err != nil {
		return nil, report, fmt.Errorf("classifier: read corpus: %w", err)
	}

	var exemplars []Exemplar
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || name == UnclassifiedDir || strings.HasPrefix(name, ".") {
			continue
		}
		files, err := os.ReadDir(filepath.Join(corpus, name))
		if err != nil {
			return nil, report, fmt.Errorf("classifier: read category %s: %w", name, err)
		}
		sort.Slice(files, func(i, j int) bool { return files[i].Name() < files[j].Name() })

		for _, f := range files {
			if err := ctx.Err(); err != nil {
				return nil, report, err
			}
			if f.IsDir() || !imageExts[strings.ToLower(filepath.Ext(f.Name()))] {
				continue
			}
			path := filepath.Join(corpus, name, f.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				report.Skipped = append(report.Skipped, path)
				continue
			}
			img, err := Decode(data)
			if err != nil {
				logger.Warn("Skipping unreadable image", zap.String("path", path), zap.Error(err))
				report.Skipped = append(report.Skipped, path)
				continue
			}
			exemplars = append(exemplars, Exemplar{Label: name, Features: Features(img)})
			report.PerCategory[name]++
		}
	}

	if len(report.PerCategory) < 2 {
		return nil, report, fmt.Errorf("%w: found %d in %s", ErrTooFewClasses, len(report.PerCategory), corpus)
	}
	model, err := NewModel(opts.K, exemplars)
	if err != nil {
		return nil, report, err
	}
	logger.Info("Model trained",
		zap.Int("exemplars", model.Size()),
		zap.Strings("categories", model.Categories()),
		zap.Int("skipped", len(report.Skipped)))
	return model, report, nil
}
