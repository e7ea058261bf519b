package model

import (
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"

	"github.com/safeops/buildwatch/internal/features"
	"github.com/safeops/buildwatch/internal/logging"
)

// LoadTrainingCSV reads a header-addressed CSV of feature samples. When a
// label column is present only rows labeled normal are kept, since the
// forest learns the baseline from clean builds. Columns outside the
// canonical feature list are dropped; missing or unparsable cells are
// imputed with the column median.
func LoadTrainingCSV(path string) ([][]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(records) < 2 {
		return nil, errors.New("training CSV has no data rows")
	}

	header := records[0]
	colIndex := make(map[string]int, len(header))
	for i, name := range header {
		colIndex[name] = i
	}
	labelIdx, hasLabel := colIndex["label"]

	logger := logging.GetLogger("model.training")
	names := features.Names()
	for _, name := range names {
		if _, ok := colIndex[name]; !ok {
			logger.WarnWithFields("training CSV missing feature column",
				logging.Field("column", name),
			)
		}
	}

	var x [][]float64
	for _, rec := range records[1:] {
		if hasLabel {
			if labelIdx >= len(rec) || rec[labelIdx] != "normal" {
				continue
			}
		}

		row := make([]float64, features.NumFeatures)
		for j, name := range names {
			idx, ok := colIndex[name]
			if !ok || idx >= len(rec) {
				row[j] = math.NaN()
				continue
			}
			v, err := strconv.ParseFloat(rec[idx], 64)
			if err != nil {
				row[j] = math.NaN()
				continue
			}
			row[j] = v
		}
		x = append(x, row)
	}

	if len(x) == 0 {
		return nil, errors.New("no usable training samples")
	}

	imputeMedians(x)
	return x, nil
}

// TrainFromCSV loads samples from a CSV file and trains on them.
func (m *Model) TrainFromCSV(path string) (TrainingStats, error) {
	x, err := LoadTrainingCSV(path)
	if err != nil {
		return TrainingStats{}, err
	}
	m.logger.InfoWithFields("loaded training data",
		logging.Field("path", path),
		logging.Field("samples", len(x)),
	)
	return m.Train(x)
}

// VectorsFromFeatureMaps converts stored raw-feature documents into training
// rows, addressing values by canonical name. Missing keys become 0.
func VectorsFromFeatureMaps(rows []map[string]float64) [][]float64 {
	names := features.Names()
	x := make([][]float64, len(rows))
	for i, row := range rows {
		vec := make([]float64, features.NumFeatures)
		for j, name := range names {
			vec[j] = row[name]
		}
		x[i] = vec
	}
	return x
}

// imputeMedians replaces NaN cells with the column median in place. A column
// with no finite values becomes all zeros.
func imputeMedians(x [][]float64) {
	if len(x) == 0 {
		return
	}
	for j := 0; j < len(x[0]); j++ {
		var finite []float64
		for _, row := range x {
			if !math.IsNaN(row[j]) {
				finite = append(finite, row[j])
			}
		}
		med := median(finite)
		for _, row := range x {
			if math.IsNaN(row[j]) {
				row[j] = med
			}
		}
	}
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
