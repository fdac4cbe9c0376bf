package telemetry

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/miradorstack/sclk-correlator/internal/models"
	"github.com/miradorstack/sclk-correlator/internal/utils"
)

var requiredColumns = []string{"ert", "sclkCoarse", "sclkFine"}

// ReadCSV parses a raw telemetry table with a header row. Column names are matched
// case-insensitively; only ert, sclkCoarse and sclkFine are mandatory. When no row carries
// a data rate, rates are estimated from frame sizes and supplemental ERTs spaced
// suppOffset frames apart.
func ReadCSV(r io.Reader, suppOffset int) ([]models.FrameSample, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("telemetry csv: empty table")
		}
		return nil, fmt.Errorf("telemetry csv: read header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := cols[strings.ToLower(name)]; !ok {
			return nil, fmt.Errorf("telemetry csv: missing column %q", name)
		}
	}

	var samples []models.FrameSample
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("telemetry csv: line %d: %w", line, err)
		}
		row := csvRow{cols: cols, record: record}
		sample, err := row.sample()
		if err != nil {
			return nil, fmt.Errorf("telemetry csv: line %d: %w", line, err)
		}
		samples = append(samples, sample)
	}

	if err := estimateDataRates(samples, suppOffset); err != nil {
		return nil, err
	}
	return samples, nil
}

type csvRow struct {
	cols   map[string]int
	record []string
}

func (r csvRow) get(name string) string {
	idx, ok := r.cols[strings.ToLower(name)]
	if !ok || idx >= len(r.record) {
		return ""
	}
	return strings.TrimSpace(r.record[idx])
}

func (r csvRow) integer(name string, fallback int64) (int64, error) {
	v := r.get(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("column %s: %w", name, err)
	}
	return n, nil
}

func (r csvRow) sample() (models.FrameSample, error) {
	var s models.FrameSample
	var err error

	if s.ERT, err = utils.ParseTime(r.get("ert")); err != nil {
		return s, fmt.Errorf("column ert: %w", err)
	}
	if s.SuppERT, err = utils.ParseOptionalTime(r.get("suppErt")); err != nil {
		return s, fmt.Errorf("column suppErt: %w", err)
	}
	if s.SclkCoarse, err = r.integer("sclkCoarse", 0); err != nil {
		return s, err
	}
	if s.SclkFine, err = r.integer("sclkFine", 0); err != nil {
		return s, err
	}

	ints := []struct {
		name     string
		fallback int64
		dst      *int
	}{
		{"pathId", 0, &s.PathID},
		{"vcid", -1, &s.VCID},
		{"vcfc", -1, &s.VCFC},
		{"mcfc", -1, &s.MCFC},
		{"suppVcid", -1, &s.SuppVCID},
		{"suppVcfc", -1, &s.SuppVCFC},
		{"frameSizeBits", 0, &s.FrameSizeBits},
	}
	for _, f := range ints {
		n, err := r.integer(f.name, f.fallback)
		if err != nil {
			return s, err
		}
		*f.dst = int(n)
	}

	s.SuppKnown = r.get("suppVcid") != ""

	if v := r.get("dataRateBps"); v != "" {
		if s.DataRateBps, err = strconv.ParseFloat(v, 64); err != nil {
			return s, fmt.Errorf("column dataRateBps: %w", err)
		}
	}

	switch strings.ToLower(r.get("valid")) {
	case "":
		s.Valid = models.ValidUnset
	case "true", "1", "valid", "y":
		s.Valid = models.ValidTrue
	default:
		s.Valid = models.ValidFalse
	}
	return s, nil
}

func estimateDataRates(samples []models.FrameSample, suppOffset int) error {
	if len(samples) == 0 {
		return nil
	}
	for _, s := range samples {
		if s.DataRateBps > 0 {
			return nil
		}
	}
	if suppOffset <= 0 {
		suppOffset = 1
	}
	frameSize := samples[0].FrameSizeBits
	for _, s := range samples {
		if s.FrameSizeBits <= 0 || s.FrameSizeBits != frameSize {
			// Without a uniform frame size there is nothing to estimate from; the data
			// rate filters and the bit offset correction report the gap if they need it.
			return nil
		}
	}
	for i := range samples {
		s := &samples[i]
		if s.SuppERT.IsZero() {
			continue
		}
		elapsed := s.SuppERT.Sub(s.ERT)
		if elapsed <= 0 {
			return fmt.Errorf("telemetry csv: supplemental ERT %s does not follow ERT %s",
				s.SuppERT.Format(time.RFC3339Nano), s.ERT.Format(time.RFC3339Nano))
		}
		s.DataRateBps = float64(suppOffset*frameSize) / elapsed.Seconds()
	}
	return nil
}
