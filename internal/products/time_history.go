package products

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/sclk-correlator/internal/correlation"
	"github.com/miradorstack/sclk-correlator/internal/models"
	"github.com/miradorstack/sclk-correlator/internal/timeconv"
)

// TimeHistoryName registers the time-history table generator.
const TimeHistoryName = "time-history"

const timeHistoryHeader = "runId,runTime,sclkCoarse,tdt,tdtStr,rate,driftMsPerDay,sampleSetRef,user"

type timeHistoryOptions struct {
	File string `yaml:"file"`
}

// timeHistory keeps one CSV row per committed run.
type timeHistory struct {
	path   string
	logger *slog.Logger
}

func newTimeHistory(env Env, node *yaml.Node) (Generator, error) {
	opts := timeHistoryOptions{File: "time_history.csv"}
	if err := decodeOptions(node, &opts); err != nil {
		return nil, err
	}
	return &timeHistory{path: resolve(env.OutputDir, opts.File), logger: env.Logger}, nil
}

func (g *timeHistory) Name() string { return TimeHistoryName }

func (g *timeHistory) Generate(_ context.Context, pub Publication) (models.ProductRecord, error) {
	if pub.Triplet.TestMode {
		return models.ProductRecord{}, models.ErrTestModeRun
	}
	t := pub.Triplet
	row := strings.Join([]string{
		runLabel(pub.RunID),
		timeconv.FormatDOY(pub.CreatedAt),
		strconv.FormatInt(t.OnboardClock, 10),
		strconv.FormatFloat(t.TerrestrialTime, 'f', correlation.TDTDecimals, 64),
		timeconv.FormatTDT(t.TerrestrialTime),
		strconv.FormatFloat(t.ClockChangeRate, 'f', 11, 64),
		strconv.FormatFloat(correlation.SclkDriftMsPerDay(t.ClockChangeRate), 'f', 3, 64),
		pub.SampleSetRef,
		pub.User,
	}, ",")
	if err := appendLine(g.path, timeHistoryHeader, row); err != nil {
		return models.ProductRecord{}, fmt.Errorf("append time history: %w", err)
	}
	return models.ProductRecord{Location: g.path, Detail: "row " + runLabel(pub.RunID)}, nil
}

func (g *timeHistory) Retract(_ context.Context, pub Publication) error {
	prefix := runLabel(pub.RunID) + ","
	_, err := removeLines(g.path, func(line string) bool { return strings.HasPrefix(line, prefix) })
	return err
}

func resolve(dir, file string) string {
	if filepath.IsAbs(file) || dir == "" {
		return file
	}
	return filepath.Join(dir, file)
}
