package products

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/sclk-correlator/internal/models"
	"github.com/miradorstack/sclk-correlator/internal/timeconv"
)

// SclkScetName registers the SCLK/SCET text generator.
const SclkScetName = "sclk-scet"

type sclkScetOptions struct {
	File string `yaml:"file"`
}

// sclkScet appends SCLK, SCET, DUT and rate records to a single text file.
type sclkScet struct {
	path    string
	mission string
	logger  *slog.Logger
}

func newSclkScet(env Env, node *yaml.Node) (Generator, error) {
	mission := env.Mission
	if mission == "" {
		mission = "mission"
	}
	opts := sclkScetOptions{File: mission + ".sclkscet"}
	if err := decodeOptions(node, &opts); err != nil {
		return nil, err
	}
	return &sclkScet{path: resolve(env.OutputDir, opts.File), mission: mission, logger: env.Logger}, nil
}

func (g *sclkScet) Name() string { return SclkScetName }

func (g *sclkScet) Generate(_ context.Context, pub Publication) (models.ProductRecord, error) {
	if pub.Triplet.TestMode {
		return models.ProductRecord{}, models.ErrTestModeRun
	}
	header := fmt.Sprintf("*%s SCLK-SCET\n*%-20s %-26s %-8s %s", strings.ToUpper(g.mission),
		"SCLK0", "SCET0", "DUT", "SCLKRATE")
	if err := appendLine(g.path, header, sclkScetRecord(pub.Triplet)); err != nil {
		return models.ProductRecord{}, fmt.Errorf("append sclk-scet: %w", err)
	}
	return models.ProductRecord{Location: g.path}, nil
}

func (g *sclkScet) Retract(_ context.Context, pub Publication) error {
	record := sclkScetRecord(pub.Triplet)
	_, err := removeLines(g.path, func(line string) bool { return line == record })
	return err
}

// sclkScetRecord formats one record. DUT is TDT minus UTC at the correlation point.
func sclkScetRecord(t models.Triplet) string {
	utc := timeconv.TDTToUTC(t.TerrestrialTime)
	dut := timeconv.TAIMinusUTC(utc) + 32.184
	return fmt.Sprintf(" %-20d %-26s %-8.3f %.11f", t.OnboardClock, timeconv.FormatDOY(utc), dut, t.ClockChangeRate)
}
