package products

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/sclk-correlator/internal/models"
	"github.com/miradorstack/sclk-correlator/internal/timeconv"
)

func publication(id int64) Publication {
	return Publication{
		RunID:     id,
		CreatedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Triplet: models.Triplet{
			OnboardClock:    1000 * id,
			TerrestrialTime: 7.6e8 + float64(id),
			ClockChangeRate: 1.0000000012,
		},
		SampleSetRef: "ref",
		Geometry:     models.GeometryInfo{ETG: 7.6e8},
		User:         "ops",
	}
}

func build(t *testing.T, dir string, order []string, options map[string]yaml.Node) *Dispatcher {
	t.Helper()
	d, err := Build(DefaultRegistry(), Env{OutputDir: dir, Mission: "demo"}, order, options)
	if err != nil {
		t.Fatalf("build dispatcher: %v", err)
	}
	return d
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

func TestBuildRejectsUnknownGenerator(t *testing.T) {
	_, err := Build(DefaultRegistry(), Env{}, []string{"fax"}, nil)
	if !errors.Is(err, models.ErrInvalidConfig) {
		t.Fatalf("expected invalid config, got %v", err)
	}
	_, err = Build(DefaultRegistry(), Env{}, []string{TimeHistoryName, TimeHistoryName}, nil)
	if !errors.Is(err, models.ErrInvalidConfig) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}
}

func TestBuildRejectsUnknownOptions(t *testing.T) {
	var node yaml.Node
	if err := yaml.Unmarshal([]byte("file: th.csv\ncolour: red\n"), &node); err != nil {
		t.Fatalf("parse options: %v", err)
	}
	_, err := Build(DefaultRegistry(), Env{}, []string{TimeHistoryName}, map[string]yaml.Node{TimeHistoryName: *node.Content[0]})
	if !errors.Is(err, models.ErrInvalidConfig) {
		t.Fatalf("expected unknown option rejection, got %v", err)
	}
}

func TestPublishInOrderAndRetract(t *testing.T) {
	dir := t.TempDir()
	d := build(t, dir, []string{TimeHistoryName, SclkScetName, UplinkCommandName}, nil)
	ctx := context.Background()

	first := publication(1)
	second := publication(2)
	second.CreateUplinkCmdFile = true

	records := d.Publish(ctx, first)
	if len(records) != 3 || records[0].Generator != TimeHistoryName || records[2].Generator != UplinkCommandName {
		t.Fatalf("unexpected records %+v", records)
	}
	if !records[2].Skipped {
		t.Fatalf("uplink command should be skipped when not requested: %+v", records[2])
	}
	records = d.Publish(ctx, second)
	for _, rec := range records {
		if rec.Error != "" || rec.Skipped {
			t.Fatalf("unexpected record %+v", rec)
		}
	}

	history := readLines(t, filepath.Join(dir, "time_history.csv"))
	if len(history) != 3 || history[0] != timeHistoryHeader || !strings.HasPrefix(history[2], "00002,") {
		t.Fatalf("unexpected time history %q", history)
	}
	uplink := readLines(t, filepath.Join(dir, "uplink", "uplinkCmd_00002.csv"))
	if len(uplink) != 2 || uplink[0] != "sclkCoarse,etG,tdtG,tdtStr,rate" || !strings.HasSuffix(uplink[1], ",1.00000000120") {
		t.Fatalf("unexpected uplink file %q", uplink)
	}

	if errs := d.Retract(ctx, second); len(errs) != 0 {
		t.Fatalf("retract: %v", errs)
	}
	history = readLines(t, filepath.Join(dir, "time_history.csv"))
	if len(history) != 2 || !strings.HasPrefix(history[1], "00001,") {
		t.Fatalf("expected run 2 removed, got %q", history)
	}
	scet := readLines(t, filepath.Join(dir, "demo.sclkscet"))
	if len(scet) != 3 {
		t.Fatalf("expected header plus one record, got %q", scet)
	}
	if _, err := os.Stat(filepath.Join(dir, "uplink", "uplinkCmd_00002.csv")); !os.IsNotExist(err) {
		t.Fatalf("expected uplink file removed, got %v", err)
	}
}

func TestTestModeRunsAreSkipped(t *testing.T) {
	dir := t.TempDir()
	d := build(t, dir, []string{TimeHistoryName, SclkScetName}, nil)
	pub := publication(1)
	pub.Triplet.TestMode = true

	for _, rec := range d.Publish(context.Background(), pub) {
		if !rec.Skipped || rec.Error != "" {
			t.Fatalf("expected skipped record, got %+v", rec)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "time_history.csv")); !os.IsNotExist(err) {
		t.Fatalf("test mode run must not produce output")
	}
}

type failingGenerator struct{}

func (failingGenerator) Name() string { return "broken" }

func (failingGenerator) Generate(context.Context, Publication) (models.ProductRecord, error) {
	return models.ProductRecord{}, errors.New("disk full")
}

func TestFailuresDoNotStopLaterGenerators(t *testing.T) {
	dir := t.TempDir()
	r := DefaultRegistry()
	r.Register("broken", func(Env, *yaml.Node) (Generator, error) { return failingGenerator{}, nil })
	d, err := Build(r, Env{OutputDir: dir}, []string{"broken", TimeHistoryName}, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	records := d.Publish(context.Background(), publication(1))
	if records[0].Error != "disk full" {
		t.Fatalf("expected failure recorded, got %+v", records[0])
	}
	if records[1].Error != "" || records[1].Location == "" {
		t.Fatalf("expected later generator to run, got %+v", records[1])
	}
}

func TestSclkKernelWritesOneKernelPerRun(t *testing.T) {
	dir := t.TempDir()
	d, err := Build(DefaultRegistry(), Env{OutputDir: dir, ClockKernel: "demo-sclk.tsc", FineModulus: 256},
		[]string{SclkKernelName}, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	ctx := context.Background()

	first := publication(1)
	first.Triplets = []models.Triplet{first.Triplet}
	second := publication(2)
	prior := first.Triplet
	prior.ClockChangeRate = 0.9999999999
	second.Triplets = []models.Triplet{prior, second.Triplet}

	for _, pub := range []Publication{first, second} {
		rec := d.Publish(ctx, pub)[0]
		if rec.Error != "" || rec.Skipped {
			t.Fatalf("unexpected record %+v", rec)
		}
	}

	path := filepath.Join(dir, "sclk", "demo-sclk_00002.tsc")
	lines := readLines(t, path)
	if lines[0] != "KPL/SCLK" {
		t.Fatalf("missing kernel marker: %q", lines[0])
	}
	var table []string
	inTable := false
	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "SCLK01_COEFFICIENTS_-999"):
			inTable = true
		case inTable && line == ")":
			inTable = false
		case inTable:
			table = append(table, strings.Fields(line)...)
		}
	}
	want := []string{
		"256000", timeconv.FormatTDT(first.Triplet.TerrestrialTime), "0.99999999990",
		"512000", timeconv.FormatTDT(second.Triplet.TerrestrialTime), "1.00000000120",
	}
	if strings.Join(table, " ") != strings.Join(want, " ") {
		t.Fatalf("coefficients = %q, want %q", table, want)
	}
	if !strings.Contains(strings.Join(lines, "\n"), `FILENAME = "demo-sclk_00002.tsc"`) {
		t.Fatalf("kernel does not name itself: %q", lines)
	}

	if errs := d.Retract(ctx, second); len(errs) != 0 {
		t.Fatalf("retract: %v", errs)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected rolled back kernel removed, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "sclk", "demo-sclk_00001.tsc")); err != nil {
		t.Fatalf("earlier kernel must survive: %v", err)
	}
}

func TestSclkKernelNeedsClockSettings(t *testing.T) {
	if _, err := Build(DefaultRegistry(), Env{FineModulus: 256}, []string{SclkKernelName}, nil); !errors.Is(err, models.ErrInvalidConfig) {
		t.Fatalf("expected invalid config without kernel name, got %v", err)
	}
	if _, err := Build(DefaultRegistry(), Env{ClockKernel: "k"}, []string{SclkKernelName}, nil); !errors.Is(err, models.ErrInvalidConfig) {
		t.Fatalf("expected invalid config without modulus, got %v", err)
	}
}
