package products

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/miradorstack/sclk-correlator/internal/correlation"
	"github.com/miradorstack/sclk-correlator/internal/models"
	"github.com/miradorstack/sclk-correlator/internal/timeconv"
)

// UplinkCommandName registers the per-run uplink command file generator.
const UplinkCommandName = "uplink-command"

type uplinkOptions struct {
	Dir string `yaml:"dir"`
}

// uplinkCommand writes one command file per run, only when the request asks for it.
type uplinkCommand struct {
	dir    string
	logger *slog.Logger
}

func newUplinkCommand(env Env, node *yaml.Node) (Generator, error) {
	opts := uplinkOptions{Dir: "uplink"}
	if err := decodeOptions(node, &opts); err != nil {
		return nil, err
	}
	return &uplinkCommand{dir: resolve(env.OutputDir, opts.Dir), logger: env.Logger}, nil
}

func (g *uplinkCommand) Name() string { return UplinkCommandName }

func (g *uplinkCommand) path(runID int64) string {
	return filepath.Join(g.dir, fmt.Sprintf("uplinkCmd_%s.csv", runLabel(runID)))
}

func (g *uplinkCommand) Generate(_ context.Context, pub Publication) (models.ProductRecord, error) {
	if !pub.CreateUplinkCmdFile {
		return models.ProductRecord{Skipped: true, Detail: "uplink command file not requested"}, nil
	}
	if pub.Triplet.TestMode {
		return models.ProductRecord{}, models.ErrTestModeRun
	}
	if err := os.MkdirAll(g.dir, 0o755); err != nil {
		return models.ProductRecord{}, err
	}

	path := g.path(pub.RunID)
	f, err := os.Create(path)
	if err != nil {
		return models.ProductRecord{}, fmt.Errorf("create uplink command file: %w", err)
	}
	w := csv.NewWriter(f)
	t := pub.Triplet
	rows := [][]string{
		{"sclkCoarse", "etG", "tdtG", "tdtStr", "rate"},
		{
			strconv.FormatInt(t.OnboardClock, 10),
			strconv.FormatFloat(pub.Geometry.ETG, 'f', correlation.TDTDecimals, 64),
			strconv.FormatFloat(t.TerrestrialTime, 'f', correlation.TDTDecimals, 64),
			timeconv.FormatTDT(t.TerrestrialTime),
			strconv.FormatFloat(t.ClockChangeRate, 'f', 11, 64),
		},
	}
	if err := w.WriteAll(rows); err != nil {
		f.Close()
		return models.ProductRecord{}, fmt.Errorf("write uplink command file: %w", err)
	}
	if err := f.Close(); err != nil {
		return models.ProductRecord{}, err
	}

	detail := ""
	if info, err := os.Stat(path); err == nil {
		detail = humanize.Bytes(uint64(info.Size()))
	}
	g.logger.Info("uplink command file written", slog.String("path", path), slog.String("size", detail))
	return models.ProductRecord{Location: path, Detail: detail}, nil
}

func (g *uplinkCommand) Retract(_ context.Context, pub Publication) error {
	err := os.Remove(g.path(pub.RunID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
