package products

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/miradorstack/sclk-correlator/internal/models"
	"github.com/miradorstack/sclk-correlator/internal/timeconv"
)

// SclkKernelName registers the per-run SCLK kernel generator.
const SclkKernelName = "sclk-kernel"

const kernelSuffix = ".tsc"

type sclkKernelOptions struct {
	Dir    string `yaml:"dir"`
	NaifID int    `yaml:"naifId"`
}

// sclkKernel writes a complete clock kernel per run: the committed correlation table with
// the new record last. A rollback deletes the run's kernel, leaving the previous one as
// the latest file.
type sclkKernel struct {
	dir         string
	base        string
	naifID      int
	fineModulus int64
	logger      *slog.Logger
}

func newSclkKernel(env Env, node *yaml.Node) (Generator, error) {
	opts := sclkKernelOptions{Dir: "sclk", NaifID: -999}
	if err := decodeOptions(node, &opts); err != nil {
		return nil, err
	}
	base := strings.TrimSuffix(env.ClockKernel, kernelSuffix)
	if base == "" {
		return nil, fmt.Errorf("%w: sclk-kernel needs a clock kernel name", models.ErrInvalidConfig)
	}
	if env.FineModulus <= 0 {
		return nil, fmt.Errorf("%w: sclk-kernel needs a positive fine tick modulus", models.ErrInvalidConfig)
	}
	return &sclkKernel{
		dir:         resolve(env.OutputDir, opts.Dir),
		base:        base,
		naifID:      opts.NaifID,
		fineModulus: env.FineModulus,
		logger:      env.Logger,
	}, nil
}

func (g *sclkKernel) Name() string { return SclkKernelName }

func (g *sclkKernel) path(runID int64) string {
	return filepath.Join(g.dir, fmt.Sprintf("%s_%s%s", g.base, runLabel(runID), kernelSuffix))
}

func (g *sclkKernel) Generate(_ context.Context, pub Publication) (models.ProductRecord, error) {
	if pub.Triplet.TestMode {
		return models.ProductRecord{}, models.ErrTestModeRun
	}
	table := pub.Triplets
	if len(table) == 0 {
		table = []models.Triplet{pub.Triplet}
	}
	if err := os.MkdirAll(g.dir, 0o755); err != nil {
		return models.ProductRecord{}, err
	}

	path := g.path(pub.RunID)
	body := g.render(filepath.Base(path), pub, table)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(body), 0o644); err != nil {
		return models.ProductRecord{}, fmt.Errorf("write sclk kernel: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return models.ProductRecord{}, fmt.Errorf("replace %s: %w", path, err)
	}

	detail := fmt.Sprintf("%d records, %s", len(table), humanize.Bytes(uint64(len(body))))
	g.logger.Info("sclk kernel written", slog.String("path", path), slog.Int("records", len(table)))
	return models.ProductRecord{Location: path, Detail: detail}, nil
}

func (g *sclkKernel) Retract(_ context.Context, pub Publication) error {
	err := os.Remove(g.path(pub.RunID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (g *sclkKernel) render(name string, pub Publication, table []models.Triplet) string {
	id := strconv.Itoa(g.naifID)
	key := func(k string) string { return fmt.Sprintf("%-28s =", k+"_"+id) }

	var b strings.Builder
	b.WriteString("KPL/SCLK\n\n\\begintext\n")
	fmt.Fprintf(&b, "FILENAME = %q\n", name)
	fmt.Fprintf(&b, "CREATION_DATE = %q\n", pub.CreatedAt.UTC().Format("02-Jan-2006"))
	fmt.Fprintf(&b, "RUN_ID = %d\n", pub.RunID)
	if pub.User != "" {
		fmt.Fprintf(&b, "USER = %q\n", pub.User)
	}
	b.WriteString("\n\\begindata\n\n")
	fmt.Fprintf(&b, "%-31s ( @%s )\n", "SCLK_KERNEL_ID =", pub.CreatedAt.UTC().Format("2006-01-02T15:04:05"))
	fmt.Fprintf(&b, "%s ( 1 )\n", key("SCLK_DATA_TYPE"))
	fmt.Fprintf(&b, "%s ( 2 )\n", key("SCLK01_TIME_SYSTEM"))
	fmt.Fprintf(&b, "%s ( 2 )\n", key("SCLK01_N_FIELDS"))
	fmt.Fprintf(&b, "%s ( 4294967296 %d )\n", key("SCLK01_MODULI"), g.fineModulus)
	fmt.Fprintf(&b, "%s ( 0 0 )\n", key("SCLK01_OFFSETS"))
	fmt.Fprintf(&b, "%s ( 1 )\n", key("SCLK01_OUTPUT_DELIM"))
	fmt.Fprintf(&b, "%s (\n", key("SCLK01_COEFFICIENTS"))
	for _, t := range table {
		b.WriteString(g.record(t))
		b.WriteByte('\n')
	}
	b.WriteString(")\n\n\\begintext\n")
	return b.String()
}

// record is one coefficient line: encoded SCLK, TDT calendar string, rate.
func (g *sclkKernel) record(t models.Triplet) string {
	enc := strconv.FormatInt(t.OnboardClock*g.fineModulus, 10)
	return fmt.Sprintf("    %-20s %s    %s", enc, timeconv.FormatTDT(t.TerrestrialTime), strconv.FormatFloat(t.ClockChangeRate, 'f', 11, 64))
}
