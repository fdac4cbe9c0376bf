// Package products publishes committed correlations to downstream output generators.
package products

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/sclk-correlator/internal/metrics"
	"github.com/miradorstack/sclk-correlator/internal/models"
	"github.com/miradorstack/sclk-correlator/internal/utils"
)

// Publication is what a generator receives once a run commits.
type Publication struct {
	RunID               int64
	CreatedAt           time.Time
	Triplet             models.Triplet
	SampleSetRef        string
	Geometry            models.GeometryInfo
	User                string
	CreateUplinkCmdFile bool
	// Triplets is the committed correlation table with this run's triplet last, interpolated
	// rates applied.
	Triplets []models.Triplet
}

// Generator renders one output product for a committed run.
type Generator interface {
	Name() string
	Generate(ctx context.Context, pub Publication) (models.ProductRecord, error)
}

// Retractor is implemented by generators that can withdraw a rolled-back run's output.
type Retractor interface {
	Retract(ctx context.Context, pub Publication) error
}

// Env is what every factory is built with.
type Env struct {
	OutputDir   string
	Mission     string
	ClockKernel string
	FineModulus int64
	Logger      *slog.Logger
}

// Factory builds a generator from its options block. options may be nil.
type Factory func(env Env, options *yaml.Node) (Generator, error)

// Registry maps generator names to factories.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry holding the built-in generators.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(TimeHistoryName, newTimeHistory)
	r.Register(SclkScetName, newSclkScet)
	r.Register(UplinkCommandName, newUplinkCommand)
	r.Register(SclkKernelName, newSclkKernel)
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// Names lists registered generators alphabetically.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatcher runs generators synchronously in configured order.
type Dispatcher struct {
	generators []Generator
	logger     *slog.Logger
}

// Build instantiates the generators named in order.
func Build(r *Registry, env Env, order []string, options map[string]yaml.Node) (*Dispatcher, error) {
	env.Logger = utils.Component(env.Logger, "products")
	d := &Dispatcher{logger: env.Logger}
	seen := make(map[string]bool, len(order))
	for _, name := range order {
		if seen[name] {
			return nil, fmt.Errorf("%w: generator %q listed twice", models.ErrInvalidConfig, name)
		}
		seen[name] = true
		factory, ok := r.factories[name]
		if !ok {
			return nil, fmt.Errorf("%w: unknown product generator %q (known: %s)", models.ErrInvalidConfig, name, strings.Join(r.Names(), ", "))
		}
		var opts *yaml.Node
		if node, ok := options[name]; ok {
			opts = &node
		}
		g, err := factory(env, opts)
		if err != nil {
			return nil, fmt.Errorf("product generator %s: %w", name, err)
		}
		d.generators = append(d.generators, g)
	}
	return d, nil
}

// NewDispatcher wraps already-built generators.
func NewDispatcher(logger *slog.Logger, generators ...Generator) *Dispatcher {
	return &Dispatcher{generators: generators, logger: utils.Component(logger, "products")}
}

// Publish hands the run to every generator. Failures are recorded and logged; they never
// stop later generators.
func (d *Dispatcher) Publish(ctx context.Context, pub Publication) []models.ProductRecord {
	if d == nil {
		return nil
	}
	records := make([]models.ProductRecord, 0, len(d.generators))
	for _, g := range d.generators {
		rec, err := g.Generate(ctx, pub)
		rec.Generator = g.Name()
		switch {
		case err == nil:
		case errors.Is(err, models.ErrTestModeRun):
			rec.Skipped = true
			rec.Detail = "test mode run"
		default:
			rec.Error = err.Error()
			metrics.ObserveProductFailure(g.Name())
			d.logger.Error("product generation failed",
				slog.String("generator", g.Name()),
				slog.Int64("run_id", pub.RunID),
				slog.Any("error", err))
		}
		records = append(records, rec)
	}
	return records
}

// Retract asks every Retractor to withdraw the run's output.
func (d *Dispatcher) Retract(ctx context.Context, pub Publication) []error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, g := range d.generators {
		r, ok := g.(Retractor)
		if !ok {
			continue
		}
		if err := r.Retract(ctx, pub); err != nil {
			d.logger.Warn("product retraction failed",
				slog.String("generator", g.Name()),
				slog.Int64("run_id", pub.RunID),
				slog.Any("error", err))
			errs = append(errs, fmt.Errorf("%s: %w", g.Name(), err))
		}
	}
	return errs
}

// decodeOptions decodes a generator options block, rejecting unknown keys.
func decodeOptions(node *yaml.Node, out any) error {
	if node == nil || node.Kind == 0 {
		return nil
	}
	raw, err := yaml.Marshal(node)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidConfig, err)
	}
	return nil
}

func runLabel(id int64) string {
	return fmt.Sprintf("%05d", id)
}
