// Package geometry provides downlink one-way light times between the spacecraft and ground
// stations.
package geometry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/sclk-correlator/internal/utils"
)

// ErrNoCoverage means the provider has no light time for the station or instant.
var ErrNoCoverage = errors.New("geometry: no coverage")

// Provider returns the downlink one-way light time in seconds for a frame received at ert.
type Provider interface {
	DownlinkOWLT(ctx context.Context, stationID string, ert time.Time) (float64, error)
}

// StaticProvider serves a constant light time per station. The "*" entry, when present,
// covers stations without their own value.
type StaticProvider struct {
	owlt map[string]float64
}

// NewStaticProvider copies the station table.
func NewStaticProvider(owlt map[string]float64) *StaticProvider {
	copied := make(map[string]float64, len(owlt))
	for k, v := range owlt {
		copied[k] = v
	}
	return &StaticProvider{owlt: copied}
}

// DownlinkOWLT implements Provider.
func (p *StaticProvider) DownlinkOWLT(ctx context.Context, stationID string, _ time.Time) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if v, ok := p.owlt[stationID]; ok {
		return v, nil
	}
	if v, ok := p.owlt["*"]; ok {
		return v, nil
	}
	return 0, fmt.Errorf("%w: station %q", ErrNoCoverage, stationID)
}

type tablePoint struct {
	ert  time.Time
	owlt float64
}

// TableProvider interpolates light times linearly between tabulated points per station.
type TableProvider struct {
	stations map[string][]tablePoint
}

type tableFile struct {
	Stations map[string][]struct {
		ERT     string  `yaml:"ert"`
		OWLTSec float64 `yaml:"owltSec"`
	} `yaml:"stations"`
}

// LoadTable reads a YAML light-time table:
//
//	stations:
//	  DSS-14:
//	    - {ert: 2024-061T00:00:00, owltSec: 812.4}
func LoadTable(path string) (*TableProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("geometry: read table: %w", err)
	}
	return ParseTable(data)
}

// ParseTable builds a TableProvider from YAML bytes.
func ParseTable(data []byte) (*TableProvider, error) {
	var file tableFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("geometry: parse table: %w", err)
	}
	p := &TableProvider{stations: make(map[string][]tablePoint, len(file.Stations))}
	for station, rows := range file.Stations {
		points := make([]tablePoint, 0, len(rows))
		for _, row := range rows {
			ert, err := utils.ParseTime(row.ERT)
			if err != nil {
				return nil, fmt.Errorf("geometry: station %s: %w", station, err)
			}
			points = append(points, tablePoint{ert: ert, owlt: row.OWLTSec})
		}
		sort.Slice(points, func(i, j int) bool { return points[i].ert.Before(points[j].ert) })
		p.stations[station] = points
	}
	return p, nil
}

// DownlinkOWLT implements Provider. Instants outside the tabulated span are not extrapolated.
func (p *TableProvider) DownlinkOWLT(ctx context.Context, stationID string, ert time.Time) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	points := p.stations[stationID]
	if len(points) == 0 {
		return 0, fmt.Errorf("%w: station %q", ErrNoCoverage, stationID)
	}
	idx := sort.Search(len(points), func(i int) bool { return !points[i].ert.Before(ert) })
	switch {
	case idx < len(points) && points[idx].ert.Equal(ert):
		return points[idx].owlt, nil
	case idx == 0 || idx == len(points):
		return 0, fmt.Errorf("%w: station %q at %s", ErrNoCoverage, stationID, ert.UTC().Format(time.RFC3339))
	}
	lo, hi := points[idx-1], points[idx]
	frac := ert.Sub(lo.ert).Seconds() / hi.ert.Sub(lo.ert).Seconds()
	return lo.owlt + frac*(hi.owlt-lo.owlt), nil
}

// StationResolver maps telemetry path ids onto station names.
type StationResolver map[int]string

// Station returns the configured name for pathID, or the decimal id when none is set.
func (r StationResolver) Station(pathID int) string {
	if name, ok := r[pathID]; ok && name != "" {
		return name
	}
	return fmt.Sprintf("%d", pathID)
}
