package filter

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/miradorstack/sclk-correlator/internal/models"
)

// Params carries the thresholds the per-set checks read.
type Params struct {
	MinDataRateBps          float64
	MaxDataRateBps          float64
	ErtMaxDeltaVarianceSec  float64
	SclkMaxDeltaVarianceSec float64
	GroundStationPathIDs    []int
	VCIDGroups              [][]int
	VCFCMaxValue            int
	FineModulus             int64
}

// Check inspects one candidate set and explains why it is unusable, or returns nil.
type Check func(p Params, set []models.FrameSample) error

// Check names accepted in filters.enabled.
const (
	CheckValidFlag         = "validFlag"
	CheckMinDataRate       = "minDataRate"
	CheckMaxDataRate       = "maxDataRate"
	CheckERT               = "ert"
	CheckSCLK              = "sclk"
	CheckGroundStation     = "groundStation"
	CheckVCID              = "vcid"
	CheckConsecutiveFrames = "consecutiveFrames"
)

var registry = map[string]Check{
	CheckValidFlag:         validFlag,
	CheckMinDataRate:       minDataRate,
	CheckMaxDataRate:       maxDataRate,
	CheckERT:               ertSpacing,
	CheckSCLK:              sclkSpacing,
	CheckGroundStation:     groundStation,
	CheckVCID:              vcidGroup,
	CheckConsecutiveFrames: consecutiveFrames,
}

// Names lists the registered checks in a stable order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type namedCheck struct {
	name  string
	check Check
}

func resolve(enabled []string) ([]namedCheck, error) {
	out := make([]namedCheck, 0, len(enabled))
	for _, name := range enabled {
		check, ok := registry[name]
		if !ok {
			return nil, fmt.Errorf("%w: unknown filter %q (known: %s)", models.ErrInvalidConfig, name, strings.Join(Names(), ", "))
		}
		out = append(out, namedCheck{name: name, check: check})
	}
	return out, nil
}

func runChecks(checks []namedCheck, p Params, set []models.FrameSample) error {
	for _, c := range checks {
		if err := c.check(p, set); err != nil {
			return fmt.Errorf("%s: %w", c.name, err)
		}
	}
	return nil
}

func validFlag(_ Params, set []models.FrameSample) error {
	for _, s := range set {
		if s.Valid == models.ValidFalse {
			return fmt.Errorf("sample at %s flagged invalid", s.ERT.UTC().Format("2006-002T15:04:05.000"))
		}
	}
	return nil
}

func minDataRate(p Params, set []models.FrameSample) error {
	for _, s := range set {
		if s.DataRateBps <= 0 {
			return errors.New("data rate unknown")
		}
		if s.DataRateBps < p.MinDataRateBps {
			return fmt.Errorf("data rate %g below %g", s.DataRateBps, p.MinDataRateBps)
		}
	}
	return nil
}

func maxDataRate(p Params, set []models.FrameSample) error {
	if p.MaxDataRateBps <= 0 {
		return nil
	}
	for _, s := range set {
		if s.DataRateBps <= 0 {
			return errors.New("data rate unknown")
		}
		if s.DataRateBps > p.MaxDataRateBps {
			return fmt.Errorf("data rate %g above %g", s.DataRateBps, p.MaxDataRateBps)
		}
	}
	return nil
}

// deltaVariance compares every consecutive spacing against the first one.
func deltaVariance(values []float64, limit float64) error {
	if len(values) < 3 {
		return nil
	}
	baseline := values[1] - values[0]
	for i := 2; i < len(values); i++ {
		delta := values[i] - values[i-1]
		if math.Abs(delta-baseline) > limit {
			return fmt.Errorf("spacing %.6fs deviates from %.6fs by more than %gs", delta, baseline, limit)
		}
	}
	return nil
}

func ertSpacing(p Params, set []models.FrameSample) error {
	values := make([]float64, len(set))
	for i, s := range set {
		values[i] = float64(s.ERT.UnixNano()) / 1e9
	}
	return deltaVariance(values, p.ErtMaxDeltaVarianceSec)
}

func sclkSpacing(p Params, set []models.FrameSample) error {
	values := make([]float64, len(set))
	for i, s := range set {
		values[i] = s.SclkSeconds(p.FineModulus)
	}
	return deltaVariance(values, p.SclkMaxDeltaVarianceSec)
}

func groundStation(p Params, set []models.FrameSample) error {
	path := set[0].PathID
	for _, s := range set[1:] {
		if s.PathID != path {
			return fmt.Errorf("mixed path ids %d and %d", path, s.PathID)
		}
	}
	if len(p.GroundStationPathIDs) == 0 {
		return nil
	}
	for _, allowed := range p.GroundStationPathIDs {
		if allowed == path {
			return nil
		}
	}
	return fmt.Errorf("path id %d not allowed", path)
}

func vcidGroup(p Params, set []models.FrameSample) error {
	if len(p.VCIDGroups) == 0 {
		return nil
	}
	for _, group := range p.VCIDGroups {
		if allIn(set, group) {
			return nil
		}
	}
	return errors.New("virtual channels span more than one configured group")
}

func allIn(set []models.FrameSample, group []int) bool {
	for _, s := range set {
		found := false
		for _, vcid := range group {
			if s.VCID == vcid {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func consecutiveFrames(p Params, set []models.FrameSample) error {
	vcid := set[0].VCID
	for i, s := range set {
		if s.VCID != vcid {
			return fmt.Errorf("vcid changes from %d to %d", vcid, s.VCID)
		}
		if s.HasSuppVCID() && s.SuppVCID != s.VCID {
			return fmt.Errorf("supplemental vcid %d does not match %d", s.SuppVCID, s.VCID)
		}
		if i == 0 {
			continue
		}
		want := set[i-1].VCFC + 1
		if p.VCFCMaxValue > 0 && want > p.VCFCMaxValue {
			want = 0
		}
		if s.VCFC != want {
			return fmt.Errorf("vcfc %d does not follow %d", s.VCFC, set[i-1].VCFC)
		}
	}
	return nil
}

// DriftBounds is the open interval of acceptable contact drift in ms/day.
type DriftBounds struct {
	Lower float64
	Upper float64
}

// Check rejects drift values on or outside the bounds.
func (b DriftBounds) Check(driftMsPerDay float64) error {
	if driftMsPerDay <= b.Lower || driftMsPerDay >= b.Upper {
		return fmt.Errorf("contact drift %.3f ms/day outside (%g, %g)", driftMsPerDay, b.Lower, b.Upper)
	}
	return nil
}
