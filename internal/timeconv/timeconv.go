// Package timeconv converts between UTC, TAI, terrestrial dynamical time (TDT) and
// barycentric dynamical time (ET/TDB). TDT and ET are expressed as seconds past the J2000
// epoch (2000-01-01T12:00:00 TT).
package timeconv

import (
	"math"
	"sort"
	"strings"
	"time"
)

const (
	// ttMinusTAI is the fixed TT-TAI offset in seconds.
	ttMinusTAI = 32.184
	// j2000Unix is 2000-01-01T12:00:00 read as a Unix timestamp.
	j2000Unix = 946728000

	// Periodic TDB-TT term, as used by the NAIF toolkit's default leapseconds kernel.
	tdbK  = 1.657e-3
	tdbEB = 1.671e-2
	tdbM0 = 6.239996
	tdbM1 = 1.99096871e-7
)

// DOYLayout is the ISO day-of-year layout used in run products and logs.
const DOYLayout = "2006-002T15:04:05.000000"

type leapEntry struct {
	effective int64 // Unix seconds
	taiMinus  float64
}

// leapSeconds lists TAI-UTC from 1972 onward.
var leapSeconds = []leapEntry{
	{63072000, 10}, {78796800, 11}, {94694400, 12}, {126230400, 13}, {157766400, 14},
	{189302400, 15}, {220924800, 16}, {252460800, 17}, {283996800, 18}, {315532800, 19},
	{362793600, 20}, {394329600, 21}, {425865600, 22}, {489024000, 23}, {567993600, 24},
	{631152000, 25}, {662688000, 26}, {709948800, 27}, {741484800, 28}, {773020800, 29},
	{820454400, 30}, {867715200, 31}, {915148800, 32}, {1136073600, 33}, {1230768000, 34},
	{1341100800, 35}, {1435708800, 36}, {1483228800, 37},
}

// TAIMinusUTC returns the leap-second offset in effect at t. Dates before 1972 use the
// first tabulated value.
func TAIMinusUTC(t time.Time) float64 {
	unix := t.Unix()
	idx := sort.Search(len(leapSeconds), func(i int) bool { return leapSeconds[i].effective > unix })
	if idx == 0 {
		return leapSeconds[0].taiMinus
	}
	return leapSeconds[idx-1].taiMinus
}

// UTCToTDT converts a UTC instant to TDT seconds past J2000.
func UTCToTDT(t time.Time) float64 {
	t = t.UTC()
	secs := float64(t.Unix()-j2000Unix) + float64(t.Nanosecond())/1e9
	return secs + TAIMinusUTC(t) + ttMinusTAI
}

// TDTToUTC converts TDT seconds past J2000 back to a UTC instant.
func TDTToUTC(tdt float64) time.Time {
	guess := secondsToTime(tdt - ttMinusTAI - TAIMinusUTC(secondsToTime(tdt)))
	// A second pass settles instants that straddle a leap second boundary.
	return secondsToTime(tdt - ttMinusTAI - TAIMinusUTC(guess))
}

// TDTToET adds the periodic TDB-TT term.
func TDTToET(tdt float64) float64 {
	m := tdbM0 + tdbM1*tdt
	e := m + tdbEB*math.Sin(m)
	return tdt + tdbK*math.Sin(e)
}

// ETToTDT removes the periodic TDB-TT term. The term is evaluated at the ET argument and
// refined once, which is well below a microsecond of error.
func ETToTDT(et float64) float64 {
	tdt := et
	for i := 0; i < 3; i++ {
		tdt = et - (TDTToET(tdt) - tdt)
	}
	return tdt
}

// UTCToET converts a UTC instant to ET seconds past J2000.
func UTCToET(t time.Time) float64 {
	return TDTToET(UTCToTDT(t))
}

// ETToUTC converts ET seconds past J2000 to a UTC instant.
func ETToUTC(et float64) time.Time {
	return TDTToUTC(ETToTDT(et))
}

// FormatTDT renders a TDT value as an '@'-prefixed calendar string in the TDT scale, the
// form clock kernels carry.
func FormatTDT(tdt float64) string {
	return "@" + secondsToTime(tdt).Format(DOYLayout)
}

// ParseTDT reads a FormatTDT string (the leading '@' is optional).
func ParseTDT(s string) (float64, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "@")
	t, err := time.Parse("2006-002T15:04:05.999999999", s)
	if err != nil {
		return 0, err
	}
	return timeToSeconds(t), nil
}

// FormatDOY renders a UTC instant in ISO day-of-year form.
func FormatDOY(t time.Time) string {
	return t.UTC().Format(DOYLayout)
}

// RoundHalfUp rounds v to the given number of decimals, ties away from zero.
func RoundHalfUp(v float64, decimals int) float64 {
	scale := math.Pow(10, float64(decimals))
	if v < 0 {
		return -math.Floor(-v*scale+0.5) / scale
	}
	return math.Floor(v*scale+0.5) / scale
}

func secondsToTime(secs float64) time.Time {
	whole := math.Floor(secs)
	nanos := math.Round((secs - whole) * 1e9)
	return time.Unix(int64(whole)+j2000Unix, int64(nanos)).UTC()
}

func timeToSeconds(t time.Time) float64 {
	return float64(t.Unix()-j2000Unix) + float64(t.Nanosecond())/1e9
}
