package history

import (
	"sort"

	"github.com/miradorstack/sclk-correlator/internal/models"
)

const chunkSize = 64

// chunk is a fixed block of the run arena. A slot is written once when a run is appended;
// later versions of that run go into a copied chunk.
type chunk [chunkSize]models.Run

// Snapshot is an immutable view of the history. Readers hold one for as long as they
// like; writers publish a replacement instead of mutating it.
//
// Snapshots share the run arena. Appending writes past the end every older snapshot can
// see, so only replacing a run copies anything: the chunk holding it and the chunk
// directory.
type Snapshot struct {
	chunks []*chunk
	n      int
	// committed holds arena positions of committed runs in commit order.
	committed []int
}

func newSnapshot(runs []models.Run) *Snapshot {
	s := &Snapshot{}
	for _, r := range runs {
		s = s.with(r)
	}
	return s
}

func (s *Snapshot) at(i int) *models.Run {
	return &s.chunks[i/chunkSize][i%chunkSize]
}

// position finds a run by id. Ids grow with arena position.
func (s *Snapshot) position(id int64) (int, bool) {
	i := sort.Search(s.n, func(i int) bool { return s.at(i).ID >= id })
	if i < s.n && s.at(i).ID == id {
		return i, true
	}
	return 0, false
}

// with returns a snapshot in which run replaces the entry with the same id, or is
// appended when new.
func (s *Snapshot) with(run models.Run) *Snapshot {
	if i, ok := s.position(run.ID); ok {
		return s.replaced(i, run)
	}
	return s.appended(run)
}

func (s *Snapshot) appended(run models.Run) *Snapshot {
	next := &Snapshot{chunks: s.chunks, n: s.n + 1, committed: s.committed}
	if s.n%chunkSize == 0 {
		next.chunks = append(next.chunks, new(chunk))
	}
	*next.at(s.n) = run
	if run.Committed() {
		next.committed = append(next.committed, s.n)
	}
	return next
}

func (s *Snapshot) replaced(i int, run models.Run) *Snapshot {
	chunks := make([]*chunk, len(s.chunks))
	copy(chunks, s.chunks)
	copied := *chunks[i/chunkSize]
	chunks[i/chunkSize] = &copied

	next := &Snapshot{chunks: chunks, n: s.n, committed: s.committed}
	was := s.at(i).Committed()
	*next.at(i) = run

	switch {
	case was == run.Committed():
	case was && len(s.committed) > 0 && s.committed[len(s.committed)-1] == i:
		// The capped slice makes the next commit reallocate instead of overwriting a
		// position older snapshots still read.
		k := len(s.committed) - 1
		next.committed = s.committed[:k:k]
	default:
		next.committed = next.rebuildCommitted()
	}
	return next
}

func (s *Snapshot) rebuildCommitted() []int {
	var out []int
	for i := 0; i < s.n; i++ {
		if s.at(i).Committed() {
			out = append(out, i)
		}
	}
	return out
}

// Latest returns the most recent committed run.
func (s *Snapshot) Latest() (models.Run, bool) {
	if len(s.committed) == 0 {
		return models.Run{}, false
	}
	return cloneRun(*s.at(s.committed[len(s.committed)-1])), true
}

// Get looks a run up by id, whatever its status.
func (s *Snapshot) Get(id int64) (models.Run, bool) {
	i, ok := s.position(id)
	if !ok {
		return models.Run{}, false
	}
	return cloneRun(*s.at(i)), true
}

// Committed returns the committed runs in commit order, as stored.
func (s *Snapshot) Committed() []models.Run {
	out := make([]models.Run, 0, len(s.committed))
	for _, i := range s.committed {
		out = append(out, cloneRun(*s.at(i)))
	}
	return out
}

// Triplets returns the committed triplets in commit order with interpolated rates
// applied: a run committed in interpolated mode replaces the rate of the run that was
// latest when it committed, for as long as both stay committed.
func (s *Snapshot) Triplets() []models.Triplet {
	out := make([]models.Triplet, 0, len(s.committed))
	for k := range s.committed {
		out = append(out, s.effective(k))
	}
	return out
}

// effective is the triplet of the k-th committed run as the correlation table reads it.
func (s *Snapshot) effective(k int) models.Triplet {
	run := s.at(s.committed[k])
	trip := run.Triplet
	if k+1 < len(s.committed) {
		if next := s.at(s.committed[k+1]); next.Rate.InterpolatedRunID == run.ID && next.Rate.InterpolatedRate > 0 {
			trip.ClockChangeRate = next.Rate.InterpolatedRate
		}
	}
	return trip
}

// All returns every run, tombstoned ones included, in commit order.
func (s *Snapshot) All() []models.Run {
	out := make([]models.Run, 0, s.n)
	for i := 0; i < s.n; i++ {
		out = append(out, cloneRun(*s.at(i)))
	}
	return out
}

// Range returns committed runs whose terrestrial time lies in [begin, end], ordered by
// terrestrial time with commit order breaking ties. Triplets carry interpolated rates as
// Triplets does.
func (s *Snapshot) Range(begin, end float64) []models.Run {
	var out []models.Run
	for k, i := range s.committed {
		tdt := s.at(i).Triplet.TerrestrialTime
		if tdt >= begin && tdt <= end {
			run := cloneRun(*s.at(i))
			run.Triplet = s.effective(k)
			out = append(out, run)
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].Triplet.TerrestrialTime < out[b].Triplet.TerrestrialTime
	})
	return out
}

// Len counts every run in the snapshot.
func (s *Snapshot) Len() int { return s.n }

func cloneRun(r models.Run) models.Run {
	r.Warnings = append([]string(nil), r.Warnings...)
	r.Products = append([]models.ProductRecord(nil), r.Products...)
	r.Rate.SpanRunIDs = append([]int64(nil), r.Rate.SpanRunIDs...)
	return r
}
