// Package telemetry supplies timekeeping frame samples to the correlation engine. Samples
// are never acquired live: they come from an archive filled by imports, or from a remote
// telemetry service.
package telemetry

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/miradorstack/sclk-correlator/internal/models"
)

// Source returns the samples received inside a closed ERT window, ordered by ERT with
// ingestion order breaking ties.
type Source interface {
	SamplesInRange(ctx context.Context, begin, end time.Time) ([]models.FrameSample, error)
}

// MemorySource holds samples in memory. It backs tests and the memory telemetry source.
type MemorySource struct {
	mu      sync.RWMutex
	samples []models.FrameSample
	nextSeq int64
}

// NewMemorySource seeds a source with samples in ingestion order.
func NewMemorySource(samples ...models.FrameSample) *MemorySource {
	src := &MemorySource{}
	src.Add(samples...)
	return src
}

// Add appends samples, stamping their ingestion sequence.
func (m *MemorySource) Add(samples ...models.FrameSample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range samples {
		m.nextSeq++
		s.Seq = m.nextSeq
		m.samples = append(m.samples, s)
	}
}

// Ingest implements the engine's importer by appending every sample.
func (m *MemorySource) Ingest(ctx context.Context, samples []models.FrameSample) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.Add(samples...)
	return len(samples), nil
}

// SamplesInRange implements Source.
func (m *MemorySource) SamplesInRange(ctx context.Context, begin, end time.Time) ([]models.FrameSample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]models.FrameSample, 0, len(m.samples))
	for _, s := range m.samples {
		if !s.ERT.Before(begin) && !s.ERT.After(end) {
			out = append(out, s)
		}
	}
	m.mu.RUnlock()
	SortByERT(out)
	return out, nil
}

// SortByERT orders samples by receive time, keeping ingestion order among equal ERTs.
func SortByERT(samples []models.FrameSample) {
	sort.SliceStable(samples, func(i, j int) bool {
		if samples[i].ERT.Equal(samples[j].ERT) {
			return samples[i].Seq < samples[j].Seq
		}
		return samples[i].ERT.Before(samples[j].ERT)
	})
}

// Fingerprint hashes the fields that identify a physical frame.
func Fingerprint(s models.FrameSample) uint64 {
	var buf [40]byte
	binary.BigEndian.PutUint64(buf[0:], uint64(s.SclkCoarse))
	binary.BigEndian.PutUint64(buf[8:], uint64(s.SclkFine))
	binary.BigEndian.PutUint64(buf[16:], uint64(s.ERT.UnixNano()))
	binary.BigEndian.PutUint64(buf[24:], uint64(int64(s.VCID)))
	binary.BigEndian.PutUint64(buf[32:], uint64(int64(s.VCFC)))
	return xxh3.Hash(buf[:])
}

// SetRef fingerprints an ordered sample set. Equal sets always produce equal refs.
func SetRef(samples []models.FrameSample) string {
	buf := make([]byte, 0, len(samples)*8)
	for _, s := range samples {
		buf = binary.BigEndian.AppendUint64(buf, Fingerprint(s))
	}
	sum := xxh3.Hash128(buf).Bytes()
	return hex.EncodeToString(sum[:])
}
