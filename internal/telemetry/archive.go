package telemetry

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/dustin/go-humanize"
	jsoniter "github.com/json-iterator/go"

	"github.com/miradorstack/sclk-correlator/internal/models"
)

const (
	samplePrefix = "s|"
	metaSeqKey   = "meta|seq"
)

var (
	errArchiveClosed = errors.New("telemetry: archive is closed")
	json             = jsoniter.ConfigCompatibleWithStandardLibrary
)

// Archive persists frame samples in Pebble keyed by ERT, so window queries are ordered
// range scans. Keys end in the sample fingerprint, which makes re-imports idempotent.
type Archive struct {
	db     *pebble.DB
	logger *slog.Logger

	// mu is held for reading across every scan so Close cannot release Pebble under a
	// live iterator.
	mu      sync.RWMutex
	closed  bool
	nextSeq int64
}

// OpenArchive opens or creates the archive directory at path.
func OpenArchive(path string, logger *slog.Logger) (*Archive, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("telemetry: ensure archive directory: %w", err)
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("telemetry: open archive: %w", err)
	}

	seq, err := loadSeq(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Archive{db: db, logger: logger, nextSeq: seq}, nil
}

// Ingest stores samples not already present and returns how many were added. Ingestion
// sequence numbers continue across restarts.
func (a *Archive) Ingest(ctx context.Context, samples []models.FrameSample) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return 0, errArchiveClosed
	}

	batch := a.db.NewIndexedBatch()
	defer batch.Close()

	added := 0
	seq := a.nextSeq
	for i, s := range samples {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
		key := sampleKey(s.ERT, Fingerprint(s))
		if _, closer, err := batch.Get(key); err == nil {
			closer.Close()
			continue
		} else if !errors.Is(err, pebble.ErrNotFound) {
			return 0, fmt.Errorf("telemetry: probe sample: %w", err)
		}

		seq++
		s.Seq = seq
		value, err := json.Marshal(s)
		if err != nil {
			return 0, fmt.Errorf("telemetry: encode sample: %w", err)
		}
		if err := batch.Set(key, value, nil); err != nil {
			return 0, fmt.Errorf("telemetry: stage sample: %w", err)
		}
		added++
	}
	if added == 0 {
		return 0, nil
	}

	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], uint64(seq))
	if err := batch.Set([]byte(metaSeqKey), seqBuf[:], nil); err != nil {
		return 0, fmt.Errorf("telemetry: stage sequence: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("telemetry: commit ingest: %w", err)
	}
	a.nextSeq = seq

	a.logger.Info("telemetry ingested",
		slog.String("added", humanize.Comma(int64(added))),
		slog.String("offered", humanize.Comma(int64(len(samples)))))
	return added, nil
}

// SamplesInRange implements Source.
func (a *Archive) SamplesInRange(ctx context.Context, begin, end time.Time) ([]models.FrameSample, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return nil, errArchiveClosed
	}

	iter, err := a.db.NewIter(&pebble.IterOptions{
		LowerBound: sampleKey(begin, 0),
		UpperBound: sampleKey(end.Add(time.Nanosecond), 0),
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: range iterator: %w", err)
	}
	defer iter.Close()

	var out []models.FrameSample
	for iter.First(); iter.Valid(); iter.Next() {
		if len(out)%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		var s models.FrameSample
		if err := json.Unmarshal(iter.Value(), &s); err != nil {
			return nil, fmt.Errorf("telemetry: decode sample: %w", err)
		}
		out = append(out, s)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("telemetry: range scan: %w", err)
	}
	SortByERT(out)
	return out, nil
}

// Close releases the Pebble handle.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	return a.db.Close()
}

// sampleKey orders by ERT; flipping the sign bit keeps pre-1970 instants sorted.
func sampleKey(ert time.Time, fingerprint uint64) []byte {
	key := make([]byte, len(samplePrefix)+16)
	copy(key, samplePrefix)
	binary.BigEndian.PutUint64(key[len(samplePrefix):], uint64(ert.UnixNano())^(1<<63))
	binary.BigEndian.PutUint64(key[len(samplePrefix)+8:], fingerprint)
	return key
}

func loadSeq(db *pebble.DB) (int64, error) {
	value, closer, err := db.Get([]byte(metaSeqKey))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("telemetry: read sequence: %w", err)
	}
	defer closer.Close()
	if len(value) != 8 {
		return 0, fmt.Errorf("telemetry: corrupt sequence metadata")
	}
	return int64(binary.BigEndian.Uint64(value)), nil
}
