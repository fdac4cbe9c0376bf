package main

import (
	"flag"
	"log/slog"
	"net/http"
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/miradorstack/sclk-correlator/internal/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// frame mirrors the wire shape the engine's HTTP telemetry source expects.
type frame struct {
	ERT           time.Time `json:"ert"`
	SclkCoarse    int64     `json:"sclk_coarse"`
	SclkFine      int64     `json:"sclk_fine"`
	PathID        int       `json:"path_id"`
	VCID          int       `json:"vcid"`
	VCFC          int       `json:"vcfc"`
	DataRateBps   float64   `json:"data_rate_bps"`
	FrameSizeBits int       `json:"frame_size_bits"`
	Valid         bool      `json:"valid"`
}

type spacecraft struct {
	epoch       time.Time
	epochSclk   int64
	fineModulus int64
	owlt        time.Duration
	driftPerDay time.Duration
	pathID      int
	contactGap  time.Duration
	frames      int
	frameGap    time.Duration
}

// framesBetween synthesises timekeeping frames for every contact inside [start, end].
func (s spacecraft) framesBetween(start, end time.Time) []frame {
	var out []frame
	if end.Before(start) {
		return out
	}
	first := start.Sub(s.epoch) / s.contactGap
	if first < 0 {
		first = 0
	}
	for c := first; ; c++ {
		contactStart := s.epoch.Add(c * s.contactGap)
		if contactStart.After(end) {
			break
		}
		for i := 0; i < s.frames; i++ {
			ert := contactStart.Add(time.Duration(i) * s.frameGap)
			if ert.Before(start) || ert.After(end) {
				continue
			}
			out = append(out, s.frameAt(ert, i))
		}
	}
	return out
}

func (s spacecraft) frameAt(ert time.Time, idx int) frame {
	onboard := ert.Add(-s.owlt).Sub(s.epoch)
	days := onboard.Hours() / 24
	onboard += time.Duration(days * float64(s.driftPerDay))
	ticks := onboard.Seconds()
	coarse := int64(ticks)
	fine := int64((ticks - float64(coarse)) * float64(s.fineModulus))
	return frame{
		ERT:           ert.UTC(),
		SclkCoarse:    s.epochSclk + coarse,
		SclkFine:      fine,
		PathID:        s.pathID,
		VCID:          0,
		VCFC:          idx,
		DataRateBps:   2000,
		FrameSizeBits: 8920,
		Valid:         true,
	}
}

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	owlt := flag.Duration("owlt", 10*time.Minute, "one-way light time")
	drift := flag.Duration("drift", 20*time.Millisecond, "clock drift per day")
	flag.Parse()

	logger := utils.Component(utils.NewLogger("info", false), "mock-telemetry")
	craft := spacecraft{
		epoch:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		epochSclk:   757000000,
		fineModulus: 65536,
		owlt:        *owlt,
		driftPerDay: *drift,
		pathID:      14,
		contactGap:  12 * time.Hour,
		frames:      20,
		frameGap:    10 * time.Second,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/api/v1/telemetry/timekeeping", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		var req struct {
			Start time.Time `json:"start"`
			End   time.Time `json:"end"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, logger, map[string]any{"samples": craft.framesBetween(req.Start, req.End)})
	})

	srv := &http.Server{
		Addr:              *addr,
		Handler:           logRequests(logger, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("listening", slog.String("address", *addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", slog.Any("error", err))
		os.Exit(1)
	}
}

func enforcePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Warn("encode error", slog.Any("error", err))
	}
}

func logRequests(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Debug("request", slog.String("method", r.Method), slog.String("path", r.URL.Path),
			slog.Int("status", rw.status), slog.Duration("elapsed", time.Since(start)))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
