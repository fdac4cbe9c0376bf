package telemetry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/miradorstack/sclk-correlator/internal/cache"
	"github.com/miradorstack/sclk-correlator/internal/models"
)

// HTTPSource queries a remote telemetry service for timekeeping frames.
type HTTPSource struct {
	baseURL    string
	samplePath string
	httpClient *http.Client
	cache      cache.Provider
	cacheTTL   time.Duration
}

// NewHTTPSource constructs a client for the telemetry service at baseURL.
func NewHTTPSource(baseURL, samplePath string, timeout time.Duration, provider cache.Provider, cacheTTL time.Duration) *HTTPSource {
	if provider == nil {
		provider = cache.NoopProvider{}
	}
	if samplePath == "" {
		samplePath = "/api/v1/telemetry/timekeeping"
	}
	return &HTTPSource{
		baseURL:    strings.TrimRight(baseURL, "/"),
		samplePath: samplePath,
		httpClient: &http.Client{Timeout: timeout},
		cache:      provider,
		cacheTTL:   cacheTTL,
	}
}

type remoteSample struct {
	ERT           time.Time `json:"ert"`
	SclkCoarse    int64     `json:"sclk_coarse"`
	SclkFine      int64     `json:"sclk_fine"`
	PathID        int       `json:"path_id"`
	VCID          *int      `json:"vcid"`
	VCFC          *int      `json:"vcfc"`
	MCFC          *int      `json:"mcfc"`
	SuppVCID      *int      `json:"supp_vcid"`
	SuppVCFC      *int      `json:"supp_vcfc"`
	SuppERT       time.Time `json:"supp_ert"`
	DataRateBps   float64   `json:"data_rate_bps"`
	FrameSizeBits int       `json:"frame_size_bits"`
	Valid         *bool     `json:"valid"`
}

// SamplesInRange implements Source. Responses are cached per window.
func (c *HTTPSource) SamplesInRange(ctx context.Context, begin, end time.Time) ([]models.FrameSample, error) {
	if c == nil {
		return nil, fmt.Errorf("telemetry client not initialised")
	}
	if c.baseURL == "" {
		return nil, fmt.Errorf("telemetry base URL not configured")
	}

	key := cache.TelemetryKey(begin, end)
	if payload, err := c.cache.Get(ctx, key); err == nil {
		var cached []models.FrameSample
		if err := json.Unmarshal(payload, &cached); err == nil {
			return cached, nil
		}
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		return nil, fmt.Errorf("telemetry cache: %w", err)
	}

	request := map[string]any{
		"start": begin.UTC().Format(time.RFC3339Nano),
		"end":   end.UTC().Format(time.RFC3339Nano),
	}
	var response struct {
		Samples []remoteSample `json:"samples"`
	}
	if err := c.postJSON(ctx, c.resolvePath(c.samplePath), request, &response); err != nil {
		return nil, fmt.Errorf("telemetry request failed: %w", err)
	}

	samples := make([]models.FrameSample, 0, len(response.Samples))
	for i, r := range response.Samples {
		samples = append(samples, models.FrameSample{
			ERT:           r.ERT.UTC(),
			SclkCoarse:    r.SclkCoarse,
			SclkFine:      r.SclkFine,
			PathID:        r.PathID,
			VCID:          intOr(r.VCID, -1),
			VCFC:          intOr(r.VCFC, -1),
			MCFC:          intOr(r.MCFC, -1),
			SuppVCID:      intOr(r.SuppVCID, -1),
			SuppVCFC:      intOr(r.SuppVCFC, -1),
			SuppERT:       r.SuppERT.UTC(),
			DataRateBps:   r.DataRateBps,
			FrameSizeBits: r.FrameSizeBits,
			Valid:         validOf(r.Valid),
			Seq:           int64(i + 1),
			SuppKnown:     r.SuppVCID != nil,
		})
	}
	SortByERT(samples)

	if payload, err := json.Marshal(samples); err == nil {
		_ = c.cache.Set(ctx, key, payload, c.cacheTTL)
	}
	return samples, nil
}

func (c *HTTPSource) resolvePath(p string) string {
	cleaned := "/" + strings.TrimLeft(p, "/")
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String()
}

func (c *HTTPSource) postJSON(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telemetry service returned %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func intOr(v *int, fallback int) int {
	if v == nil {
		return fallback
	}
	return *v
}

func validOf(v *bool) models.ValidState {
	switch {
	case v == nil:
		return models.ValidUnset
	case *v:
		return models.ValidTrue
	default:
		return models.ValidFalse
	}
}
