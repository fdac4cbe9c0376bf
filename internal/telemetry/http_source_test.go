package telemetry

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/miradorstack/sclk-correlator/internal/cache"
	"github.com/miradorstack/sclk-correlator/internal/models"
)

func TestHTTPSourceDecodesAndCaches(t *testing.T) {
	calls := 0
	src := NewHTTPSource("http://telemetry.local/base", "", time.Second, cache.NewMemoryProvider(), time.Minute)
	src.httpClient = newTestClient(func(req *http.Request) (*http.Response, error) {
		calls++
		if req.URL.Path != "/base/api/v1/telemetry/timekeeping" {
			t.Fatalf("unexpected path %s", req.URL.Path)
		}
		body := `{"samples":[
			{"ert":"2024-03-01T12:00:10Z","sclk_coarse":1010,"sclk_fine":0,"path_id":14,"vcid":3,"supp_vcid":3,"valid":true},
			{"ert":"2024-03-01T12:00:00Z","sclk_coarse":1000,"sclk_fine":0,"path_id":14}
		]}`
		return &http.Response{
			StatusCode: http.StatusOK,
			Status:     "200 OK",
			Body:       io.NopCloser(strings.NewReader(body)),
			Header:     make(http.Header),
		}, nil
	})

	ctx := context.Background()
	got, err := src.SamplesInRange(ctx, epoch, epoch.Add(time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0].SclkCoarse != 1000 {
		t.Fatalf("expected ERT-ordered samples, got %+v", got)
	}
	if got[0].VCID != -1 || got[0].Valid != models.ValidUnset {
		t.Fatalf("expected absent fields to default, got %+v", got[0])
	}
	if got[1].Valid != models.ValidTrue {
		t.Fatalf("expected valid flag, got %+v", got[1])
	}
	if got[0].HasSuppVCID() || !got[1].HasSuppVCID() {
		t.Fatalf("expected supplemental vcid only where reported, got %+v", got)
	}

	if _, err := src.SamplesInRange(ctx, epoch, epoch.Add(time.Minute)); err != nil {
		t.Fatalf("unexpected error on cached call: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected cached second call, got %d requests", calls)
	}
}

func TestHTTPSourceReportsStatus(t *testing.T) {
	src := NewHTTPSource("http://telemetry.local", "/samples", time.Second, nil, 0)
	src.httpClient = newTestClient(func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusBadGateway,
			Status:     "502 Bad Gateway",
			Body:       io.NopCloser(strings.NewReader("")),
			Header:     make(http.Header),
		}, nil
	})
	_, err := src.SamplesInRange(context.Background(), epoch, epoch.Add(time.Minute))
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("expected status error, got %v", err)
	}
}
