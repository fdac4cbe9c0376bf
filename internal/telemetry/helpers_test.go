package telemetry

import (
	"net/http"
	"time"

	"github.com/miradorstack/sclk-correlator/internal/models"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func newTestClient(rt roundTripFunc) *http.Client {
	return &http.Client{Transport: rt}
}

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func frame(offsetSec int, coarse int64) models.FrameSample {
	return models.FrameSample{
		ERT:        epoch.Add(time.Duration(offsetSec) * time.Second),
		SclkCoarse: coarse,
		VCID:       -1,
		VCFC:       -1,
		MCFC:       -1,
		SuppVCID:   -1,
		SuppVCFC:   -1,
		Valid:      models.ValidTrue,
	}
}
