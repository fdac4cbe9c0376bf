package services

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/miradorstack/sclk-correlator/internal/models"
)

var errorCodes = []struct {
	target error
	code   codes.Code
}{
	{models.ErrInvalidRange, codes.InvalidArgument},
	{models.ErrInvalidConfig, codes.InvalidArgument},
	{models.ErrInvalidTelemetry, codes.InvalidArgument},
	{models.ErrInsufficientSamples, codes.FailedPrecondition},
	{models.ErrNoPriorCorrelation, codes.FailedPrecondition},
	{models.ErrOutOfOrderCommit, codes.FailedPrecondition},
	{models.ErrNotLatest, codes.FailedPrecondition},
	{models.ErrNotFound, codes.NotFound},
	{models.ErrPreviewExpired, codes.NotFound},
	{context.Canceled, codes.Canceled},
	{context.DeadlineExceeded, codes.DeadlineExceeded},
}

// Code classifies an engine error.
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	for _, c := range errorCodes {
		if errors.Is(err, c.target) {
			return c.code
		}
	}
	return codes.Internal
}

// toStatus converts an engine error into a gRPC status error. Internal faults are not
// echoed to the caller.
func toStatus(op string, err error) error {
	code := Code(err)
	if code == codes.Internal {
		return status.Errorf(codes.Internal, "%s failed", op)
	}
	return status.Error(code, err.Error())
}
