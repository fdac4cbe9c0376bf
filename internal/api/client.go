package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client calls the time correlation service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Dial opens a plaintext connection to target that speaks the service codec.
func Dial(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}
	return grpc.NewClient(target, append(dialOpts, opts...)...)
}

func invoke[Resp any](ctx context.Context, c *Client, method string, in any) (*Resp, error) {
	out := new(Resp)
	if err := c.cc.Invoke(ctx, fullMethod(method), in, out, grpc.CallContentSubtype(CodecName)); err != nil {
		return nil, err
	}
	return out, nil
}

// GetDefaultConfig fetches the configured request defaults.
func (c *Client) GetDefaultConfig(ctx context.Context) (*CorrelationConfig, error) {
	return invoke[CorrelationConfig](ctx, c, "GetDefaultConfig", &GetDefaultConfigRequest{})
}

// Preview computes a correlation without committing it.
func (c *Client) Preview(ctx context.Context, req *PreviewRequest) (*PreviewResponse, error) {
	return invoke[PreviewResponse](ctx, c, "Preview", req)
}

// Create commits a correlation.
func (c *Client) Create(ctx context.Context, req *CreateRequest) (*CorrelationResults, error) {
	return invoke[CorrelationResults](ctx, c, "Create", req)
}

// Rollback tombstones the latest committed run.
func (c *Client) Rollback(ctx context.Context, runID int64) (*Triplet, error) {
	return invoke[Triplet](ctx, c, "Rollback", &RollbackRequest{RunID: runID})
}

// GetCorrelationRange lists committed triplets in a time window.
func (c *Client) GetCorrelationRange(ctx context.Context, req *RangeRequest) (*CorrelationRangeResponse, error) {
	return invoke[CorrelationRangeResponse](ctx, c, "GetCorrelationRange", req)
}

// GetTelemetryRange projects telemetry in an ERT window onto the committed correlations.
func (c *Client) GetTelemetryRange(ctx context.Context, req *RangeRequest) (*TelemetryRangeResponse, error) {
	return invoke[TelemetryRangeResponse](ctx, c, "GetTelemetryRange", req)
}

// GetRunHistory lists every run, most recent first.
func (c *Client) GetRunHistory(ctx context.Context) (*RunHistoryResponse, error) {
	return invoke[RunHistoryResponse](ctx, c, "GetRunHistory", &RunHistoryRequest{})
}

// ImportTelemetry uploads a raw telemetry table.
func (c *Client) ImportTelemetry(ctx context.Context, csv string) (*ImportResponse, error) {
	return invoke[ImportResponse](ctx, c, "ImportTelemetry", &ImportRequest{CSV: csv})
}
