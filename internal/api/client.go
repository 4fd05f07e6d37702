package api

import (
	"context"
	"fmt"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/release-gate/internal/models"
	"github.com/miradorstack/release-gate/internal/services"
)

// Client calls a remote release-gate ingestion server.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// Dial creates a client for target. Calls without a deadline get timeout.
func Dial(target string, timeout time.Duration, opts ...grpc.DialOption) (*Client, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithChainUnaryInterceptor(grpc_prometheus.UnaryClientInterceptor),
	}
	dialOpts = append(dialOpts, opts...)
	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{conn: conn, timeout: timeout}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Analyze submits one error to the remote pipeline.
func (c *Client) Analyze(ctx context.Context, source string, raw models.RawError) (*services.AnalyzeResponse, error) {
	req, err := ToStruct(NewAnalyzeRequest(source, raw))
	if err != nil {
		return nil, err
	}
	out, err := c.invoke(ctx, AnalyzeMethod, req)
	if err != nil {
		return nil, err
	}
	var resp services.AnalyzeResponse
	if err := FromStruct(out, &resp); err != nil {
		return nil, fmt.Errorf("decode analyze response: %w", err)
	}
	return &resp, nil
}

// ListPatterns lists remote patterns, optionally filtered by category.
func (c *Client) ListPatterns(ctx context.Context, category models.ErrorType) ([]models.ErrorPattern, error) {
	req, err := ToStruct(ListPatternsRequest{Category: category})
	if err != nil {
		return nil, err
	}
	out, err := c.invoke(ctx, ListPatternsMethod, req)
	if err != nil {
		return nil, err
	}
	var resp ListPatternsResponse
	if err := FromStruct(out, &resp); err != nil {
		return nil, fmt.Errorf("decode patterns response: %w", err)
	}
	return resp.Patterns, nil
}

// Healthy reports whether the remote ingestion service is serving.
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return false, err
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

func (c *Client) invoke(ctx context.Context, method string, req *structpb.Struct) (*structpb.Struct, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}
