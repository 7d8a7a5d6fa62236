package grpcapi

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"shopfloor.dev/internal/auth"
	"shopfloor.dev/internal/bundle"
	"shopfloor.dev/internal/workflow"
)

// Client calls shopfloor.v1.Workflow. The bearer token is taken from the
// call context (auth.ContextWithToken).
type Client struct {
	conn *grpc.ClientConn
}

// Dial creates a new client. Without options the transport is insecure.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client { return &Client{conn: conn} }

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) GetWorkItem(ctx context.Context, id string) (workflow.WorkItem, error) {
	var item workflow.WorkItem
	err := c.invoke(ctx, "GetWorkItem", map[string]any{"id": id}, &item)
	return item, err
}

func (c *Client) ListWorkItems(ctx context.Context, stage workflow.Stage) ([]workflow.WorkItem, error) {
	var resp struct {
		Items []workflow.WorkItem `json:"items"`
	}
	err := c.invoke(ctx, "ListWorkItems", map[string]any{"stage": string(stage)}, &resp)
	return resp.Items, err
}

func (c *Client) GetBundle(ctx context.Context, id string) (bundle.Bundle, error) {
	var b bundle.Bundle
	err := c.invoke(ctx, "GetBundle", map[string]any{"id": id}, &b)
	return b, err
}

func (c *Client) invoke(ctx context.Context, method string, req map[string]any, dst any) error {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return err
	}
	if token, ok := auth.TokenFromContext(ctx); ok {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return mapStatus(err)
	}
	raw, err := protojson.Marshal(out)
	if err != nil {
		return fmt.Errorf("decode %s: %w", method, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode %s: %w", method, err)
	}
	return nil
}

// mapStatus turns a gRPC status back into the matching domain sentinel so
// callers can use errors.Is as they would in-process.
func mapStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var target error
	switch st.Code() {
	case codes.NotFound:
		target = workflow.ErrNotFound
	case codes.InvalidArgument:
		target = workflow.ErrInvalidInput
	case codes.Unauthenticated:
		target = auth.ErrTokenInvalid
	case codes.PermissionDenied:
		target = auth.ErrUnauthorized
	case codes.Aborted:
		target = workflow.ErrConcurrentModification
	default:
		return err
	}
	return fmt.Errorf("%w: %s", target, st.Message())
}
