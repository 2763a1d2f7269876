package server

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls the Simulation service.
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn // nil when the caller owns the connection
}

// Dial connects to a running node without transport security.
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &Client{cc: conn, conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Status fetches the node status.
func (c *Client) Status(ctx context.Context) (*structpb.Struct, error) {
	return c.invoke(ctx, "Status")
}

// Pause pauses the node.
func (c *Client) Pause(ctx context.Context) (*structpb.Struct, error) {
	return c.invoke(ctx, "Pause")
}

// Resume resumes the node.
func (c *Client) Resume(ctx context.Context) (*structpb.Struct, error) {
	return c.invoke(ctx, "Resume")
}

// Close closes a connection opened by Dial.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
