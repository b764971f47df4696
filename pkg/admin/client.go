package admin

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// DefaultDialTimeout bounds Dial.
const DefaultDialTimeout = 5 * time.Second

// Client talks to a node's admin service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the admin service at addr. The admin service listens on
// loopback only and is served without TLS.
func Dial(ctx context.Context, addr string) (*Client, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultDialTimeout)
	defer cancel()
	conn, err := grpc.DialContext(ctx, addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to admin service at %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Status fetches the node status, including its start time.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, statusMethod, &emptypb.Empty{}, out); err != nil {
		return nil, fmt.Errorf("status call failed: %w", err)
	}
	status := StatusFromStruct(out)
	started, err := c.StartedAt(ctx)
	if err != nil {
		return nil, err
	}
	status.StartedAt = started
	return &status, nil
}

// Unresponsive fetches the peers currently flagged as unresponsive.
func (c *Client) Unresponsive(ctx context.Context) ([]UnresponsivePeer, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, unresponsiveMethod, &emptypb.Empty{}, out); err != nil {
		return nil, fmt.Errorf("unresponsive call failed: %w", err)
	}
	return unresponsiveFromList(out.GetFields()["unresponsive"].GetListValue()), nil
}

// StartedAt fetches the time the node started.
func (c *Client) StartedAt(ctx context.Context) (time.Time, error) {
	out := new(timestamppb.Timestamp)
	if err := c.conn.Invoke(ctx, startedAtMethod, &emptypb.Empty{}, out); err != nil {
		return time.Time{}, fmt.Errorf("started-at call failed: %w", err)
	}
	return out.AsTime(), nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
