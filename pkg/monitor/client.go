package monitor

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client talks to a monitor server.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to a monitor at target. opts are appended to the defaults:
// plaintext transport and the JSON codec.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	}, opts...)

	conn, err := grpc.Dial(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial monitor: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Snapshot fetches the manager's last published state.
func (c *Client) Snapshot(ctx context.Context) (*SnapshotResponse, error) {
	resp := new(SnapshotResponse)
	if err := c.conn.Invoke(ctx, methodSnapshot, &SnapshotRequest{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// EventStream is an open Watch stream.
type EventStream struct {
	stream grpc.ClientStream
}

// Recv blocks for the next event.
func (s *EventStream) Recv() (*WatchEvent, error) {
	ev := new(WatchEvent)
	if err := s.stream.RecvMsg(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// Watch opens an event stream. Cancel ctx to close it.
func (c *Client) Watch(ctx context.Context, req *WatchRequest) (*EventStream, error) {
	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], methodWatch)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &EventStream{stream: stream}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
