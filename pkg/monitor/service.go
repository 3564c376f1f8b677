// Package monitor serves a running overlay manager's state over gRPC.
//
// The Monitor service has two methods:
//   - Snapshot returns the manager's last published table and counters
//   - Watch streams manager events as they happen
//
// Messages travel as JSON through a registered codec, so the service is
// described by hand instead of generated from a proto file.
package monitor

import (
	"context"

	"google.golang.org/grpc"

	"github.com/fortiblox/overlay/pkg/overlay"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "overlay.monitor.v1.Monitor"

const (
	methodSnapshot = "/" + ServiceName + "/Snapshot"
	methodWatch    = "/" + ServiceName + "/Watch"
)

// SnapshotRequest is the Snapshot request. It has no fields.
type SnapshotRequest struct{}

// SnapshotResponse carries the manager's last published state.
type SnapshotResponse struct {
	Image    string            `json:"image"`
	Snapshot *overlay.Snapshot `json:"snapshot"`

	// Watchers and Dropped describe the monitor itself.
	Watchers int    `json:"watchers"`
	Dropped  uint64 `json:"dropped"`
}

// WatchRequest opens an event stream.
type WatchRequest struct {
	// Kinds limits the stream to these event kinds. Empty means all.
	Kinds []overlay.EventKind `json:"kinds,omitempty"`
}

// WatchEvent is one streamed event.
type WatchEvent struct {
	Event overlay.Event `json:"event"`

	// Dropped is the number of events this watcher has missed so far
	// because it fell behind.
	Dropped uint64 `json:"dropped"`
}

// monitorServer is the handler type the service descriptor dispatches to.
type monitorServer interface {
	Snapshot(ctx context.Context, req *SnapshotRequest) (*SnapshotResponse, error)
	Watch(req *WatchRequest, stream grpc.ServerStream) error
}

func snapshotHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(SnapshotRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(monitorServer).Snapshot(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodSnapshot}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(monitorServer).Snapshot(ctx, req.(*SnapshotRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func watchHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(WatchRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(monitorServer).Watch(req, stream)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*monitorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Snapshot", Handler: snapshotHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
}
