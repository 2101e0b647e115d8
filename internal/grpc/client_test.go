package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// =============================================================================
// CLIENT
// =============================================================================

// SchedulerClient is a thin client for the Scheduler service.
type SchedulerClient struct {
	cc grpc.ClientConnInterface
}

// NewSchedulerClient returns a client over cc.
func NewSchedulerClient(cc grpc.ClientConnInterface) *SchedulerClient {
	return &SchedulerClient{cc: cc}
}

func (c *SchedulerClient) invoke(ctx context.Context, method string, in, out interface{}, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, "/"+SchedulerServiceName+"/"+method, in, out, opts...)
}

// Schedule calls Scheduler.Schedule.
func (c *SchedulerClient) Schedule(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "Schedule", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Cancel calls Scheduler.Cancel.
func (c *SchedulerClient) Cancel(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*wrapperspb.BoolValue, error) {
	out := new(wrapperspb.BoolValue)
	if err := c.invoke(ctx, "Cancel", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Stats calls Scheduler.Stats.
func (c *SchedulerClient) Stats(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "Stats", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Lag calls Scheduler.Lag.
func (c *SchedulerClient) Lag(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*durationpb.Duration, error) {
	out := new(durationpb.Duration)
	if err := c.invoke(ctx, "Lag", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// TrackedTime calls Scheduler.TrackedTime.
func (c *SchedulerClient) TrackedTime(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*timestamppb.Timestamp, error) {
	out := new(timestamppb.Timestamp)
	if err := c.invoke(ctx, "TrackedTime", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
