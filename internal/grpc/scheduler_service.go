// =============================================================================
// SCHEDULER SERVICE - gRPC FRONT END FOR THE JOB SERVICE
// =============================================================================
//
// The service is described by hand instead of generated from a .proto file.
// Every message is a protobuf well-known type, so clients in any language
// can call it without shared generated code:
//
//   service secwheel.v1.Scheduler {
//     rpc Schedule(google.protobuf.Struct)       returns (google.protobuf.Struct);
//     rpc Cancel(google.protobuf.StringValue)    returns (google.protobuf.BoolValue);
//     rpc Stats(google.protobuf.Empty)           returns (google.protobuf.Struct);
//     rpc Lag(google.protobuf.Empty)             returns (google.protobuf.Duration);
//     rpc TrackedTime(google.protobuf.Empty)     returns (google.protobuf.Timestamp);
//   }
//
// Schedule request fields:
//   owner (string, required), arg (string), at (number, Unix seconds),
//   delay_seconds (number), cron (string), webhook (string)
//
// ERROR MAPPING:
//   service.ErrInvalidRequest -> InvalidArgument
//   service.ErrJobNotFound    -> NotFound
//   service.ErrServiceClosed  -> Unavailable
//
// =============================================================================

package grpc

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"secwheel/internal/security"
	"secwheel/internal/service"
)

// SchedulerServiceName is the fully qualified gRPC service name.
const SchedulerServiceName = "secwheel.v1.Scheduler"

// Scheduler is the job service behind the gRPC API.
type Scheduler interface {
	Schedule(req service.ScheduleRequest) (service.Job, error)
	Cancel(id string) error
	Get(id string) (service.Job, error)
	Stats() service.Stats
	Lag() time.Duration
	TrackedTime() time.Time
	Closed() bool
}

// SchedulerServer is the server API for the Scheduler service.
type SchedulerServer interface {
	Schedule(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Cancel(context.Context, *wrapperspb.StringValue) (*wrapperspb.BoolValue, error)
	Stats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Lag(context.Context, *emptypb.Empty) (*durationpb.Duration, error)
	TrackedTime(context.Context, *emptypb.Empty) (*timestamppb.Timestamp, error)
}

// =============================================================================
// SERVICE DESCRIPTOR
// =============================================================================

// unaryHandler adapts a typed method to the MethodDesc handler signature.
func unaryHandler[Req any, Resp any](
	method string,
	call func(SchedulerServer, context.Context, *Req) (Resp, error),
) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	fullMethod := "/" + SchedulerServiceName + "/" + method
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(SchedulerServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(SchedulerServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// SchedulerServiceDesc describes the Scheduler service for grpc.Server.
var SchedulerServiceDesc = grpc.ServiceDesc{
	ServiceName: SchedulerServiceName,
	HandlerType: (*SchedulerServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Schedule",
			Handler: unaryHandler("Schedule", func(s SchedulerServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
				return s.Schedule(ctx, in)
			}),
		},
		{
			MethodName: "Cancel",
			Handler: unaryHandler("Cancel", func(s SchedulerServer, ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.BoolValue, error) {
				return s.Cancel(ctx, in)
			}),
		},
		{
			MethodName: "Stats",
			Handler: unaryHandler("Stats", func(s SchedulerServer, ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error) {
				return s.Stats(ctx, in)
			}),
		},
		{
			MethodName: "Lag",
			Handler: unaryHandler("Lag", func(s SchedulerServer, ctx context.Context, in *emptypb.Empty) (*durationpb.Duration, error) {
				return s.Lag(ctx, in)
			}),
		},
		{
			MethodName: "TrackedTime",
			Handler: unaryHandler("TrackedTime", func(s SchedulerServer, ctx context.Context, in *emptypb.Empty) (*timestamppb.Timestamp, error) {
				return s.TrackedTime(ctx, in)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "secwheel/v1/scheduler.proto",
}

// RegisterSchedulerServer registers srv on s.
func RegisterSchedulerServer(s grpc.ServiceRegistrar, srv SchedulerServer) {
	s.RegisterService(&SchedulerServiceDesc, srv)
}

// =============================================================================
// SERVER IMPLEMENTATION
// =============================================================================

type schedulerServer struct {
	scheduler Scheduler
	logger    *slog.Logger
}

// NewSchedulerServer wraps a Scheduler as a SchedulerServer.
func NewSchedulerServer(scheduler Scheduler, logger *slog.Logger) SchedulerServer {
	return &schedulerServer{scheduler: scheduler, logger: logger}
}

func (s *schedulerServer) Schedule(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := scheduleRequestFromStruct(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := security.AuthorizeOwner(ctx, req.Owner); err != nil {
		return nil, toStatus(err)
	}

	job, err := s.scheduler.Schedule(req)
	if err != nil {
		return nil, toStatus(err)
	}
	s.logger.Debug("job scheduled", "id", job.ID, "owner", job.Owner, "expiry", job.Expiry)

	out, err := structpb.NewStruct(map[string]interface{}{
		"id":      job.ID,
		"owner":   job.Owner,
		"arg":     job.Arg,
		"expiry":  job.Expiry,
		"cron":    job.Cron,
		"webhook": job.Webhook,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode job: %v", err)
	}
	return out, nil
}

func (s *schedulerServer) Cancel(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.BoolValue, error) {
	if in.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "job id is required")
	}
	if security.APIKeyFromContext(ctx) != nil {
		job, err := s.scheduler.Get(in.GetValue())
		if err != nil {
			return nil, toStatus(err)
		}
		if err := security.AuthorizeOwner(ctx, job.Owner); err != nil {
			return nil, toStatus(err)
		}
	}
	if err := s.scheduler.Cancel(in.GetValue()); err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Bool(true), nil
}

func (s *schedulerServer) Stats(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	stats := s.scheduler.Stats()
	out, err := structpb.NewStruct(map[string]interface{}{
		"scheduled":          stats.Wheel.Scheduled,
		"fired":              stats.Wheel.Fired,
		"cancelled":          stats.Wheel.Cancelled,
		"discarded":          stats.Wheel.Discarded,
		"callback_failures":  stats.Wheel.CallbackFailures,
		"callback_panics":    stats.Wheel.CallbackPanics,
		"pending":            stats.Wheel.Pending,
		"tracked_second":     stats.Wheel.TrackedSecond,
		"lag_seconds":        stats.Wheel.Lag,
		"slots":              stats.Wheel.Slots,
		"active_jobs":        stats.ActiveJobs,
		"recurring_jobs":     stats.RecurringJobs,
		"webhooks_delivered": stats.WebhooksDelivered,
		"webhooks_failed":    stats.WebhooksFailed,
		"webhooks_dropped":   stats.WebhooksDropped,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode stats: %v", err)
	}
	return out, nil
}

func (s *schedulerServer) Lag(ctx context.Context, _ *emptypb.Empty) (*durationpb.Duration, error) {
	return durationpb.New(s.scheduler.Lag()), nil
}

func (s *schedulerServer) TrackedTime(ctx context.Context, _ *emptypb.Empty) (*timestamppb.Timestamp, error) {
	if s.scheduler.Closed() {
		return nil, toStatus(service.ErrServiceClosed)
	}
	return timestamppb.New(s.scheduler.TrackedTime()), nil
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

// scheduleRequestFromStruct reads the Schedule request fields. Unknown
// fields are ignored; wrongly typed known fields are rejected.
func scheduleRequestFromStruct(in *structpb.Struct) (service.ScheduleRequest, error) {
	var req service.ScheduleRequest
	fields := in.GetFields()

	str := func(key string, dst *string) error {
		v, ok := fields[key]
		if !ok {
			return nil
		}
		sv, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return errors.New(key + " must be a string")
		}
		*dst = sv.StringValue
		return nil
	}
	num := func(key string) (float64, bool, error) {
		v, ok := fields[key]
		if !ok {
			return 0, false, nil
		}
		nv, ok := v.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return 0, false, errors.New(key + " must be a number")
		}
		return nv.NumberValue, true, nil
	}

	for key, dst := range map[string]*string{
		"owner":   &req.Owner,
		"arg":     &req.Arg,
		"cron":    &req.Cron,
		"webhook": &req.Webhook,
	} {
		if err := str(key, dst); err != nil {
			return req, err
		}
	}

	at, ok, err := num("at")
	if err != nil {
		return req, err
	}
	if ok {
		if !finiteSeconds(at) {
			return req, errors.New("at is out of range")
		}
		if at != math.Trunc(at) {
			return req, errors.New("at must be a whole number of seconds")
		}
		req.At = int64(at)
	}

	delay, ok, err := num("delay_seconds")
	if err != nil {
		return req, err
	}
	if ok {
		if !finiteSeconds(delay) || math.Abs(delay) > maxDelaySeconds {
			return req, errors.New("delay_seconds is out of range")
		}
		req.Delay = time.Duration(delay * float64(time.Second))
	}

	return req, nil
}

// maxDelaySeconds is the largest delay a time.Duration can hold.
const maxDelaySeconds = float64(math.MaxInt64 / int64(time.Second))

// finiteSeconds reports whether v converts to int64 without overflow.
func finiteSeconds(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= math.MinInt64 && v < math.MaxInt64
}

// toStatus maps service sentinels to gRPC status errors.
func toStatus(err error) error {
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, service.ErrJobNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, service.ErrServiceClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, security.ErrPermissionDenied):
		return status.Error(codes.PermissionDenied, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
