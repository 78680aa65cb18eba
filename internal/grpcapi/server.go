package grpcapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalops/order-execution-engine/internal/execution"
	"github.com/signalops/order-execution-engine/internal/order"
)

const (
	ServiceName = "orderexec.v1.OrderService"

	SubmitMethod = "/" + ServiceName + "/Submit"
	WatchMethod  = "/" + ServiceName + "/Watch"
)

// OrderServiceServer is the gRPC surface of the engine. Messages are
// google.protobuf.Struct so clients need no generated code.
type OrderServiceServer interface {
	Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Watch(in *structpb.Struct, stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OrderServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: submitHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "orderexec/v1/order_service.proto",
}

func submitHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(OrderServiceServer).Submit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: SubmitMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(OrderServiceServer).Submit(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(OrderServiceServer).Watch(in, stream)
}

// Server implements OrderServiceServer on top of the execution engine.
type Server struct {
	engine *execution.Engine
	logger *slog.Logger
}

func NewServer(engine *execution.Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{engine: engine, logger: logger.With("component", "grpc")}
}

// Register adds the order service to g.
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&serviceDesc, s)
}

// Submit queues an order: {tokenIn, tokenOut, amountIn} -> {orderId, status}.
func (s *Server) Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := requestFromStruct(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	o, err := s.engine.Submit(ctx, req)
	if order.IsValidation(err) {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err != nil {
		s.logger.Error("submit failed", "err", err)
		return nil, status.Error(codes.Internal, "could not queue order")
	}

	return structpb.NewStruct(map[string]any{
		"orderId": o.ID,
		"status":  o.Status.Lower(),
		"message": "Order queued",
	})
}

// Watch streams the snapshot and then live events for {orderId} until the
// order is terminal or the client cancels.
func (s *Server) Watch(in *structpb.Struct, stream grpc.ServerStream) error {
	orderID := in.GetFields()["orderId"].GetStringValue()
	if orderID == "" {
		return status.Error(codes.InvalidArgument, "orderId required")
	}

	w, err := s.engine.Watch(stream.Context(), orderID)
	if errors.Is(err, order.ErrNotFound) {
		return status.Errorf(codes.NotFound, "order %s not found", orderID)
	}
	if err != nil {
		s.logger.Error("attach failed", "order_id", orderID, "err", err)
		return status.Error(codes.Unavailable, "could not attach to order")
	}
	defer w.Close()

	if err := sendEvent(stream, w.Snapshot); err != nil {
		return err
	}
	for ev := range w.Events() {
		if err := sendEvent(stream, ev); err != nil {
			return err
		}
	}
	return stream.Context().Err()
}

func sendEvent(stream grpc.ServerStream, ev order.Event) error {
	msg, err := eventStruct(ev)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	return stream.SendMsg(msg)
}

// eventStruct renders an event with the same field names as the JSON
// transports.
func eventStruct(ev order.Event) (*structpb.Struct, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	return structpb.NewStruct(fields)
}

func requestFromStruct(in *structpb.Struct) (order.Request, error) {
	fields := in.GetFields()
	req := order.Request{
		TokenIn:  fields["tokenIn"].GetStringValue(),
		TokenOut: fields["tokenOut"].GetStringValue(),
	}

	switch v := fields["amountIn"].GetKind().(type) {
	case *structpb.Value_NumberValue:
		req.AmountIn = decimal.NewFromFloat(v.NumberValue)
	case *structpb.Value_StringValue:
		amount, err := decimal.NewFromString(v.StringValue)
		if err != nil {
			return req, &order.ValidationError{Field: "amountIn", Reason: "is not a number"}
		}
		req.AmountIn = amount
	}
	return req, nil
}
