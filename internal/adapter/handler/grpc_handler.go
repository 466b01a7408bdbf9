package handler

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/rl1809/meal-dispatch/internal/core/domain"
	"github.com/rl1809/meal-dispatch/internal/core/service"
	"github.com/rl1809/meal-dispatch/internal/port"
)

const grpcServiceName = "mealdispatch.OrderService"

// JSONCodec lets the service run without generated protobuf types. Clients
// must dial with grpc.ForceCodec(JSONCodec{}).
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (JSONCodec) Name() string                       { return "json" }

type ReassignAreaRequest struct {
	Area     string   `json:"area"`
	AgentIDs []string `json:"agentIds"`
}

type OrderStatusRequest struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason,omitempty"`
}

type OrderServiceServer interface {
	PlaceOrder(context.Context, *PlaceOrderHTTPRequest) (*OrderView, error)
	ReassignArea(context.Context, *ReassignAreaRequest) (*service.SweepReport, error)
	MarkDelivered(context.Context, *OrderStatusRequest) (*OrderView, error)
	MarkUndelivered(context.Context, *OrderStatusRequest) (*OrderView, error)
}

type GRPCHandler struct {
	orders      *service.OrderService
	assignments *service.AssignmentService
}

func NewGRPCHandler(orders *service.OrderService, assignments *service.AssignmentService) *GRPCHandler {
	return &GRPCHandler{orders: orders, assignments: assignments}
}

func (h *GRPCHandler) PlaceOrder(ctx context.Context, req *PlaceOrderHTTPRequest) (*OrderView, error) {
	order, err := h.orders.PlaceOrder(ctx, service.PlaceOrderRequest{
		RequestID:    req.RequestID,
		MenuID:       req.MenuID,
		Items:        req.Items,
		DeliveryType: req.DeliveryType,
		Area:         req.Area,
		Location:     req.Location,
		Customer:     req.Customer,
	})
	if err != nil {
		return nil, grpcError(err)
	}
	v := orderView(order)
	return &v, nil
}

func (h *GRPCHandler) ReassignArea(ctx context.Context, req *ReassignAreaRequest) (*service.SweepReport, error) {
	if actorFromContext(ctx).Role != service.RoleOwner {
		return nil, status.Error(codes.PermissionDenied, "owner only")
	}
	report, err := h.assignments.SaveRoster(ctx, req.Area, req.AgentIDs)
	if err != nil {
		return nil, grpcError(err)
	}
	return &report, nil
}

func (h *GRPCHandler) MarkDelivered(ctx context.Context, req *OrderStatusRequest) (*OrderView, error) {
	if actorFromContext(ctx).Role == service.RoleCustomer {
		return nil, status.Error(codes.PermissionDenied, "staff only")
	}
	order, err := h.orders.MarkDelivered(ctx, req.OrderID, actorFromContext(ctx))
	if err != nil {
		return nil, grpcError(err)
	}
	v := orderView(order)
	return &v, nil
}

func (h *GRPCHandler) MarkUndelivered(ctx context.Context, req *OrderStatusRequest) (*OrderView, error) {
	if actorFromContext(ctx).Role == service.RoleCustomer {
		return nil, status.Error(codes.PermissionDenied, "staff only")
	}
	order, err := h.orders.MarkUndelivered(ctx, req.OrderID, actorFromContext(ctx), req.Reason)
	if err != nil {
		return nil, grpcError(err)
	}
	v := orderView(order)
	return &v, nil
}

func grpcError(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, domain.ErrValidation):
		code = codes.InvalidArgument
	case errors.Is(err, domain.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, domain.ErrInsufficientStock):
		code = codes.ResourceExhausted
	case errors.Is(err, service.ErrDuplicateRequest):
		code = codes.AlreadyExists
	case errors.Is(err, domain.ErrInvalidState):
		code = codes.FailedPrecondition
	case errors.Is(err, service.ErrNotAssigned):
		code = codes.PermissionDenied
	case errors.Is(err, port.ErrTxAborted):
		code = codes.Aborted
	}
	if code == codes.Internal {
		return status.Error(code, "internal error")
	}
	return status.Error(code, err.Error())
}

type actorContextKey struct{}

func actorFromContext(ctx context.Context) service.Actor {
	if a, ok := ctx.Value(actorContextKey{}).(service.Actor); ok {
		return a
	}
	return service.Actor{Role: service.RoleCustomer}
}

// UnaryAuthInterceptor resolves the "authorization" metadata into an actor.
// PlaceOrder is open to anonymous customers; every other method needs staff.
func UnaryAuthInterceptor(auth *Authenticator) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if info.FullMethod == "/"+grpcServiceName+"/PlaceOrder" {
			return handler(ctx, req)
		}

		var token string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if v := md.Get("authorization"); len(v) > 0 {
				token = strings.TrimPrefix(v[0], "Bearer ")
			}
		}
		actor, err := auth.Parse(token)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "unauthorized")
		}
		if actor.Role == service.RoleCustomer {
			return nil, status.Error(codes.PermissionDenied, "staff only")
		}
		return handler(context.WithValue(ctx, actorContextKey{}, actor), req)
	}
}

func RegisterOrderServiceServer(s grpc.ServiceRegistrar, srv OrderServiceServer) {
	s.RegisterService(&OrderServiceDesc, srv)
}

func unaryHandler[Req any, Resp any](method string, call func(OrderServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(OrderServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + grpcServiceName + "/" + method}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(OrderServiceServer), ctx, req.(*Req))
			})
		},
	}
}

var OrderServiceDesc = grpc.ServiceDesc{
	ServiceName: grpcServiceName,
	HandlerType: (*OrderServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("PlaceOrder", OrderServiceServer.PlaceOrder),
		unaryHandler("ReassignArea", OrderServiceServer.ReassignArea),
		unaryHandler("MarkDelivered", OrderServiceServer.MarkDelivered),
		unaryHandler("MarkUndelivered", OrderServiceServer.MarkUndelivered),
	},
	Streams: []grpc.StreamDesc{},
}

// OrderServiceClient is the client side of OrderServiceDesc.
type OrderServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewOrderServiceClient(cc grpc.ClientConnInterface) *OrderServiceClient {
	return &OrderServiceClient{cc: cc}
}

func (c *OrderServiceClient) invoke(ctx context.Context, method string, in, out any, opts ...grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.ForceCodec(JSONCodec{})}, opts...)
	return c.cc.Invoke(ctx, "/"+grpcServiceName+"/"+method, in, out, opts...)
}

func (c *OrderServiceClient) PlaceOrder(ctx context.Context, in *PlaceOrderHTTPRequest, opts ...grpc.CallOption) (*OrderView, error) {
	out := new(OrderView)
	if err := c.invoke(ctx, "PlaceOrder", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OrderServiceClient) ReassignArea(ctx context.Context, in *ReassignAreaRequest, opts ...grpc.CallOption) (*service.SweepReport, error) {
	out := new(service.SweepReport)
	if err := c.invoke(ctx, "ReassignArea", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OrderServiceClient) MarkDelivered(ctx context.Context, in *OrderStatusRequest, opts ...grpc.CallOption) (*OrderView, error) {
	out := new(OrderView)
	if err := c.invoke(ctx, "MarkDelivered", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OrderServiceClient) MarkUndelivered(ctx context.Context, in *OrderStatusRequest, opts ...grpc.CallOption) (*OrderView, error) {
	out := new(OrderView)
	if err := c.invoke(ctx, "MarkUndelivered", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
