// Package api exposes the daemon over gRPC. Messages are plain Go structs
// carried by a JSON codec; service descriptors are declared by hand.
package api

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// CodecName is the content subtype clients must request.
const CodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// unary adapts fn to a grpc.MethodDesc. Errors are mapped to status codes.
func unary[Req, Resp any](service, method string, fn func(context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	info := &grpc.UnaryServerInfo{FullMethod: "/" + service + "/" + method}
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(_ any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				out, err := fn(ctx, req.(*Req))
				if err != nil {
					return nil, toStatus(err)
				}
				return out, nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// serverStream adapts fn to a server-streaming grpc.StreamDesc.
func serverStream[Req, Resp any](method string, fn func(context.Context, *Req, func(*Resp) error) error) grpc.StreamDesc {
	return grpc.StreamDesc{
		StreamName:    method,
		ServerStreams: true,
		Handler: func(_ any, stream grpc.ServerStream) error {
			in := new(Req)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			send := func(m *Resp) error { return stream.SendMsg(m) }
			if err := fn(stream.Context(), in, send); err != nil {
				return toStatus(err)
			}
			return nil
		},
	}
}

// Registrar is implemented by every service in this package.
type Registrar interface {
	Register(s grpc.ServiceRegistrar)
}

func register(s grpc.ServiceRegistrar, name string, methods []grpc.MethodDesc, streams ...grpc.StreamDesc) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: name,
		HandlerType: (*any)(nil),
		Methods:     methods,
		Streams:     streams,
		Metadata:    "smartlink",
	}, struct{}{})
}
