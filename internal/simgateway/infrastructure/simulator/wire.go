package simulator

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/wyfcoding/simgateway/internal/simgateway/domain"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// 模拟器服务方法名，消息均为 protobuf 已知类型
const (
	ServiceName      = "simulator.v1.SimulatorService"
	heartbeatMethod  = "/" + ServiceName + "/Heartbeat"
	streamDataMethod = "/" + ServiceName + "/StreamData"
	streamDataName   = "StreamData"
)

// Server 模拟器进程需要实现的服务端接口，测试与本地联调使用
type Server interface {
	Heartbeat(ctx context.Context, clientTime *timestamppb.Timestamp) (*structpb.Struct, error)
	StreamData(req *structpb.Struct, stream grpc.ServerStream) error
}

// RegisterServer 向 gRPC 服务注册模拟器服务
func RegisterServer(s grpc.ServiceRegistrar, srv Server) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Heartbeat",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				in := new(timestamppb.Timestamp)
				if err := dec(in); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return srv.(Server).Heartbeat(ctx, in)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: heartbeatMethod}
				return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
					return srv.(Server).Heartbeat(ctx, req.(*timestamppb.Timestamp))
				})
			},
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    streamDataName,
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(structpb.Struct)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(Server).StreamData(in, stream)
			},
		},
	},
}

// decodeHeartbeat 宽松解析心跳响应，server_time 可以是毫秒时间戳或 RFC3339 字符串
func decodeHeartbeat(resp *structpb.Struct) *domain.HeartbeatResult {
	fields := resp.AsMap()
	return &domain.HeartbeatResult{
		Success:    cast.ToBool(fields["success"]),
		ServerTime: decodeTime(fields["server_time"]),
		Status:     decodeStatus(fields["status"]),
	}
}

// decodeUpdate 解析推送消息：{kind, symbol, payload, timestamp, status}
func decodeUpdate(sessionID string, msg *structpb.Struct) *domain.Update {
	fields := msg.AsMap()
	u := &domain.Update{
		SessionID: sessionID,
		Kind:      domain.UpdateKind(strings.ToLower(cast.ToString(fields["kind"]))),
		Symbol:    cast.ToString(fields["symbol"]),
		Payload:   finiteMap(cast.ToStringMap(fields["payload"])),
		Timestamp: decodeTime(fields["timestamp"]),
	}
	if u.Kind == "" {
		u.Kind = domain.UpdateKindMarket
	}
	if u.Kind == domain.UpdateKindStatus {
		u.SimulatorStatus = decodeStatus(fields["status"])
	}
	return u
}

// finiteMap 将 NaN 与 ±Inf 置为 nil，这类值无法编码为 JSON
func finiteMap(m map[string]any) map[string]any {
	for k, v := range m {
		m[k] = finite(v)
	}
	return m
}

func finite(v any) any {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil
		}
	case map[string]any:
		return finiteMap(x)
	case []any:
		for i := range x {
			x[i] = finite(x[i])
		}
	}
	return v
}

func decodeStatus(v any) domain.BindingStatus {
	s := strings.ToUpper(cast.ToString(v))
	if s == "" {
		return domain.BindingStatusNone
	}
	return domain.BindingStatus(s)
}

func decodeTime(v any) time.Time {
	switch t := v.(type) {
	case nil:
		return time.Now()
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts
		}
	}
	ms, err := cast.ToInt64E(v)
	if err != nil || ms <= 0 {
		return time.Now()
	}
	return time.UnixMilli(ms)
}
