// Package simulator 模拟器进程的 gRPC 客户端
package simulator

import (
	"context"
	"fmt"
	"time"

	"github.com/wyfcoding/simgateway/internal/simgateway/domain"
	"github.com/wyfcoding/simgateway/pkg/grpcclient"
	"github.com/wyfcoding/simgateway/pkg/logger"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Client 按地址复用连接的模拟器客户端
type Client struct {
	pool *grpcclient.ClientPool
}

// NewClient 创建模拟器客户端
func NewClient(pool *grpcclient.ClientPool) *Client {
	return &Client{pool: pool}
}

// Heartbeat 发送心跳
func (c *Client) Heartbeat(ctx context.Context, endpoint string, clientTime time.Time) (*domain.HeartbeatResult, error) {
	conn, err := c.pool.GetOrCreate(endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial simulator %s: %w", endpoint, err)
	}
	resp := new(structpb.Struct)
	if err := conn.Invoke(ctx, heartbeatMethod, timestamppb.New(clientTime), resp); err != nil {
		return nil, err
	}
	return decodeHeartbeat(resp), nil
}

// StreamData 打开服务端推送流
func (c *Client) StreamData(ctx context.Context, endpoint, sessionID, clientID string) (domain.UpdateStream, error) {
	conn, err := c.pool.GetOrCreate(endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial simulator %s: %w", endpoint, err)
	}

	req, err := structpb.NewStruct(map[string]any{
		"session_id": sessionID,
		"client_id":  clientID,
	})
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	cs, err := conn.NewStream(streamCtx, &grpc.StreamDesc{StreamName: streamDataName, ServerStreams: true}, streamDataMethod)
	if err != nil {
		cancel()
		return nil, err
	}
	if err := cs.SendMsg(req); err != nil {
		cancel()
		return nil, err
	}
	if err := cs.CloseSend(); err != nil {
		cancel()
		return nil, err
	}
	return &updateStream{cs: cs, cancel: cancel, sessionID: sessionID}, nil
}

// Release 关闭到该地址的连接
func (c *Client) Release(endpoint string) {
	logger.Debug(context.Background(), "Releasing simulator connection", "endpoint", endpoint)
	c.pool.Remove(endpoint)
}

type updateStream struct {
	cs        grpc.ClientStream
	cancel    context.CancelFunc
	sessionID string
}

func (s *updateStream) Recv() (*domain.Update, error) {
	msg := new(structpb.Struct)
	if err := s.cs.RecvMsg(msg); err != nil {
		return nil, err
	}
	return decodeUpdate(s.sessionID, msg), nil
}

func (s *updateStream) Close() error {
	s.cancel()
	return nil
}
