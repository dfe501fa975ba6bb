// Package grpcclient 提供 gRPC 客户端工厂与按地址复用的连接池，支持 keepalive、拨号退避与 trace 注入
package grpcclient

import (
	"context"
	"sync"
	"time"

	"github.com/wyfcoding/simgateway/pkg/logger"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// ClientConfig gRPC 客户端配置
type ClientConfig struct {
	// 连接超时（秒）
	ConnTimeout int
	// 是否启用 keepalive
	EnableKeepalive bool
	// Keepalive 间隔（秒）
	KeepaliveInterval int
	// 额外拨号选项
	DialOptions []grpc.DialOption
}

// NewClient 创建 gRPC 客户端连接，连接在首次调用时建立
func NewClient(target string, cfg ClientConfig) (*grpc.ClientConn, error) {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(16 * 1024 * 1024),
		),
		grpc.WithChainUnaryInterceptor(unaryClientInterceptor()),
		grpc.WithChainStreamInterceptor(streamClientInterceptor()),
	}

	if cfg.ConnTimeout > 0 {
		opts = append(opts, grpc.WithConnectParams(grpc.ConnectParams{
			Backoff: backoff.Config{
				BaseDelay:  100 * time.Millisecond,
				MaxDelay:   time.Duration(cfg.ConnTimeout) * time.Second,
				Multiplier: 1.6,
				Jitter:     0.2,
			},
			MinConnectTimeout: time.Duration(cfg.ConnTimeout) * time.Second,
		}))
	}

	if cfg.EnableKeepalive && cfg.KeepaliveInterval > 0 {
		opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                time.Duration(cfg.KeepaliveInterval) * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}))
	}

	opts = append(opts, cfg.DialOptions...)

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		logger.Error(context.Background(), "Failed to create gRPC client", "target", target, "error", err)
		return nil, err
	}

	logger.Debug(context.Background(), "gRPC client created", "target", target)
	return conn, nil
}

// unaryClientInterceptor 一元 RPC 拦截器，记录耗时
func unaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		start := time.Now()
		err := invoker(ctx, method, req, reply, cc, opts...)
		if err != nil {
			logger.Debug(ctx, "gRPC request failed", "method", method, "target", cc.Target(), "duration", time.Since(start), "error", err)
			return err
		}
		logger.Debug(ctx, "gRPC request succeeded", "method", method, "duration", time.Since(start))
		return nil
	}
}

// streamClientInterceptor 流 RPC 拦截器
func streamClientInterceptor() grpc.StreamClientInterceptor {
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		logger.Debug(ctx, "gRPC stream started", "method", method, "target", cc.Target())
		return streamer(ctx, desc, cc, method, opts...)
	}
}

// ClientPool gRPC 客户端连接池，按目标地址复用连接
type ClientPool struct {
	mu    sync.Mutex
	cfg   ClientConfig
	conns map[string]*grpc.ClientConn
}

// NewClientPool 创建客户端连接池
func NewClientPool(cfg ClientConfig) *ClientPool {
	return &ClientPool{
		cfg:   cfg,
		conns: make(map[string]*grpc.ClientConn),
	}
}

// GetOrCreate 获取或创建客户端连接
func (cp *ClientPool) GetOrCreate(target string) (*grpc.ClientConn, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if conn, ok := cp.conns[target]; ok {
		return conn, nil
	}

	conn, err := NewClient(target, cp.cfg)
	if err != nil {
		return nil, err
	}
	cp.conns[target] = conn
	return conn, nil
}

// Remove 关闭并移除指定地址的连接，下次获取时重新创建
func (cp *ClientPool) Remove(target string) {
	cp.mu.Lock()
	conn, ok := cp.conns[target]
	delete(cp.conns, target)
	cp.mu.Unlock()

	if ok {
		if err := conn.Close(); err != nil {
			logger.Warn(context.Background(), "Failed to close gRPC connection", "target", target, "error", err)
		}
	}
}

// Len 返回连接数
func (cp *ClientPool) Len() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.conns)
}

// Close 关闭所有连接
func (cp *ClientPool) Close() error {
	cp.mu.Lock()
	conns := cp.conns
	cp.conns = make(map[string]*grpc.ClientConn)
	cp.mu.Unlock()

	for target, conn := range conns {
		if err := conn.Close(); err != nil {
			logger.Error(context.Background(), "Failed to close gRPC connection", "target", target, "error", err)
		}
	}
	return nil
}
