package breaker

import (
	"errors"
	"net"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// 冷启动期间 gRPC 返回的典型 Unavailable 描述
var startupMessages = []string{
	"name resolver",
	"produced zero addresses",
	"connection is not ready",
	"no such host",
}

// IsStartupNoise 判断错误是否属于下游尚未就绪的启动噪声（DNS 未解析、连接仍在建立）
func IsStartupNoise(err error) bool {
	if err == nil {
		return false
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsNotFound || dnsErr.IsTemporary
	}

	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.Unavailable {
		return false
	}
	msg := strings.ToLower(st.Message())
	for _, m := range startupMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
