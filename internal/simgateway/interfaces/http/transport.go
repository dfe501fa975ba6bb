package http

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/wyfcoding/simgateway/internal/simgateway/application"
	"github.com/wyfcoding/simgateway/internal/simgateway/codec"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var errTransportClosed = errors.New("transport closed")

// StreamConfig 推送通道参数
type StreamConfig struct {
	// PingInterval WebSocket ping 与 SSE 保活注释的间隔
	PingInterval time.Duration
	// PongWait 未收到任何客户端帧多久后断开
	PongWait  time.Duration
	WriteWait time.Duration
	// Buffer 每个客户端的发送缓冲条数
	Buffer int
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.PongWait <= c.PingInterval {
		c.PongWait = c.PingInterval * 2
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.Buffer <= 0 {
		c.Buffer = 256
	}
	return c
}

// terminalFrame 通道关闭前的最后一帧
type terminalFrame struct {
	Type    string                     `json:"type"`
	Reason  application.TerminalReason `json:"reason,omitempty"`
	Code    string                     `json:"code,omitempty"`
	Message string                     `json:"message,omitempty"`
}

// outbox 通道与写协程之间的缓冲，WebSocket 与 SSE 共用
type outbox struct {
	out   chan []byte
	final chan []byte
	done  chan struct{}
	once  sync.Once
}

func newOutbox(size int) *outbox {
	return &outbox{
		out:   make(chan []byte, size),
		final: make(chan []byte, 1),
		done:  make(chan struct{}),
	}
}

// Send 编码后放入缓冲，缓冲满时等待直到 ctx 到期
func (o *outbox) Send(ctx context.Context, msg *codec.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-o.done:
		return errTransportClosed
	default:
	}
	select {
	case o.out <- data:
		return nil
	case <-o.done:
		return errTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 排入终止事件并通知写协程收尾
func (o *outbox) Close(ev application.TerminalEvent) error {
	return o.finish(terminalFrame{Type: "terminal", Reason: ev.Reason, Message: ev.Message})
}

// fail 以错误帧结束通道
func (o *outbox) fail(code, message string) {
	_ = o.finish(terminalFrame{Type: "error", Code: code, Message: message})
}

func (o *outbox) finish(frame terminalFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	closed := true
	o.once.Do(func() {
		o.final <- data
		close(o.done)
		closed = false
	})
	if closed {
		return errTransportClosed
	}
	return nil
}

// abort 对端已断开，不再发送终止事件
func (o *outbox) abort() {
	o.once.Do(func() { close(o.done) })
}

// Done 通道结束后关闭
func (o *outbox) Done() <-chan struct{} {
	return o.done
}

// drain 取出关闭前已排队的消息与终止帧
func (o *outbox) drain() (pending [][]byte, final []byte) {
	for {
		select {
		case data := <-o.out:
			pending = append(pending, data)
		default:
			select {
			case final = <-o.final:
			default:
			}
			return pending, final
		}
	}
}

// wsTransport WebSocket 推送通道，单个写协程负责全部写操作
type wsTransport struct {
	*outbox
	conn *websocket.Conn
	cfg  StreamConfig
}

func newWSTransport(conn *websocket.Conn, cfg StreamConfig) *wsTransport {
	return &wsTransport{outbox: newOutbox(cfg.Buffer), conn: conn, cfg: cfg}
}

// writePump 写出消息并定期 ping，结束时关闭连接
func (t *wsTransport) writePump(onPing func()) {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = t.conn.Close()
	}()

	for {
		select {
		case data := <-t.out:
			if err := t.write(websocket.TextMessage, data); err != nil {
				t.abort()
				return
			}
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.cfg.WriteWait)); err != nil {
				t.abort()
				return
			}
			onPing()
		case <-t.done:
			pending, final := t.drain()
			for _, data := range pending {
				if err := t.write(websocket.TextMessage, data); err != nil {
					return
				}
			}
			if final != nil {
				_ = t.write(websocket.TextMessage, final)
				_ = t.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(t.cfg.WriteWait))
			}
			return
		}
	}
}

func (t *wsTransport) write(kind int, data []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteWait)); err != nil {
		return err
	}
	return t.conn.WriteMessage(kind, data)
}

// sseTransport SSE 推送通道，由请求协程在 c.Stream 中写出
type sseTransport struct {
	*outbox
}

func newSSETransport(cfg StreamConfig) *sseTransport {
	return &sseTransport{outbox: newOutbox(cfg.Buffer)}
}
