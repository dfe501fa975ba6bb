// Package codec 推送数据的按客户端增量编码与可选压缩
//
// 每个客户端维护最近一次完整负载与序号。首条消息以及 ResetClient 之后的消息为 FULL，
// 其余在开启增量模式时为 DELTA。序号按客户端严格递增，跨 FULL/DELTA 与重置都不回退；
// 因背压丢弃的更新通过 Advance 体现为可见的序号空洞。
package codec

import (
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.Config{
	EscapeHTML:  false,
	SortMapKeys: true,
	UseNumber:   true,
}.Froze()

// MessageType 消息类型
type MessageType string

const (
	MessageTypeFull  MessageType = "FULL"
	MessageTypeDelta MessageType = "DELTA"
)

// Message 推送消息信封
type Message struct {
	Type      MessageType `json:"type"`
	Sequence  uint64      `json:"sequence"`
	Timestamp int64       `json:"timestamp"`
	// Payload 未压缩时为对象，压缩时为 base64 字符串
	Payload         any    `json:"payload"`
	Compressed      bool   `json:"compressed"`
	Algorithm       string `json:"algorithm,omitempty"`
	OriginalSize    int    `json:"original_size"`
	TransmittedSize int    `json:"transmitted_size"`
}

// Config 编码配置
type Config struct {
	DeltaEnabled         bool
	CompressionEnabled   bool
	CompressionThreshold int
	Algorithm            string
}

// Stats 编码统计
type Stats struct {
	FullMessages        uint64 `json:"full_messages"`
	DeltaMessages       uint64 `json:"delta_messages"`
	CompressedMessages  uint64 `json:"compressed_messages"`
	CompressionFailures uint64 `json:"compression_failures"`
	SkippedSequences    uint64 `json:"skipped_sequences"`
	OriginalBytes       uint64 `json:"original_bytes"`
	TransmittedBytes    uint64 `json:"transmitted_bytes"`
	Clients             int    `json:"clients"`
}

// Ratio 传输字节与原始字节之比
func (s Stats) Ratio() float64 {
	if s.OriginalBytes == 0 {
		return 1
	}
	return float64(s.TransmittedBytes) / float64(s.OriginalBytes)
}

type clientState struct {
	last map[string]any
	seq  uint64
}

// Codec 增量编码器
type Codec struct {
	mu         sync.Mutex
	cfg        Config
	compressor Compressor
	clients    map[string]*clientState
	stats      Stats
	now        func() time.Time
}

// New 创建编码器
func New(cfg Config) (*Codec, error) {
	c := &Codec{
		cfg:     cfg,
		clients: make(map[string]*clientState),
		now:     time.Now,
	}
	if cfg.CompressionEnabled {
		comp, err := NewCompressor(cfg.Algorithm)
		if err != nil {
			return nil, err
		}
		c.compressor = comp
	}
	return c, nil
}

// WithCompressor 替换压缩器
func (c *Codec) WithCompressor(comp Compressor) *Codec {
	c.compressor = comp
	return c
}

// Encode 为指定客户端编码一条负载
func (c *Codec) Encode(clientID string, payload map[string]any) (*Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.clients[clientID]
	msgType := MessageTypeFull
	var body map[string]any
	if c.cfg.DeltaEnabled && st != nil && st.last != nil {
		msgType = MessageTypeDelta
		body = Diff(st.last, payload)
	} else {
		body = cloneMap(payload)
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for %s: %w", clientID, err)
	}

	msg := &Message{
		Type:            msgType,
		Timestamp:       c.now().UnixMilli(),
		Payload:         body,
		OriginalSize:    len(data),
		TransmittedSize: len(data),
	}

	if c.cfg.CompressionEnabled && len(data) > c.cfg.CompressionThreshold {
		if compressed, err := c.compressor.Compress(data); err == nil {
			encoded := base64.StdEncoding.EncodeToString(compressed)
			msg.Payload = encoded
			msg.Compressed = true
			msg.Algorithm = c.compressor.Name()
			msg.TransmittedSize = len(encoded)
		} else {
			c.stats.CompressionFailures++
		}
	}

	// 编码成功后再提交状态，失败不消耗序号
	if st == nil {
		st = &clientState{}
		c.clients[clientID] = st
	}
	st.seq++
	msg.Sequence = st.seq
	if c.cfg.DeltaEnabled {
		st.last = cloneMap(payload)
	}

	if msgType == MessageTypeFull {
		c.stats.FullMessages++
	} else {
		c.stats.DeltaMessages++
	}
	if msg.Compressed {
		c.stats.CompressedMessages++
	}
	c.stats.OriginalBytes += uint64(msg.OriginalSize)
	c.stats.TransmittedBytes += uint64(msg.TransmittedSize)
	return msg, nil
}

// ResetClient 丢弃客户端缓存负载，下一条消息强制为 FULL，序号保留
func (c *Codec) ResetClient(clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.clients[clientID]; ok {
		st.last = nil
	}
}

// Advance 跳过 n 个序号，使丢弃的更新在客户端可见
func (c *Codec) Advance(clientID string, n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.clients[clientID]
	if !ok {
		st = &clientState{}
		c.clients[clientID] = st
	}
	st.seq += uint64(n)
	c.stats.SkippedSequences += uint64(n)
}

// Forget 删除客户端的全部状态
func (c *Codec) Forget(clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.clients, clientID)
}

// Sequence 返回客户端最近一次使用的序号
func (c *Codec) Sequence(clientID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.clients[clientID]; ok {
		return st.seq
	}
	return 0
}

// Stats 返回统计快照
func (c *Codec) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Clients = len(c.clients)
	return s
}

// Decompress 还原消息负载的序列化字节
func Decompress(msg *Message) ([]byte, error) {
	if !msg.Compressed {
		return json.Marshal(msg.Payload)
	}
	encoded, ok := msg.Payload.(string)
	if !ok {
		return nil, fmt.Errorf("compressed payload must be a string, got %T", msg.Payload)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode base64 payload: %w", err)
	}
	comp, err := NewCompressor(msg.Algorithm)
	if err != nil {
		return nil, err
	}
	return comp.Decompress(raw)
}

// Decode 还原消息负载为对象
func Decode(msg *Message) (map[string]any, error) {
	if !msg.Compressed {
		if m, ok := msg.Payload.(map[string]any); ok {
			return m, nil
		}
	}
	data, err := Decompress(msg)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any)
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return out, nil
}

// Marshal 序列化消息信封
func Marshal(msg *Message) ([]byte, error) {
	return json.Marshal(msg)
}

// Unmarshal 解析消息信封
func Unmarshal(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
