package codec

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCodec(t *testing.T, cfg Config) *Codec {
	t.Helper()
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func portfolio(cash float64, qty int) map[string]any {
	return map[string]any{
		"cash": cash,
		"positions": map[string]any{
			"AAPL": map[string]any{"qty": qty, "avg": 101.25},
			"MSFT": map[string]any{"qty": 3, "avg": 310.0},
		},
		"tags": []any{"paper", "us"},
	}
}

func TestFirstMessageIsFullThenDelta(t *testing.T) {
	c := newCodec(t, Config{DeltaEnabled: true})

	first, err := c.Encode("client-1", portfolio(1000, 10))
	require.NoError(t, err)
	assert.Equal(t, MessageTypeFull, first.Type)
	assert.Equal(t, uint64(1), first.Sequence)

	second, err := c.Encode("client-1", portfolio(900, 12))
	require.NoError(t, err)
	assert.Equal(t, MessageTypeDelta, second.Type)
	assert.Equal(t, uint64(2), second.Sequence)
	assert.Equal(t, map[string]any{
		"cash": 900.0,
		"positions": map[string]any{
			"AAPL": map[string]any{"qty": 12},
		},
	}, second.Payload)

	// 其他客户端互不影响
	other, err := c.Encode("client-2", portfolio(900, 12))
	require.NoError(t, err)
	assert.Equal(t, MessageTypeFull, other.Type)
	assert.Equal(t, uint64(1), other.Sequence)
}

func TestDiffSemantics(t *testing.T) {
	old := map[string]any{"a": 1, "b": "x", "gone": true, "arr": []any{1, 2}, "n": map[string]any{"k": 1}}
	new := map[string]any{"a": 1.0, "b": "y", "arr": []any{1, 3}, "n": map[string]any{"k": 1}, "added": "z"}

	d := Diff(old, new)
	assert.Equal(t, map[string]any{
		"b":     "y",
		"gone":  nil,
		"arr":   []any{1, 3},
		"added": "z",
	}, d, "numerically equal values and unchanged nested maps are omitted")
}

func TestDeltaRoundTrip(t *testing.T) {
	cases := []struct {
		p1, p2 map[string]any
	}{
		{portfolio(1000, 10), portfolio(1000, 11)},
		{map[string]any{}, portfolio(1, 1)},
		{portfolio(1, 1), map[string]any{}},
		{map[string]any{"x": map[string]any{"y": 1}}, map[string]any{"x": "scalar"}},
		{map[string]any{"x": "scalar"}, map[string]any{"x": map[string]any{"y": 1}}},
		{map[string]any{"x": map[string]any{"y": 1, "z": 2}}, map[string]any{"x": map[string]any{"z": 3}}},
		{map[string]any{"x": 1}, map[string]any{"x": nil}},
	}

	for i, tc := range cases {
		t.Run(fmt.Sprintf("case-%d", i), func(t *testing.T) {
			got := Apply(tc.p1, Diff(tc.p1, tc.p2))
			assert.Equal(t, withoutNulls(tc.p2), got)
		})
	}
}

func withoutNulls(m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		if v == nil {
			continue
		}
		if sub, ok := v.(map[string]any); ok {
			out[k] = withoutNulls(sub)
			continue
		}
		out[k] = v
	}
	return out
}

func TestSequenceMonotonic(t *testing.T) {
	c := newCodec(t, Config{DeltaEnabled: true})
	var last uint64
	for i := 0; i < 50; i++ {
		if i%7 == 0 {
			c.ResetClient("c")
		}
		if i%11 == 0 {
			c.Advance("c", 2)
		}
		msg, err := c.Encode("c", portfolio(float64(i), i))
		require.NoError(t, err)
		assert.Greater(t, msg.Sequence, last)
		last = msg.Sequence
	}
}

func TestResetClientForcesFull(t *testing.T) {
	c := newCodec(t, Config{DeltaEnabled: true})
	_, _ = c.Encode("c", portfolio(1, 1))
	_, _ = c.Encode("c", portfolio(2, 1))

	c.ResetClient("c")
	msg, err := c.Encode("c", portfolio(2, 1))
	require.NoError(t, err)
	assert.Equal(t, MessageTypeFull, msg.Type)
	assert.Equal(t, uint64(3), msg.Sequence, "reset keeps the sequence")

	c.Forget("c")
	msg, err = c.Encode("c", portfolio(2, 1))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), msg.Sequence)
}

func TestDeltaDisabledAlwaysFull(t *testing.T) {
	c := newCodec(t, Config{DeltaEnabled: false})
	for i := 0; i < 3; i++ {
		msg, err := c.Encode("c", portfolio(1, 1))
		require.NoError(t, err)
		assert.Equal(t, MessageTypeFull, msg.Type)
		assert.Equal(t, uint64(i+1), msg.Sequence)
	}
	c.mu.Lock()
	assert.Nil(t, c.clients["c"].last, "no payload cache without delta mode")
	c.mu.Unlock()
}

func bigPayload() map[string]any {
	return map[string]any{"blob": strings.Repeat("tick,", 400), "n": 1}
}

func TestCompressionRoundTripAboveThreshold(t *testing.T) {
	for _, alg := range []string{"gzip", "zstd", "snappy", "lz4", "brotli"} {
		t.Run(alg, func(t *testing.T) {
			c := newCodec(t, Config{CompressionEnabled: true, CompressionThreshold: 256, Algorithm: alg})

			payload := bigPayload()
			msg, err := c.Encode("c", payload)
			require.NoError(t, err)
			assert.True(t, msg.Compressed)
			assert.Equal(t, alg, msg.Algorithm)

			want, err := json.Marshal(payload)
			require.NoError(t, err)
			assert.Equal(t, len(want), msg.OriginalSize)

			raw, err := Decompress(msg)
			require.NoError(t, err)
			assert.Equal(t, want, raw)

			decoded, err := Decode(msg)
			require.NoError(t, err)
			assert.Equal(t, payload["blob"], decoded["blob"])

			small, err := c.Encode("c2", map[string]any{"n": 1})
			require.NoError(t, err)
			assert.False(t, small.Compressed, "at or below threshold is never compressed")
		})
	}
}

func TestCompressionDisabledNeverCompresses(t *testing.T) {
	c := newCodec(t, Config{CompressionEnabled: false, CompressionThreshold: 1})
	msg, err := c.Encode("c", bigPayload())
	require.NoError(t, err)
	assert.False(t, msg.Compressed)
	assert.Equal(t, msg.OriginalSize, msg.TransmittedSize)
}

type failingCompressor struct{}

func (failingCompressor) Name() string                     { return "broken" }
func (failingCompressor) Compress([]byte) ([]byte, error)   { return nil, errors.New("no memory") }
func (failingCompressor) Decompress([]byte) ([]byte, error) { return nil, errors.New("no memory") }

func TestCompressionFailureSendsUncompressed(t *testing.T) {
	c := newCodec(t, Config{CompressionEnabled: true, CompressionThreshold: 1}).WithCompressor(failingCompressor{})
	msg, err := c.Encode("c", bigPayload())
	require.NoError(t, err)
	assert.False(t, msg.Compressed)
	assert.Equal(t, uint64(1), c.Stats().CompressionFailures)
}

func TestMarshalErrorDoesNotConsumeSequence(t *testing.T) {
	c := newCodec(t, Config{DeltaEnabled: true})
	_, err := c.Encode("c", map[string]any{"bad": make(chan int)})
	require.Error(t, err)
	assert.Zero(t, c.Sequence("c"))
}

func TestNonFiniteNumbersDoNotPanic(t *testing.T) {
	c := newCodec(t, Config{DeltaEnabled: true})
	_, err := c.Encode("c", map[string]any{"px": 1.0})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		_, err = c.Encode("c", map[string]any{"px": math.NaN()})
	})
	require.Error(t, err, "NaN cannot be marshalled")
	assert.Equal(t, uint64(1), c.Sequence("c"))

	assert.Empty(t, Diff(map[string]any{"px": math.NaN()}, map[string]any{"px": math.NaN()}))
	assert.Equal(t, map[string]any{"px": math.Inf(1)}, Diff(map[string]any{"px": 1.0}, map[string]any{"px": math.Inf(1)}))
	assert.Equal(t, map[string]any{"px": 2.0}, Diff(map[string]any{"px": math.Inf(-1)}, map[string]any{"px": 2.0}))
}

func TestStats(t *testing.T) {
	c := newCodec(t, Config{DeltaEnabled: true, CompressionEnabled: true, CompressionThreshold: 256, Algorithm: "gzip"})
	_, _ = c.Encode("a", bigPayload())
	_, _ = c.Encode("a", map[string]any{"n": 2})
	c.Advance("a", 3)

	s := c.Stats()
	assert.Equal(t, uint64(1), s.FullMessages)
	assert.Equal(t, uint64(1), s.DeltaMessages)
	assert.Equal(t, uint64(1), s.CompressedMessages)
	assert.Equal(t, uint64(3), s.SkippedSequences)
	assert.Equal(t, 1, s.Clients)
	assert.Less(t, s.Ratio(), 1.0)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	c := newCodec(t, Config{DeltaEnabled: true})
	msg, err := c.Encode("c", portfolio(5, 5))
	require.NoError(t, err)

	data, err := Marshal(msg)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"FULL"`)

	back, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, msg.Sequence, back.Sequence)
	payload, err := Decode(back)
	require.NoError(t, err)
	assert.Contains(t, payload, "positions")
}

func TestUnsupportedAlgorithm(t *testing.T) {
	_, err := New(Config{CompressionEnabled: true, Algorithm: "rar"})
	assert.Error(t, err)
}
