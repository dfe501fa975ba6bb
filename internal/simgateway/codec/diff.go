package codec

import (
	stdjson "encoding/json"
	"math"
	"reflect"
	"strconv"

	"github.com/shopspring/decimal"
)

// Diff 计算从 old 到 new 的结构化增量：
// 被删除的 key 输出 nil，变化的标量或数组输出新值，两侧都是 map 的值递归比较，无变化则省略
func Diff(old, new map[string]any) map[string]any {
	out := make(map[string]any)
	for k := range old {
		if _, ok := new[k]; !ok {
			out[k] = nil
		}
	}
	for k, nv := range new {
		ov, ok := old[k]
		if !ok {
			out[k] = clone(nv)
			continue
		}
		om, oldIsMap := ov.(map[string]any)
		nm, newIsMap := nv.(map[string]any)
		if oldIsMap && newIsMap {
			if sub := Diff(om, nm); len(sub) > 0 {
				out[k] = sub
			}
			continue
		}
		if !equal(ov, nv) {
			out[k] = clone(nv)
		}
	}
	return out
}

// Apply 将增量应用到 base 的副本上，nil 值表示删除
func Apply(base, delta map[string]any) map[string]any {
	out := cloneMap(base)
	for k, dv := range delta {
		if dv == nil {
			delete(out, k)
			continue
		}
		dm, deltaIsMap := dv.(map[string]any)
		bm, baseIsMap := out[k].(map[string]any)
		if deltaIsMap && baseIsMap {
			out[k] = Apply(bm, dm)
			continue
		}
		out[k] = clone(dv)
	}
	return out
}

// Merge 将 src 浅合并到 dst 的副本上，用于维护会话级最新快照
func Merge(dst, src map[string]any) map[string]any {
	out := cloneMap(dst)
	for k, v := range src {
		out[k] = clone(v)
	}
	return out
}

func equal(a, b any) bool {
	if fa, ok := nonFinite(a); ok {
		fb, ok := nonFinite(b)
		return ok && (fa == fb || (math.IsNaN(fa) && math.IsNaN(fb)))
	}
	if da, ok := toDecimal(a); ok {
		if db, ok := toDecimal(b); ok {
			return da.Equal(db)
		}
		return false
	}
	switch av := a.(type) {
	case nil:
		return b == nil
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, x := range av {
			y, ok := bv[k]
			if !ok || !equal(x, y) {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(a, b)
	}
}

// nonFinite 识别 NaN 与 ±Inf，decimal 无法表示这类值
func nonFinite(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	default:
		return 0, false
	}
	return f, math.IsNaN(f) || math.IsInf(f, 0)
}

func toDecimal(v any) (decimal.Decimal, bool) {
	if _, ok := nonFinite(v); ok {
		return decimal.Decimal{}, false
	}
	switch n := v.(type) {
	case float64:
		return decimal.NewFromFloat(n), true
	case float32:
		return decimal.NewFromFloat32(n), true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int32:
		return decimal.NewFromInt32(n), true
	case int64:
		return decimal.NewFromInt(n), true
	case uint32:
		return decimal.NewFromInt(int64(n)), true
	case uint64:
		d, err := decimal.NewFromString(strconv.FormatUint(n, 10))
		return d, err == nil
	case stdjson.Number:
		d, err := decimal.NewFromString(string(n))
		return d, err == nil
	case decimal.Decimal:
		return n, true
	default:
		return decimal.Decimal{}, false
	}
}

func clone(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = clone(x[i])
		}
		return out
	default:
		return v
	}
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = clone(v)
	}
	return out
}

// Clone 深拷贝负载
func Clone(m map[string]any) map[string]any {
	return cloneMap(m)
}
