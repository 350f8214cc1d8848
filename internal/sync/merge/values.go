package merge

import (
	"encoding/json"
	"sort"

	"github.com/learnsync/learnsync/internal/canonical"
	"github.com/learnsync/learnsync/internal/types"
)

func unionKeys(a, b types.Fields) []string {
	seen := make(map[string]bool, len(a)+len(b))
	keys := make([]string, 0, len(a)+len(b))
	for _, src := range []types.Fields{a, b} {
		for k := range src {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// pickNumber returns whichever of a and b is larger (or smaller), keeping
// its original type. Ties return a.
func pickNumber(a, b any, larger bool) (any, bool) {
	af, aok := toNumber(a)
	bf, bok := toNumber(b)
	if !aok || !bok {
		return nil, false
	}
	if larger && bf > af || !larger && bf < af {
		return b, true
	}
	return a, true
}

func toList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

// unionLists returns a's elements then b's elements not already present,
// with duplicates removed by canonical equality.
func unionLists(a, b any) ([]any, bool) {
	al, aok := toList(a)
	bl, bok := toList(b)
	if !aok || !bok {
		return nil, false
	}
	seen := make(map[string]bool, len(al)+len(bl))
	out := make([]any, 0, len(al)+len(bl))
	for _, src := range [][]any{al, bl} {
		for _, v := range src {
			key, err := canonical.Marshal(v)
			if err != nil {
				return nil, false
			}
			if seen[string(key)] {
				continue
			}
			seen[string(key)] = true
			out = append(out, types.Fields{"v": v}.Clone()["v"])
		}
	}
	return out, true
}

func concat(a, b any) (any, bool) {
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		if !ok {
			return nil, false
		}
		if as == bs || bs == "" {
			return as, true
		}
		if as == "" {
			return bs, true
		}
		return as + "\n" + bs, true
	}
	al, aok := toList(a)
	bl, bok := toList(b)
	if !aok || !bok {
		return nil, false
	}
	out := make([]any, 0, len(al)+len(bl))
	out = append(out, al...)
	out = append(out, bl...)
	return types.Fields{"v": out}.Clone()["v"], true
}
