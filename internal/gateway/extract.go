package gateway

import (
	"strconv"
	"strings"
)

// envelope is a decoded application frame.
type envelope map[string]any

// idStrategy looks for an identifier in one envelope shape.
type idStrategy func(env envelope) string

var (
	threadKeys = []string{"threadId", "thread_id"}
	turnKeys   = []string{"turnId", "turn_id"}
	subObjects = []string{"turn", "item", "thread"}
)

// threadStrategies are tried in order; the first hit wins. Producers vary
// the envelope shape across versions, so any subset may be present.
var threadStrategies = buildStrategies(threadKeys, "thread")

// turnStrategies mirror threadStrategies for turn ids.
var turnStrategies = buildStrategies(turnKeys, "turn")

func buildStrategies(keys []string, selfObject string) []idStrategy {
	s := []idStrategy{
		fieldAt(nil, keys),
		fieldAt([]string{"params"}, keys),
		fieldAt([]string{"result"}, keys),
	}
	for _, root := range [][]string{nil, {"params"}, {"result"}} {
		for _, sub := range subObjects {
			path := append(append([]string{}, root...), sub)
			s = append(s, fieldAt(path, keys))
			if sub == selfObject {
				// {"thread": {"id": "..."}} names the thread itself.
				s = append(s, fieldAt(path, []string{"id"}))
			}
		}
	}
	return s
}

// fieldAt returns a strategy that walks path and reads the first of keys
// holding a usable id.
func fieldAt(path []string, keys []string) idStrategy {
	return func(env envelope) string {
		obj := map[string]any(env)
		for _, p := range path {
			next, ok := obj[p].(map[string]any)
			if !ok {
				return ""
			}
			obj = next
		}
		for _, k := range keys {
			if id := idString(obj[k]); id != "" {
				return id
			}
		}
		return ""
	}
}

func firstMatch(env envelope, strategies []idStrategy) string {
	for _, s := range strategies {
		if id := s(env); id != "" {
			return id
		}
	}
	return ""
}

// ExtractThreadID returns the envelope's thread id, or "".
func ExtractThreadID(env envelope) string { return firstMatch(env, threadStrategies) }

// ExtractTurnID returns the envelope's turn id, or "".
func ExtractTurnID(env envelope) string { return firstMatch(env, turnStrategies) }

// ExtractMethod returns the JSON-RPC method name, or "".
func ExtractMethod(env envelope) string {
	m, _ := env["method"].(string)
	return m
}

func idString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
	}
	return ""
}
