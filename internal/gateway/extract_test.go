package gateway

import (
	"encoding/json"
	"testing"
)

func decode(t *testing.T, s string) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal([]byte(s), &env); err != nil {
		t.Fatalf("bad fixture %s: %v", s, err)
	}
	return env
}

func TestExtractThreadID(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"top level camel", `{"threadId":"abc"}`, "abc"},
		{"top level snake", `{"thread_id":"abc"}`, "abc"},
		{"params", `{"method":"turn/start","params":{"threadId":"p1"}}`, "p1"},
		{"result", `{"id":1,"result":{"thread_id":"r1"}}`, "r1"},
		{"turn sub-object", `{"turn":{"threadId":"t1"}}`, "t1"},
		{"item sub-object", `{"item":{"thread_id":"i1"}}`, "i1"},
		{"thread object id", `{"thread":{"id":"th1"}}`, "th1"},
		{"params.turn", `{"params":{"turn":{"threadId":"pt"}}}`, "pt"},
		{"result.thread.id", `{"result":{"thread":{"id":"rt"}}}`, "rt"},
		{"numeric id", `{"threadId":42}`, "42"},
		{"top level wins over params", `{"threadId":"top","params":{"threadId":"nested"}}`, "top"},
		{"params wins over result", `{"params":{"threadId":"p"},"result":{"threadId":"r"}}`, "p"},
		{"direct field wins over sub-object", `{"params":{"threadId":"p","turn":{"threadId":"t"}}}`, "p"},
		{"empty string skipped", `{"threadId":"","params":{"threadId":"p"}}`, "p"},
		{"wrong type ignored", `{"threadId":{"x":1},"params":"nope"}`, ""},
		{"fractional number ignored", `{"threadId":1.5}`, ""},
		{"too deep", `{"params":{"turn":{"item":{"threadId":"deep"}}}}`, ""},
		{"none", `{"method":"account/list"}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractThreadID(decode(t, tt.in)); got != tt.want {
				t.Errorf("ExtractThreadID(%s) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestExtractTurnIDAndMethod(t *testing.T) {
	tests := []struct {
		in         string
		wantTurn   string
		wantMethod string
	}{
		{`{"method":"turn/started","params":{"turn":{"id":"u1","threadId":"a"}}}`, "u1", "turn/started"},
		{`{"turnId":"u2"}`, "u2", ""},
		{`{"result":{"turn_id":"u3"}}`, "u3", ""},
		{`{"method":7}`, "", ""},
	}
	for _, tt := range tests {
		env := decode(t, tt.in)
		if got := ExtractTurnID(env); got != tt.wantTurn {
			t.Errorf("ExtractTurnID(%s) = %q, want %q", tt.in, got, tt.wantTurn)
		}
		if got := ExtractMethod(env); got != tt.wantMethod {
			t.Errorf("ExtractMethod(%s) = %q, want %q", tt.in, got, tt.wantMethod)
		}
	}
}
