package rewrite

import (
	"github.com/tidwall/gjson"
)

// Summary holds a few request attributes worth logging.
type Summary struct {
	Model    string
	Stream   bool
	Messages int
	System   int
}

// Summarize reads Summary fields from a JSON body without decoding it.
// Missing or mistyped fields yield zero values.
func Summarize(body []byte) Summary {
	res := gjson.GetManyBytes(body, "model", "stream", "messages", "system")

	s := Summary{
		Stream: res[1].Type == gjson.True,
	}
	if res[0].Type == gjson.String {
		s.Model = res[0].String()
	}
	if res[2].IsArray() {
		s.Messages = len(res[2].Array())
	}
	if res[3].IsArray() {
		s.System = len(res[3].Array())
	}
	return s
}

// LogAttrs returns s as alternating slog key/value pairs.
func (s Summary) LogAttrs() []any {
	return []any{
		"model", s.Model,
		"stream", s.Stream,
		"messages", s.Messages,
		"system_blocks", s.System,
	}
}
