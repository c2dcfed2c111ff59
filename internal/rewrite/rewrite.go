// Package rewrite removes cache_control fields from Messages API request bodies.
//
// Only two locations are touched: blocks inside messages[i].content and
// blocks of the top-level system array. Values of an unexpected shape at
// either location are left as they are.
package rewrite

import (
	"bytes"
	stdjson "encoding/json"
	"errors"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
)

// Field is the key removed from content and system blocks.
const Field = "cache_control"

// Locations reported by LocationOf.
const (
	LocationMessages = "messages"
	LocationSystem   = "system"
)

// SyntaxError is returned by Strip when the body is not a single JSON document.
type SyntaxError struct {
	Err error
}

func (e *SyntaxError) Error() string {
	return "invalid JSON body: " + e.Err.Error()
}

func (e *SyntaxError) Unwrap() error {
	return e.Err
}

// Result is the outcome of Strip.
type Result struct {
	// Body is the body to forward. It is the input unchanged when nothing
	// was removed.
	Body []byte
	// Removed lists the paths of every removed field, in document order.
	Removed []string
}

// Changed reports whether any field was removed.
func (r *Result) Changed() bool {
	return len(r.Removed) > 0
}

// The request body is modelled one level at a time. Keys this package does
// not touch are carried as raw JSON.
type (
	document map[string]json.RawMessage
	message  map[string]json.RawMessage
	block    map[string]json.RawMessage
)

// Strip parses body and removes cache_control from every content block of
// every message and from every system block.
func Strip(body []byte) (*Result, error) {
	// goccy's Valid accepts trailing data, leading zeros and raw control
	// characters, so the document is checked with the strict validator.
	if !stdjson.Valid(body) {
		var v any
		err := stdjson.Unmarshal(body, &v)
		if err == nil {
			err = errors.New("malformed JSON document")
		}
		return nil, &SyntaxError{Err: err}
	}

	// Valid JSON that is not an object has neither location.
	if trimmed := bytes.TrimLeft(body, " \t\r\n"); trimmed[0] != '{' {
		return &Result{Body: body}, nil
	}

	var doc document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, &SyntaxError{Err: err}
	}

	var removed []string

	if raw, ok := doc["messages"]; ok {
		out, paths, err := stripMessages(raw)
		if err != nil {
			return nil, err
		}
		if len(paths) > 0 {
			doc["messages"] = out
			removed = append(removed, paths...)
		}
	}

	if raw, ok := doc["system"]; ok {
		out, paths, err := stripBlocks(raw, "system")
		if err != nil {
			return nil, err
		}
		if len(paths) > 0 {
			doc["system"] = out
			removed = append(removed, paths...)
		}
	}

	if len(removed) == 0 {
		return &Result{Body: body}, nil
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("rewrite: encode body: %w", err)
	}
	return &Result{Body: out, Removed: removed}, nil
}

func stripMessages(raw json.RawMessage) (json.RawMessage, []string, error) {
	var msgs []json.RawMessage
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return raw, nil, nil
	}

	var removed []string
	for i, m := range msgs {
		var msg message
		if err := json.Unmarshal(m, &msg); err != nil || msg == nil {
			continue
		}
		content, ok := msg["content"]
		if !ok {
			continue
		}

		out, paths, err := stripBlocks(content, fmt.Sprintf("messages[%d].content", i))
		if err != nil {
			return nil, nil, err
		}
		if len(paths) == 0 {
			continue
		}

		msg["content"] = out
		enc, err := json.Marshal(msg)
		if err != nil {
			return nil, nil, fmt.Errorf("rewrite: encode messages[%d]: %w", i, err)
		}
		msgs[i] = enc
		removed = append(removed, paths...)
	}

	if len(removed) == 0 {
		return raw, nil, nil
	}
	out, err := json.Marshal(msgs)
	if err != nil {
		return nil, nil, fmt.Errorf("rewrite: encode messages: %w", err)
	}
	return out, removed, nil
}

// stripBlocks removes Field from every object element of the array raw.
// prefix is the path of the array itself.
func stripBlocks(raw json.RawMessage, prefix string) (json.RawMessage, []string, error) {
	var blocks []json.RawMessage
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return raw, nil, nil
	}

	var removed []string
	for i, b := range blocks {
		var blk block
		if err := json.Unmarshal(b, &blk); err != nil || blk == nil {
			continue
		}
		if _, ok := blk[Field]; !ok {
			continue
		}

		delete(blk, Field)
		enc, err := json.Marshal(blk)
		if err != nil {
			return nil, nil, fmt.Errorf("rewrite: encode %s[%d]: %w", prefix, i, err)
		}
		blocks[i] = enc
		removed = append(removed, fmt.Sprintf("%s[%d].%s", prefix, i, Field))
	}

	if len(removed) == 0 {
		return raw, nil, nil
	}
	out, err := json.Marshal(blocks)
	if err != nil {
		return nil, nil, fmt.Errorf("rewrite: encode %s: %w", prefix, err)
	}
	return out, removed, nil
}

// LocationOf returns LocationMessages or LocationSystem for a path reported in
// Result.Removed.
func LocationOf(path string) string {
	if strings.HasPrefix(path, LocationSystem+"[") {
		return LocationSystem
	}
	return LocationMessages
}
