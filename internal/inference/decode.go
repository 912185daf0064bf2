package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Outcome is the result of parsing model output: either a validated value or
// a fallback with the reason the value could not be used.
type Outcome[T any] struct {
	Value  T
	Reason string
	ok     bool
}

func Ok[T any](v T) Outcome[T] {
	return Outcome[T]{Value: v, ok: true}
}

func Fallback[T any](reason string) Outcome[T] {
	return Outcome[T]{Reason: reason}
}

// OK reports whether Value holds a validated result.
func (o Outcome[T]) OK() bool { return o.ok }

// Ask completes p and decodes the reply into T. Transport errors, malformed
// JSON and validation failures all produce a Fallback.
func Ask[T any](ctx context.Context, gw Gateway, p Prompt, validate func(*T) error) Outcome[T] {
	if gw == nil {
		return Fallback[T](ErrUnavailable.Error())
	}
	raw, err := gw.Complete(ctx, p)
	if err != nil {
		return Fallback[T](fmt.Sprintf("gateway: %v", err))
	}
	return Decode(raw, validate)
}

// Decode parses raw model output as JSON into T and runs validate on it.
func Decode[T any](raw string, validate func(*T) error) Outcome[T] {
	text := StripFences(raw)
	if text == "" {
		return Fallback[T]("empty response")
	}
	var v T
	dec := json.NewDecoder(strings.NewReader(text))
	if err := dec.Decode(&v); err != nil {
		return Fallback[T](fmt.Sprintf("malformed json: %v", err))
	}
	if validate != nil {
		if err := validate(&v); err != nil {
			return Fallback[T](fmt.Sprintf("invalid response: %v", err))
		}
	}
	return Ok(v)
}

// StripFences removes a surrounding markdown code fence and any text before
// the first JSON value.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			first := strings.TrimSpace(s[:nl])
			if first == "" || !strings.ContainsAny(first, "{[") {
				s = s[nl+1:]
			}
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	if i := strings.IndexAny(s, "{["); i > 0 {
		s = s[i:]
	}
	return s
}
