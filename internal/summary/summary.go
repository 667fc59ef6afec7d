// Package summary builds the per-event metadata that accompanies each
// dispatch log line. Extraction is best effort: any failure yields an empty
// summary and a recoverable error, never a panic.
package summary

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/kehao95/gh-listener/internal/event"
	"github.com/kehao95/gh-listener/internal/payload"
)

const shortSHA = 7

// Failure kinds, used as labels when a Result is recovered.
const (
	KindDecode  = "decode"
	KindExtract = "extract"
)

var (
	// ErrDecode marks a payload that could not be decoded.
	ErrDecode = errors.New("decode payload")
	// ErrExtract marks a decoded payload missing the expected shape.
	ErrExtract = errors.New("extract summary")

	errNullDocument = errors.New("payload is null")
)

// Summary maps field names to values. Fields that could not be resolved are
// present with a nil value.
type Summary map[string]any

// Decoder yields the decoded payload tree.
type Decoder interface {
	Tree() (payload.Tree, error)
}

// Result is either a summary or a recovered failure. When Err is set the
// summary is empty and the caller decides how to report it.
type Result struct {
	Summary Summary
	Err     error
}

// Recovered reports whether extraction failed and was replaced by an empty
// summary.
func (r Result) Recovered() bool {
	return r.Err != nil
}

// Kind labels a recovered failure.
func (r Result) Kind() string {
	switch {
	case errors.Is(r.Err, ErrDecode):
		return KindDecode
	case r.Err != nil:
		return KindExtract
	default:
		return ""
	}
}

// Extract decodes the payload and builds the summary for eventType. Types
// without rules produce an empty summary once the payload has decoded.
func Extract(eventType string, src Decoder) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			res = recovered(fmt.Errorf("%w: panic: %v", ErrExtract, p))
		}
	}()

	tree, err := src.Tree()
	if err == nil && !tree.Present() {
		err = errNullDocument
	}
	if err != nil {
		return recovered(fmt.Errorf("%w: %w", ErrDecode, err))
	}

	var s Summary
	switch eventType {
	case event.TypePullRequest:
		s, err = pullRequest(tree)
	case event.TypePush:
		s, err = push(tree)
	default:
		s = Summary{}
	}
	if err != nil {
		return recovered(fmt.Errorf("%w: %s: %w", ErrExtract, eventType, err))
	}
	return Result{Summary: s}
}

func recovered(err error) Result {
	return Result{Summary: Summary{}, Err: err}
}

func pullRequest(tree payload.Tree) (Summary, error) {
	if !tree.Root().IsObject() {
		return nil, fieldError("document")
	}
	pr, err := object(tree.Root(), "pull_request")
	if err != nil {
		return nil, err
	}
	head, err := object(pr, "head")
	if err != nil {
		return nil, fmt.Errorf("pull_request.%w", err)
	}
	sha, ok := head.Get("sha").Str()
	if !ok {
		return nil, fieldError("pull_request.head.sha")
	}
	user, err := object(pr, "user")
	if err != nil {
		return nil, fmt.Errorf("pull_request.%w", err)
	}

	var source any
	if repo := head.Get("repo"); repo.IsObject() {
		source = repo.Get("full_name").Interface()
	}

	return Summary{
		"number": tree.Get("number").Interface(),
		"action": tree.Get("action").Interface(),
		"source": source,
		"head":   short(sha),
		"ref":    head.Get("ref").Interface(),
		"user":   user.Get("login").Interface(),
	}, nil
}

func push(tree payload.Tree) (Summary, error) {
	if !tree.Root().IsObject() {
		return nil, fieldError("document")
	}

	var head any
	if hc := tree.Get("head_commit"); hc.Present() {
		if !hc.IsObject() {
			return nil, fieldError("head_commit")
		}
		id, ok := hc.Get("id").Str()
		if !ok {
			return nil, fieldError("head_commit.id")
		}
		head = short(id)
	}

	var ids []string
	if commits := tree.Get("commits"); commits.Present() {
		if !commits.IsArray() {
			return nil, fieldError("commits")
		}
		for i, commit := range commits.Array() {
			id, ok := commit.Get("id").Str()
			if !ok {
				return nil, fieldError(fmt.Sprintf("commits.%d.id", i))
			}
			ids = append(ids, short(id))
		}
	}

	return Summary{
		"ref":     tree.Get("ref").Interface(),
		"head":    head,
		"commits": strings.Join(ids, ","),
	}, nil
}

func object(parent payload.Value, key string) (payload.Value, error) {
	v := parent.Get(key)
	if !v.IsObject() {
		return payload.Value{}, fieldError(key)
	}
	return v, nil
}

func fieldError(path string) error {
	return fmt.Errorf("%s: missing or malformed", path)
}

// short returns the first shortSHA characters of id without splitting a
// multi-byte rune.
func short(id string) string {
	end := 0
	for n := 0; n < shortSHA && end < len(id); n++ {
		_, size := utf8.DecodeRuneInString(id[end:])
		end += size
	}
	return id[:end]
}
