package payload

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
)

// FormField is the form parameter that carries the event document when the
// sender posts url-encoded or multipart bodies.
const FormField = "payload"

// DefaultMaxBody caps how much of a request body is read.
const DefaultMaxBody int64 = 25 << 20

// ErrTooLarge is returned when the body exceeds the configured limit.
var ErrTooLarge = errors.New("request body too large")

// Request is the request-local view of an incoming event body. The payload
// string and the decoded tree are computed at most once. A Request is not
// safe for concurrent use; it lives for a single request.
type Request struct {
	form string
	body []byte

	resolved  bool
	payload   string
	hasString bool

	decoded bool
	tree    Tree
	treeErr error
}

// NewRequest builds a Request from an already-read body and the value of the
// form field, which may be empty.
func NewRequest(body []byte, formValue string) *Request {
	return &Request{form: formValue, body: body}
}

// FromHTTP reads the body of r once and extracts the form field. The body is
// restored on r so later readers see the same bytes. A non-positive maxBytes
// uses DefaultMaxBody.
func FromHTTP(r *http.Request, maxBytes int64) (*Request, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBody
	}
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(io.LimitReader(r.Body, maxBytes+1))
		_ = r.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		if int64(len(body)) > maxBytes {
			return nil, ErrTooLarge
		}
	}

	r.Body = io.NopCloser(bytes.NewReader(body))
	form := formValue(r, body)
	r.Body = io.NopCloser(bytes.NewReader(body))

	return NewRequest(body, form), nil
}

// formValue extracts FormField from the already-read body. Url-encoded
// bodies are parsed directly so the body limit, not the 10 MB cap of
// ParseForm, applies. Parse errors leave the field empty.
func formValue(r *http.Request, body []byte) string {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/x-www-form-urlencoded" {
		values, _ := url.ParseQuery(string(body))
		if v := values.Get(FormField); v != "" {
			return v
		}
		return r.URL.Query().Get(FormField)
	}
	return r.FormValue(FormField)
}

// Payload returns the event document as a string. The form field wins when
// non-empty, then the raw body. ok is false when neither is present.
func (r *Request) Payload() (string, bool) {
	if !r.resolved {
		r.resolved = true
		switch {
		case r.form != "":
			r.payload, r.hasString = r.form, true
		case len(r.body) > 0:
			r.payload, r.hasString = string(r.body), true
		}
	}
	return r.payload, r.hasString
}

// Tree decodes the payload on first use. Decode failures are returned to the
// caller with an absent tree; they are never fatal to the request.
func (r *Request) Tree() (Tree, error) {
	if !r.decoded {
		r.decoded = true
		s, ok := r.Payload()
		if !ok {
			r.treeErr = ErrEmpty
		} else {
			r.tree, r.treeErr = Decode(s)
		}
	}
	return r.tree, r.treeErr
}
