package types

import (
	"context"
	"net/http"
	"net/url"
	"strings"
)

const (
	DestinationImage    = "image"
	DestinationDocument = "document"

	ModeNavigate = "navigate"
)

type ResponseSource string

const (
	SourceNetwork     ResponseSource = "network"
	SourceCache       ResponseSource = "cache"
	SourceOffline     ResponseSource = "offline"
	SourcePassthrough ResponseSource = "passthrough"
)

// Request is an intercepted outbound request.
type Request struct {
	Method      string
	URL         *url.URL
	Header      http.Header
	Body        []byte
	Destination string
	Mode        string
}

// Key is the canonical cache identity of the request: method plus URL
// without the fragment.
func (r *Request) Key() string {
	if r == nil || r.URL == nil {
		return ""
	}

	u := *r.URL
	u.Fragment = ""
	u.RawFragment = ""

	return strings.ToUpper(r.Method) + " " + u.String()
}

func (r *Request) IsNavigation() bool {
	return r.Mode == ModeNavigate || r.Destination == DestinationDocument
}

type Response struct {
	StatusCode int
	StatusText string
	Header     http.Header
	Body       []byte
	Source     ResponseSource
}

func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}

	clone := &Response{
		StatusCode: r.StatusCode,
		StatusText: r.StatusText,
		Header:     r.Header.Clone(),
		Source:     r.Source,
	}

	if r.Body != nil {
		clone.Body = make([]byte, len(r.Body))
		copy(clone.Body, r.Body)
	}

	return clone
}

// Fetcher performs the real network request. A returned error means the
// request never produced a response; any HTTP status is a response.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}
