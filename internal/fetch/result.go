package fetch

import "time"

// Failure classifies why a fetch did not produce a usable body.
type Failure int

const (
	FailureNone        Failure = iota
	FailureTransport           // dial, TLS, protocol or timeout before headers
	FailureHTTP                // non-200 status
	FailureContentType         // 200 with a disallowed Content-Type
	FailureBody                // body read interrupted
	FailureSave                // body read but could not be persisted
)

// String returns a short name for the failure kind.
func (f Failure) String() string {
	switch f {
	case FailureNone:
		return "none"
	case FailureTransport:
		return "transport"
	case FailureHTTP:
		return "http"
	case FailureContentType:
		return "content_type"
	case FailureBody:
		return "body"
	case FailureSave:
		return "save"
	default:
		return "unknown"
	}
}

// Header is one response header kept for the request log.
type Header struct {
	Name  string
	Value string
}

// Result is the outcome of one GET. It is built once and never modified.
type Result struct {
	URL string

	// Code is the HTTP status code, 0 when no response was received.
	Code    int
	Status  string
	Failure Failure
	Err     error

	Body  []byte
	Bytes int64

	TTFB         time.Duration // request start to first response byte
	TimeHeaders  time.Duration // request start to parsed headers
	DownloadTime time.Duration // time spent inside body reads
	ResponseTime time.Duration // request start to body complete

	// Throughput is Bytes*8 / DownloadTime in bits per second, 0 if DownloadTime is 0.
	Throughput float64

	Headers []Header

	// SavedPath is set when the body was persisted.
	SavedPath string
}

// Succeeded reports whether the request returned 200 with an allowed
// content type and a complete body.
func (r Result) Succeeded() bool {
	return r.Failure == FailureNone && r.Code == 200
}

// Header returns the value of a saved header, or "".
func (r Result) Header(name string) string {
	for _, h := range r.Headers {
		if h.Name == name {
			return h.Value
		}
	}
	return ""
}
