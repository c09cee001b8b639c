// Package fetch performs timed HTTP GETs for playlists and media parts.
//
// Every request is measured from a monotonic clock started just before the
// request is sent:
//
//	TTFB         first response byte (httptrace)
//	TimeHeaders  response headers parsed
//	DownloadTime sum of time spent inside body reads
//	ResponseTime body complete
//
// Fetch never returns an error. Transport failures, non-200 responses,
// disallowed content types and interrupted bodies all come back as a
// Result with Failure set, so callers can classify and record them like
// any other response.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/time/rate"
)

const (
	// readChunk is the body read size. It also bounds a single limiter wait.
	readChunk = 32 * 1024

	defaultTimeout = 15 * time.Second
)

// allowedContentTypes are the media types accepted for a 200 response.
var allowedContentTypes = []string{
	"application/vnd.apple.mpegurl",
	"application/x-mpegurl",
	"video/mp4",
}

// savedHeaders are copied into Result.Headers when present, in this order.
var savedHeaders = []string{"cache", "date", "content-type", "traceparent", "x-id", "x-id-fe"}

// Config configures a Fetcher.
type Config struct {
	// Timeout bounds a whole request including the body.
	Timeout time.Duration

	UserAgent string
	Headers   map[string]string

	// HTTP2 enables HTTP/2 on the shared transport when the origin offers it.
	HTTP2 bool

	// SpeedLimitKbps caps the combined body read rate. 0 disables the cap.
	SpeedLimitKbps int

	MaxConnsPerHost int
}

// Fetcher issues GETs through a shared client.
//
// Thread-safe: Fetch may be called from many goroutines.
type Fetcher struct {
	cfg     Config
	logger  *slog.Logger
	limiter *rate.Limiter

	mu     sync.Mutex
	client *http.Client
	gen    uint64

	recreated atomic.Int64
}

// New creates a Fetcher. The HTTP client is created on first use.
func New(cfg Config, logger *slog.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	f := &Fetcher{cfg: cfg, logger: logger}
	if cfg.SpeedLimitKbps > 0 {
		bytesPerSec := float64(cfg.SpeedLimitKbps) * 1000 / 8
		burst := int(bytesPerSec)
		if burst < readChunk {
			burst = readChunk
		}
		f.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), burst)
	}
	return f
}

// clientFor returns the shared client and its generation, creating it if
// the previous one was discarded.
func (f *Fetcher) clientFor() (*http.Client, uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.client == nil {
		f.client = f.newClient()
		f.gen++
		if f.gen > 1 {
			f.recreated.Add(1)
			f.logger.Debug("http_client_recreated", "generation", f.gen)
		}
	}
	return f.client, f.gen
}

// discard drops the client of generation gen. A stale generation is a
// no-op, so concurrent failures on the same client recreate it only once.
func (f *Fetcher) discard(gen uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.client == nil || f.gen != gen {
		return
	}
	f.client.CloseIdleConnections()
	f.client = nil
}

func (f *Fetcher) newClient() *http.Client {
	t := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		MaxConnsPerHost:       f.cfg.MaxConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if f.cfg.HTTP2 {
		t2, err := http2.ConfigureTransports(t)
		if err != nil {
			f.logger.Warn("http2_configure_failed", "error", err)
		} else {
			t2.ReadIdleTimeout = 30 * time.Second
			t2.PingTimeout = 10 * time.Second
		}
	}
	return &http.Client{Transport: t}
}

// Close releases idle connections of the current client.
func (f *Fetcher) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client != nil {
		f.client.CloseIdleConnections()
	}
}

// Recreated returns how many times the client was rebuilt after a
// transport failure.
func (f *Fetcher) Recreated() int64 {
	return f.recreated.Load()
}

// Fetch GETs rawURL. If savePath is not empty, the body is streamed into
// a pending file that replaces savePath atomically once the body is
// complete.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, savePath string) Result {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	var ttfb atomic.Int64
	start := time.Now()
	trace := &httptrace.ClientTrace{
		GotFirstResponseByte: func() {
			ttfb.Store(int64(time.Since(start)))
		},
	}

	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace), http.MethodGet, rawURL, nil)
	if err != nil {
		return Result{
			URL:     rawURL,
			Status:  "ERROR " + err.Error(),
			Failure: FailureTransport,
			Err:     err,
		}
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}
	for k, v := range f.cfg.Headers {
		req.Header.Set(k, v)
	}

	client, gen := f.clientFor()
	resp, err := client.Do(req)
	if err != nil {
		f.discard(gen)
		return Result{
			URL:          rawURL,
			Status:       "ERROR " + shortError(err),
			Failure:      FailureTransport,
			Err:          err,
			ResponseTime: time.Since(start),
		}
	}
	defer resp.Body.Close()

	r := Result{
		URL:         rawURL,
		Code:        resp.StatusCode,
		TTFB:        time.Duration(ttfb.Load()),
		TimeHeaders: time.Since(start),
		Headers:     pickHeaders(resp.Header),
	}

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		r.Status = fmt.Sprintf("ERROR %d", resp.StatusCode)
		r.Failure = FailureHTTP
		r.Err = fmt.Errorf("unexpected status %s", resp.Status)
		r.ResponseTime = r.TimeHeaders
		return r
	}

	ct := resp.Header.Get("Content-Type")
	if !contentTypeAllowed(ct) {
		r.Status = "ERROR Invalid " + ct
		r.Failure = FailureContentType
		r.Err = fmt.Errorf("content type %q not allowed", ct)
		r.ResponseTime = r.TimeHeaders
		return r
	}

	var sink *pendingSave
	if savePath != "" {
		sink, err = newPendingSave(savePath)
		if err != nil {
			r.Status = "ERROR save " + err.Error()
			r.Failure = FailureSave
			r.Err = err
			r.ResponseTime = time.Since(start)
			return r
		}
		defer sink.cleanup()
	}

	body, readTime, err := f.readBody(ctx, resp.Body, sink)
	r.ResponseTime = time.Since(start)
	r.Body = body
	r.Bytes = int64(len(body))
	r.DownloadTime = readTime
	if readTime > 0 {
		r.Throughput = float64(r.Bytes*8) / readTime.Seconds()
	}

	if err != nil {
		if !errors.Is(err, errSaveWrite) {
			f.discard(gen)
			r.Code = 0
			r.Failure = FailureBody
		} else {
			r.Failure = FailureSave
		}
		r.Status = "ERROR " + shortError(err)
		r.Err = err
		return r
	}

	if sink != nil {
		if err := sink.commit(); err != nil {
			r.Status = "ERROR save " + err.Error()
			r.Failure = FailureSave
			r.Err = err
			return r
		}
		r.SavedPath = savePath
	}

	r.Status = "OK"
	return r
}

var errSaveWrite = errors.New("write to save file")

// readBody reads the whole body. Only the time spent inside Read counts as
// download time; speed-limit waits and file writes are excluded.
func (f *Fetcher) readBody(ctx context.Context, body io.Reader, sink *pendingSave) ([]byte, time.Duration, error) {
	var (
		out     []byte
		elapsed time.Duration
		buf     = make([]byte, readChunk)
	)
	for {
		t0 := time.Now()
		n, err := body.Read(buf)
		elapsed += time.Since(t0)

		if n > 0 {
			out = append(out, buf[:n]...)
			if sink != nil {
				if _, werr := sink.Write(buf[:n]); werr != nil {
					return out, elapsed, fmt.Errorf("%w: %v", errSaveWrite, werr)
				}
			}
			if f.limiter != nil {
				if lerr := f.limiter.WaitN(ctx, n); lerr != nil {
					return out, elapsed, lerr
				}
			}
		}
		if err == io.EOF {
			return out, elapsed, nil
		}
		if err != nil {
			return out, elapsed, err
		}
	}
}

func contentTypeAllowed(ct string) bool {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	for _, allowed := range allowedContentTypes {
		if strings.EqualFold(mt, allowed) {
			return true
		}
	}
	return false
}

func pickHeaders(h http.Header) []Header {
	var out []Header
	for _, name := range savedHeaders {
		if v := h.Get(name); v != "" {
			out = append(out, Header{Name: name, Value: v})
		}
	}
	return out
}

// shortError strips the "Get \"url\": " prefix net/http puts on errors.
func shortError(err error) string {
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Err != nil {
		return uerr.Err.Error()
	}
	return err.Error()
}
