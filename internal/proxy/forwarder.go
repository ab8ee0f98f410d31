package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"sync"
)

// ErrForwardingFailure is matched by every *ForwardError.
var ErrForwardingFailure = errors.New("forwarding failure")

// ForwardError reports that the backend could not be reached or that its
// response stream broke.
type ForwardError struct {
	Method string
	Target string
	Err    error
	// Canceled is set when the inbound request was abandoned by its client.
	// Those failures say nothing about the backend.
	Canceled bool
}

func (e *ForwardError) Error() string {
	return fmt.Sprintf("forward %s %s: %v", e.Method, e.Target, e.Err)
}

func (e *ForwardError) Is(target error) bool {
	return target == ErrForwardingFailure
}

func (e *ForwardError) Unwrap() error {
	return e.Err
}

var errStreamAborted = errors.New("response stream interrupted")

// Readiness is the part of the supervisor the forwarder invalidates.
type Readiness interface {
	MarkUnready()
}

type Recorder interface {
	ForwardFailed()
}

type Options struct {
	Host       string
	Port       int
	Transport  http.RoundTripper
	BufferSize int
	Readiness  Readiness
	Recorder   Recorder
	Logger     *slog.Logger
}

type Forwarder struct {
	target    *url.URL
	proxy     *httputil.ReverseProxy
	readiness Readiness
	recorder  Recorder
	logger    *slog.Logger
}

type errorSlotKey struct{}

// errorSlot carries the transport error out of ReverseProxy.ErrorHandler.
type errorSlot struct {
	err error
}

func NewForwarder(opts Options) *Forwarder {
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.Port == 0 {
		opts.Port = 8080
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 32 * 1024
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	f := &Forwarder{
		target: &url.URL{
			Scheme: "http",
			Host:   net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)),
		},
		readiness: opts.Readiness,
		recorder:  opts.Recorder,
		logger:    opts.Logger,
	}

	f.proxy = &httputil.ReverseProxy{
		Rewrite:        f.rewrite,
		Transport:      opts.Transport,
		FlushInterval:  -1,
		BufferPool:     newBufferPool(opts.BufferSize),
		ModifyResponse: f.modifyResponse,
		ErrorHandler:   f.handleError,
		ErrorLog:       slog.NewLogLogger(opts.Logger.Handler(), slog.LevelWarn),
	}

	return f
}

// Target returns the backend URL r would be sent to.
func (f *Forwarder) Target(r *http.Request) *url.URL {
	u := *f.target
	u.Path = r.URL.Path
	u.RawPath = r.URL.RawPath
	u.RawQuery = r.URL.RawQuery
	return &u
}

// Forward relays r to the backend and streams the response into w. On error
// nothing has been written unless the response stream broke mid-body; either
// way the caller must not write a response of its own.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request) (err error) {
	slot := &errorSlot{}
	out := r.WithContext(context.WithValue(r.Context(), errorSlotKey{}, slot))

	defer func() {
		v := recover()
		if v == nil {
			return
		}
		if v != http.ErrAbortHandler {
			panic(v)
		}
		err = f.fail(r, errStreamAborted)
	}()

	f.proxy.ServeHTTP(w, out)

	if slot.err != nil {
		return f.fail(r, slot.err)
	}
	return nil
}

func (f *Forwarder) fail(r *http.Request, cause error) error {
	ferr := &ForwardError{
		Method:   r.Method,
		Target:   f.Target(r).String(),
		Err:      cause,
		Canceled: r.Context().Err() != nil,
	}

	if ferr.Canceled {
		f.logger.Debug("Client went away during forwarding",
			slog.String("target", ferr.Target),
			slog.String("error", cause.Error()))
		return ferr
	}

	f.logger.Error("Forwarding to backend failed",
		slog.String("method", ferr.Method),
		slog.String("target", ferr.Target),
		slog.String("error", cause.Error()))

	if f.readiness != nil {
		f.readiness.MarkUnready()
	}
	if f.recorder != nil {
		f.recorder.ForwardFailed()
	}

	return ferr
}

func (f *Forwarder) rewrite(pr *httputil.ProxyRequest) {
	pr.SetURL(f.target)
	// Rewrite mode drops X-Forwarded-* and Forwarded; the client's values are kept.
	pr.Out.Header = SanitizeHeader(pr.In.Header)
}

func (f *Forwarder) modifyResponse(res *http.Response) error {
	StripHopByHop(res.Header)
	return nil
}

func (f *Forwarder) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if slot, ok := r.Context().Value(errorSlotKey{}).(*errorSlot); ok {
		slot.err = err
		return
	}
	w.WriteHeader(http.StatusBadGateway)
}

type bufferPool struct {
	size int
	pool sync.Pool
}

func newBufferPool(size int) *bufferPool {
	return &bufferPool{size: size}
}

func (b *bufferPool) Get() []byte {
	if v, ok := b.pool.Get().(*[]byte); ok {
		return *v
	}
	return make([]byte, b.size)
}

func (b *bufferPool) Put(buf []byte) {
	if cap(buf) != b.size {
		return
	}
	buf = buf[:b.size]
	b.pool.Put(&buf)
}
