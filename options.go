package mcp

import (
	"log/slog"
	"time"
)

// Default engine configuration values.
const (
	// defaultRequestTimeout bounds every outbound request that does not
	// carry its own deadline.
	defaultRequestTimeout = 60 * time.Second
)

// connOptions holds resolved construction-time configuration shared by
// both role facades.
type connOptions struct {
	timeout          time.Duration
	capabilityChecks bool
	logger           *slog.Logger
}

func defaultConnOptions() connOptions {
	return connOptions{
		timeout:          defaultRequestTimeout,
		capabilityChecks: true,
		logger:           slog.Default(),
	}
}

// Option configures a Client or Server at construction time.
type Option func(*connOptions)

// WithRequestTimeout sets the default deadline for outbound requests.
// Individual calls override it via WithTimeout. Values <= 0 are ignored.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *connOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithoutCapabilityChecks disables the pre-send capability gate. Methods
// the peer never negotiated are then sent anyway and fail remotely, if at
// all.
func WithoutCapabilityChecks() Option {
	return func(o *connOptions) {
		o.capabilityChecks = false
	}
}

// WithLogger sets the structured logger for engine diagnostics: dropped
// messages, framing noise, handler failures. Defaults to slog.Default().
// Stdio-based servers should direct it away from stdout.
func WithLogger(l *slog.Logger) Option {
	return func(o *connOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

func resolveOptions(opts ...Option) connOptions {
	o := defaultConnOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// requestOptions holds resolved per-call configuration.
type requestOptions struct {
	timeout         time.Duration
	resetOnProgress bool
	onProgress      func(ProgressParams)
	token           ProgressToken
}

// RequestOption configures a single outbound request.
type RequestOption func(*requestOptions)

// WithTimeout overrides the default request deadline for this call.
// Values <= 0 are ignored.
func WithTimeout(d time.Duration) RequestOption {
	return func(o *requestOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithProgress attaches a progress callback to this call. The engine
// allocates a progress token, injects it into params._meta, and invokes fn
// for every notifications/progress the peer sends with that token. fn runs
// on the dispatch path and must not block.
func WithProgress(fn func(ProgressParams)) RequestOption {
	return func(o *requestOptions) {
		o.onProgress = fn
	}
}

// WithProgressToken supplies the progress token instead of letting the
// engine allocate one. Only meaningful together with WithProgress.
func WithProgressToken(token ProgressToken) RequestOption {
	return func(o *requestOptions) {
		o.token = token
	}
}

// WithProgressReset rearms the request's timeout each time a progress
// notification arrives for it, so long-running operations stay alive as
// long as the peer keeps reporting.
func WithProgressReset() RequestOption {
	return func(o *requestOptions) {
		o.resetOnProgress = true
	}
}

func resolveRequestOptions(defaultTimeout time.Duration, opts ...RequestOption) requestOptions {
	o := requestOptions{timeout: defaultTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
