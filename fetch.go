package authkernel

import (
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
)

// Matcher selects request URLs for an interceptor.
type Matcher interface {
	Match(u *url.URL) bool
}

// MatcherFunc adapts a function to Matcher.
type MatcherFunc func(u *url.URL) bool

// Match calls f.
func (f MatcherFunc) Match(u *url.URL) bool { return f(u) }

// Contains matches URLs whose string form contains s.
func Contains(s string) Matcher {
	return MatcherFunc(func(u *url.URL) bool {
		return strings.Contains(u.String(), s)
	})
}

// Prefix matches URLs whose string form starts with s.
func Prefix(s string) Matcher {
	return MatcherFunc(func(u *url.URL) bool {
		return strings.HasPrefix(u.String(), s)
	})
}

// Pattern matches URLs whose string form matches re.
func Pattern(re *regexp.Regexp) Matcher {
	return MatcherFunc(func(u *url.URL) bool {
		return re.MatchString(u.String())
	})
}

// FetchOptions is the resolved configuration of one interceptor.
type FetchOptions struct {
	Transport    http.RoundTripper
	HeaderName   string
	HeaderPrefix string
	Include      []Matcher
	Exclude      []Matcher
	Retry401     bool
	MaxRetries   int
	// On401 is called before the refresh triggered by a 401.
	On401 func(req *http.Request)
}

// FetchOption adjusts FetchOptions on top of the kernel's Fetch config.
type FetchOption func(*FetchOptions)

// WithTransport sets the base transport. Default http.DefaultTransport.
func WithTransport(rt http.RoundTripper) FetchOption {
	return func(o *FetchOptions) { o.Transport = rt }
}

// WithHeader sets the credential header name and value prefix.
func WithHeader(name, prefix string) FetchOption {
	return func(o *FetchOptions) {
		o.HeaderName = name
		o.HeaderPrefix = prefix
	}
}

// WithInclude restricts interception to matching URLs.
func WithInclude(m ...Matcher) FetchOption {
	return func(o *FetchOptions) { o.Include = append(o.Include, m...) }
}

// WithExclude exempts matching URLs. Exclusion wins over inclusion.
func WithExclude(m ...Matcher) FetchOption {
	return func(o *FetchOptions) { o.Exclude = append(o.Exclude, m...) }
}

// WithRetry401 toggles the refresh-and-replay reaction to 401.
func WithRetry401(enabled bool) FetchOption {
	return func(o *FetchOptions) { o.Retry401 = enabled }
}

// WithMaxRetries sets the 401 retry budget. Any positive value allows exactly
// one replay per request; zero disables replay.
func WithMaxRetries(n int) FetchOption {
	return func(o *FetchOptions) { o.MaxRetries = n }
}

// WithOn401 registers a callback run before the refresh triggered by a 401.
func WithOn401(fn func(req *http.Request)) FetchOption {
	return func(o *FetchOptions) { o.On401 = fn }
}

func (o *FetchOptions) applies(u *url.URL) bool {
	if u == nil {
		return false
	}
	for _, m := range o.Exclude {
		if m.Match(u) {
			return false
		}
	}
	if len(o.Include) == 0 {
		return true
	}
	for _, m := range o.Include {
		if m.Match(u) {
			return true
		}
	}
	return false
}

func (o *FetchOptions) base() http.RoundTripper {
	if o.Transport != nil {
		return o.Transport
	}
	return http.DefaultTransport
}

// FetchInterceptor is the built-in fetch-interceptor plugin. It builds
// credential-injecting transports and optionally wraps existing clients.
type FetchInterceptor struct {
	kernel *Kernel
	logger *slog.Logger

	mu      sync.Mutex
	wrapped map[*http.Client]http.RoundTripper
}

// NewFetchInterceptor returns an interceptor plugin.
func NewFetchInterceptor() *FetchInterceptor {
	return &FetchInterceptor{wrapped: make(map[*http.Client]http.RoundTripper)}
}

func (f *FetchInterceptor) Name() string    { return PluginFetchInterceptor }
func (f *FetchInterceptor) Version() string { return Version }
func (f *FetchInterceptor) Kind() Kind      { return KindFetch }

// Install binds the interceptor to k.
func (f *FetchInterceptor) Install(k *Kernel) (any, error) {
	f.kernel = k
	f.logger = k.logger.With("plugin", PluginFetchInterceptor)
	return f, nil
}

// Uninstall restores every client wrapped by WrapFetch.
func (f *FetchInterceptor) Uninstall() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for client, prior := range f.wrapped {
		client.Transport = prior
		delete(f.wrapped, client)
	}
	return nil
}

func (f *FetchInterceptor) resolve(opts []FetchOption) FetchOptions {
	cfg := f.kernel.Options().Fetch
	resolved := FetchOptions{
		HeaderName:   cfg.HeaderName,
		HeaderPrefix: cfg.HeaderPrefix,
		Retry401:     cfg.Retry401,
		MaxRetries:   cfg.MaxRetries,
	}
	for _, s := range cfg.Include {
		resolved.Include = append(resolved.Include, Contains(s))
	}
	for _, s := range cfg.Exclude {
		resolved.Exclude = append(resolved.Exclude, Contains(s))
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&resolved)
		}
	}
	if resolved.HeaderName == "" {
		resolved.HeaderName = "Authorization"
	}
	return resolved
}

// RoundTripper returns a transport that injects the current access token.
func (f *FetchInterceptor) RoundTripper(opts ...FetchOption) http.RoundTripper {
	return &authTransport{
		kernel: f.kernel,
		logger: f.logger,
		opts:   f.resolve(opts),
	}
}

// CreateFetch returns a new client using RoundTripper(opts...).
func (f *FetchInterceptor) CreateFetch(opts ...FetchOption) *http.Client {
	return &http.Client{Transport: f.RoundTripper(opts...)}
}

// WrapFetch replaces client's transport with an intercepting one. A nil client
// means http.DefaultClient. The first wrap records the client's original
// transport, which later wraps keep as their base and UnwrapFetch restores.
// Wrap a client before sharing it between goroutines.
func (f *FetchInterceptor) WrapFetch(client *http.Client, opts ...FetchOption) *http.Client {
	if client == nil {
		client = http.DefaultClient
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	prior, saved := f.wrapped[client]
	if !saved {
		prior = client.Transport
		f.wrapped[client] = prior
	}

	withBase := make([]FetchOption, 0, len(opts)+1)
	withBase = append(withBase, WithTransport(prior))
	withBase = append(withBase, opts...)
	client.Transport = f.RoundTripper(withBase...)
	return client
}

// UnwrapFetch restores the transport recorded by the first WrapFetch. It
// reports whether client was wrapped.
func (f *FetchInterceptor) UnwrapFetch(client *http.Client) bool {
	if client == nil {
		client = http.DefaultClient
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	prior, saved := f.wrapped[client]
	if !saved {
		return false
	}
	client.Transport = prior
	delete(f.wrapped, client)
	return true
}

var _ FetchAPI = (*FetchInterceptor)(nil)

type authTransport struct {
	kernel *Kernel
	logger *slog.Logger
	opts   FetchOptions
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.opts.base()
	if !t.opts.applies(req.URL) {
		return base.RoundTrip(req)
	}

	resp, err := base.RoundTrip(t.authorize(req, t.kernel.AccessToken()))
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	t.kernel.metrics.Inc(MetricFetchUnauthorized)
	if !t.opts.Retry401 || t.opts.MaxRetries <= 0 {
		return resp, nil
	}
	if !replayable(req) {
		t.logger.Debug("401 response not replayed, request body cannot be rewound", "url", redact(req.URL))
		return resp, nil
	}

	if t.opts.On401 != nil {
		t.opts.On401(req)
	}
	if _, err := t.kernel.Refresh(req.Context()); err != nil {
		t.logger.Debug("refresh after 401 failed, returning original response", "url", redact(req.URL), "error", err)
		return resp, nil
	}
	token := t.kernel.AccessToken()
	if token == "" {
		return resp, nil
	}

	retryReq := t.authorize(req, token)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return resp, nil
		}
		retryReq.Body = body
	}

	drain(resp)
	retryResp, err := base.RoundTrip(retryReq)
	if err == nil && retryResp.StatusCode != http.StatusUnauthorized {
		t.kernel.metrics.Inc(MetricFetchRecovered)
	}
	return retryResp, err
}

// authorize returns a clone of req carrying the credential header. req itself
// is never modified.
func (t *authTransport) authorize(req *http.Request, token string) *http.Request {
	out := req.Clone(req.Context())
	if token != "" {
		out.Header.Set(t.opts.HeaderName, t.opts.HeaderPrefix+token)
	}
	return out
}

func replayable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

func redact(u *url.URL) string {
	if u == nil {
		return ""
	}
	clean := *u
	clean.RawQuery = ""
	clean.User = nil
	return clean.String()
}
