package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/mdembed/internal/xerrors"
)

const (
	DefaultRendererURL  = "https://api.github.com/markdown"
	DefaultTimeout      = 10 * time.Second
	DefaultMaxBodyBytes = 4 << 20
	DefaultUserAgent    = "mdembed"
)

// Response is an upstream status code with the body read as text.
type Response struct {
	Status int
	Body   string
}

// OK reports whether the upstream answered 200.
func (r Response) OK() bool { return r.Status == http.StatusOK }

type Options struct {
	// HTTPClient overrides the instrumented default client. Its Timeout is
	// left alone when set.
	HTTPClient *http.Client

	Timeout      time.Duration
	MaxBodyBytes int64
	UserAgent    string

	// RendererURL receives POST {"text": ...}. Defaults to the GitHub API.
	RendererURL string
	// RendererToken is sent as a bearer token to the renderer only.
	RendererToken string

	// Sanitizer, when set, cleans successful renderer output.
	Sanitizer *Sanitizer

	// AllowedHosts limits Fetch, and every redirect it follows, to these
	// hostnames. Empty allows any host.
	AllowedHosts []string
	// AllowPrivateNetworks lets the default source transport dial loopback,
	// private and link-local addresses. Has no effect when HTTPClient is set.
	AllowPrivateNetworks bool
}

// maxRedirects matches the net/http default.
const maxRedirects = 10

type Client struct {
	hc          *http.Client
	source      *http.Client
	allowed     hostSet
	maxBody     int64
	userAgent   string
	rendererURL string
	token       string
	sanitizer   *Sanitizer
}

func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.RendererURL == "" {
		opts.RendererURL = DefaultRendererURL
	}

	hc := opts.HTTPClient
	var source http.Client
	if hc == nil {
		hc = &http.Client{
			Timeout:   opts.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
		// the renderer is operator configured and may live on a private
		// network, only source fetches get the guarded dialer
		source = http.Client{Timeout: opts.Timeout, Transport: hc.Transport}
		if !opts.AllowPrivateNetworks {
			source.Transport = otelhttp.NewTransport(guardedTransport())
		}
	} else {
		source = *hc
	}
	allowed := newHostSet(opts.AllowedHosts)
	source.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return xerrors.Newf("stopped after %d redirects", maxRedirects)
		}
		return allowed.check(req.URL)
	}

	return &Client{
		hc:          hc,
		source:      &source,
		allowed:     allowed,
		maxBody:     opts.MaxBodyBytes,
		userAgent:   opts.UserAgent,
		rendererURL: opts.RendererURL,
		token:       opts.RendererToken,
		sanitizer:   opts.Sanitizer,
	}
}

// Fetch GETs the raw document at rawURL. Hosts outside AllowedHosts are
// refused before any connection is made.
func (c *Client) Fetch(ctx context.Context, rawURL string) (Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Response{}, xerrors.Wrap(err, "parse source url")
	}
	if err := c.allowed.check(u); err != nil {
		return Response{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return Response{}, xerrors.Wrap(err, "build source request")
	}
	req.Header.Set("Accept", "text/markdown, text/plain;q=0.9, */*;q=0.5")
	return c.do(c.source, req)
}

type renderRequest struct {
	Text string `json:"text"`
}

// Render POSTs markdown to the rendering API and returns its HTML.
func (c *Client) Render(ctx context.Context, markdown string) (Response, error) {
	payload, err := json.Marshal(renderRequest{Text: markdown})
	if err != nil {
		return Response{}, xerrors.Wrap(err, "encode render request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rendererURL, bytes.NewReader(payload))
	if err != nil {
		return Response{}, xerrors.Wrap(err, "build render request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/html")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.do(c.hc, req)
	if err != nil {
		return resp, err
	}
	if resp.OK() && c.sanitizer != nil {
		resp.Body = c.sanitizer.Sanitize(resp.Body)
	}
	return resp, nil
}

func (c *Client) do(hc *http.Client, req *http.Request) (Response, error) {
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := hc.Do(req)
	if err != nil {
		return Response{}, xerrors.Wrapf(err, "%s %s", req.Method, req.URL.Redacted())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return Response{Status: resp.StatusCode}, xerrors.Wrapf(err, "read body from %s", req.URL.Host)
	}
	if int64(len(body)) > c.maxBody {
		return Response{Status: resp.StatusCode}, xerrors.Newf("response from %s exceeds %d bytes", req.URL.Host, c.maxBody)
	}

	return Response{Status: resp.StatusCode, Body: string(body)}, nil
}
