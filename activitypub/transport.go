package activitypub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/deemkeen/ferri/util"
)

var ErrBodyNotSet = errors.New("body must be set before signing a POST")

// Client is the Transport Client. Each queue worker owns one.
type Client struct {
	http   *http.Client
	signer *Signer
}

type ClientOption func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// WithTimeout sets the request timeout on a copy of the http.Client, so a
// client passed to WithHTTPClient is left untouched.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		h := *c.http
		h.Timeout = d
		c.http = &h
	}
}

func NewClient(signer *Signer, opts ...ClientOption) *Client {
	c := &Client{
		http:   &http.Client{Timeout: 30 * time.Second},
		signer: signer,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Get(rawURL string) *RequestBuilder {
	return &RequestBuilder{client: c, method: http.MethodGet, url: rawURL, header: http.Header{}}
}

func (c *Client) Post(rawURL string) *RequestBuilder {
	return &RequestBuilder{client: c, method: http.MethodPost, url: rawURL, header: http.Header{}}
}

// RequestBuilder collects a request. The body must be set before Sign on a
// POST so the digest covers the bytes that are sent.
type RequestBuilder struct {
	client *Client
	method string
	url    string
	header http.Header
	body   []byte
	keyID  string
	err    error
}

// Activity marks the request as an ActivityPub payload.
func (b *RequestBuilder) Activity() *RequestBuilder {
	b.header.Set("Content-Type", ContentType)
	b.header.Set("Accept", ContentType)
	return b
}

// JSON serializes v as the request body.
func (b *RequestBuilder) JSON(v any) *RequestBuilder {
	buf, err := json.Marshal(v)
	if err != nil {
		return b.fail(fmt.Errorf("failed to encode body: %w", err))
	}
	return b.Body(buf)
}

// Body sets the exact bytes to send.
func (b *RequestBuilder) Body(buf []byte) *RequestBuilder {
	if b.keyID != "" {
		return b.fail(errors.New("body set after signing"))
	}
	if buf == nil {
		buf = []byte{}
	}
	b.body = buf
	return b
}

// Sign requests an HTTP signature with keyID. The Date is generated when
// the request is sent.
func (b *RequestBuilder) Sign(keyID string) *RequestBuilder {
	if b.method == http.MethodPost && b.body == nil {
		return b.fail(ErrBodyNotSet)
	}
	b.keyID = keyID
	return b
}

func (b *RequestBuilder) fail(err error) *RequestBuilder {
	if b.err == nil {
		b.err = err
	}
	return b
}

// Send performs the call. The caller owns the response body.
func (b *RequestBuilder) Send(ctx context.Context) (*http.Response, error) {
	if b.err != nil {
		return nil, b.err
	}
	u, err := url.Parse(b.url)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", b.url, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingHost, b.url)
	}

	var body io.Reader
	if b.body != nil {
		body = bytes.NewReader(b.body)
	}
	req, err := http.NewRequestWithContext(ctx, b.method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range b.header {
		req.Header[k] = v
	}
	req.Header.Set("User-Agent", util.UserAgent())

	if b.keyID != "" {
		if b.client.signer == nil {
			return nil, errors.New("client has no signer")
		}
		var signed []byte
		if b.method != http.MethodGet {
			signed = b.body
		}
		if err := b.client.signer.SignRequest(req, b.keyID, signed); err != nil {
			return nil, fmt.Errorf("failed to sign request: %w", err)
		}
	}

	return b.client.http.Do(req)
}
