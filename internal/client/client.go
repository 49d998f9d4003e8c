// Package client talks to the pool, proxy or wallet serving mining info.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Version is reported in the user agent.
var Version = "dev"

// Options configure a Client.
type Options struct {
	SecretPhrases     map[uint64]string
	Timeout           time.Duration
	TotalSizeGiB      uint64
	SendProxyDetails  bool
	AdditionalHeaders map[string]string
}

// Client issues mining info and nonce submission requests.
type Client struct {
	base    *url.URL
	http    *http.Client
	secrets map[uint64]string
	headers http.Header
}

// Submission is a nonce to submit with its deadlines.
type Submission struct {
	AccountID          uint64
	Nonce              uint64
	Height             uint64
	DeadlineUnadjusted uint64
	Deadline           uint64
}

// New creates a client for the pool at baseURL.
func New(baseURL string, opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", baseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("url %q must use http or https", baseURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}

	return &Client{
		base:    base,
		http:    &http.Client{Timeout: opts.Timeout},
		secrets: opts.SecretPhrases,
		headers: submitHeaders(opts),
	}, nil
}

func userAgent() string {
	return "Scavenger/" + Version
}

func submitHeaders(opts Options) http.Header {
	h := make(http.Header)
	ua := userAgent()
	h.Set("User-Agent", ua)
	if opts.SendProxyDetails {
		host, _ := os.Hostname()
		h.Set("X-Capacity", strconv.FormatUint(opts.TotalSizeGiB, 10))
		h.Set("X-Miner", ua)
		h.Set("X-Minername", host)
		h.Set("X-Plotfile", "ScavengerProxy/"+host)
	}
	for k, v := range opts.AdditionalHeaders {
		h.Set(k, v)
	}
	return h
}

// GetMiningInfo fetches the current block.
func (c *Client) GetMiningInfo(ctx context.Context) (*MiningInfo, error) {
	q := url.Values{}
	q.Set("requestType", "getMiningInfo")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(q), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent())

	var resp miningInfoResponse
	if err := c.do(req, "get mining info", &resp); err != nil {
		return nil, err
	}
	return resp.info(), nil
}

// SubmitNonce submits s and returns the deadline computed by the pool.
// The unadjusted deadline is only sent to pools, which are recognized by the
// missing secret phrase.
func (c *Client) SubmitNonce(ctx context.Context, s Submission) (uint64, error) {
	q := url.Values{}
	q.Set("requestType", "submitNonce")
	q.Set("accountId", strconv.FormatUint(s.AccountID, 10))
	q.Set("nonce", strconv.FormatUint(s.Nonce, 10))
	secret, solo := c.secrets[s.AccountID]
	if solo {
		q.Set("secretPhrase", secret)
	}
	q.Set("blockheight", strconv.FormatUint(s.Height, 10))
	if !solo {
		q.Set("deadline", strconv.FormatUint(s.DeadlineUnadjusted, 10))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(q), nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header = c.headers.Clone()
	req.Header.Set("X-Deadline", strconv.FormatUint(s.Deadline, 10))

	var resp submitNonceResponse
	if err := c.do(req, "submit nonce", &resp); err != nil {
		return 0, err
	}
	return uint64(*resp.Deadline), nil
}

func (c *Client) endpoint(q url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/burst"
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) do(req *http.Request, op string, v interface{ complete() bool }) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if pe := poolErrorFrom(body); pe != nil {
			return pe
		}
		return &TransportError{Op: op, Err: fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}

	return parseResult(body, v)
}

// IsRetryable reports whether err is a transport failure worth retrying.
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
