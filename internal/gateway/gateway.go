package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"airbnb/scraper/internal/proxy"

	"github.com/sethvargo/go-retry"
	log "github.com/sirupsen/logrus"
	"go.uber.org/ratelimit"
	"resty.dev/v3"
)

const (
	DefaultMaxAttempts = 10
	DefaultUserAgent   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
)

type Options struct {
	Currency          string
	APIKey            string
	UserAgent         string
	Timeout           time.Duration
	MaxAttempts       int
	RetryDelay        time.Duration
	RequestsPerSecond int // 0 disables pacing
}

// Fetcher issues one logical request and decodes the JSON answer into out.
type Fetcher interface {
	FetchJSON(ctx context.Context, target string, out any) error
}

// Gateway is safe for concurrent use. The proxy for each attempt travels in
// the request context, so no client state is mutated per request.
type Gateway struct {
	httpClient  *resty.Client
	proxies     proxy.ProxySupplier
	rl          ratelimit.Limiter
	headers     map[string]string
	maxAttempts int
	retryDelay  time.Duration
}

type proxyKey struct{}

func NewGateway(opts Options, proxies proxy.ProxySupplier) *Gateway {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = proxyFromContext
	transport.TLSClientConfig = &tls.Config{
		InsecureSkipVerify: true,
	}

	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RetryDelay < time.Millisecond {
		opts.RetryDelay = time.Millisecond
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}

	client := resty.NewWithClient(&http.Client{Transport: transport}).
		SetTimeout(opts.Timeout).
		SetRetryCount(0)

	rl := ratelimit.NewUnlimited()
	if opts.RequestsPerSecond > 0 {
		rl = ratelimit.New(opts.RequestsPerSecond)
	}

	headers := map[string]string{
		"Accept":     "application/json",
		"User-Agent": opts.UserAgent,
	}
	if opts.Currency != "" {
		headers["x-airbnb-currency"] = opts.Currency
	}
	if opts.APIKey != "" {
		headers["x-airbnb-api-key"] = opts.APIKey
	}

	return &Gateway{
		httpClient:  client,
		proxies:     proxies,
		rl:          rl,
		headers:     headers,
		maxAttempts: opts.MaxAttempts,
		retryDelay:  opts.RetryDelay,
	}
}

// FetchJSON retries transient failures up to the attempt cap, each attempt
// through a new proxy identity. Fatal failures return at once.
func (g *Gateway) FetchJSON(ctx context.Context, target string, out any) error {
	attempts := 0
	var last *FetchError

	backoff := retry.WithMaxRetries(uint64(g.maxAttempts-1),
		retry.WithJitterPercent(20, retry.NewConstant(g.retryDelay)))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		err := g.attempt(ctx, target, out)
		if err == nil {
			return nil
		}

		last = err
		if err.Kind == KindTransient {
			log.Debugf("🔄 Transient failure on attempt %d/%d for %s: %v", attempts, g.maxAttempts, target, err.Err)
			return retry.RetryableError(err)
		}
		return err
	})
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		return &FetchError{Kind: KindFatal, URL: target, Attempts: attempts, Err: fmt.Errorf("request cancelled: %w", ctx.Err())}
	}
	if last == nil {
		return &FetchError{Kind: KindFatal, URL: target, Attempts: attempts, Err: err}
	}

	last.Attempts = attempts
	if last.Kind == KindTransient {
		log.Warnf("🚫 Giving up on %s after %d attempts: %v", target, attempts, last.Err)
		return &FetchError{
			Kind:     KindFatal,
			URL:      target,
			Status:   last.Status,
			Attempts: attempts,
			Err:      fmt.Errorf("retry budget exhausted: %w", last.Err),
		}
	}
	return last
}

func (g *Gateway) attempt(ctx context.Context, target string, out any) *FetchError {
	g.rl.Take()

	reqCtx := ctx
	if proxyURL := g.proxies.Next(); proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return &FetchError{Kind: KindFatal, URL: target, Err: fmt.Errorf("invalid proxy url %s: %w", proxy.Redact(proxyURL), err)}
		}
		reqCtx = context.WithValue(ctx, proxyKey{}, u)
	}

	resp, err := g.httpClient.R().
		SetContext(reqCtx).
		SetHeaders(g.headers).
		Get(target)
	if err != nil {
		if ctx.Err() != nil {
			return &FetchError{Kind: KindFatal, URL: target, Err: fmt.Errorf("request cancelled: %w", ctx.Err())}
		}
		// Handshake failures, resets and timeouts all land here.
		return &FetchError{Kind: KindTransient, URL: target, Err: fmt.Errorf("failed to fetch URL: %w", err)}
	}

	if kind, failed := classifyStatus(resp.StatusCode()); failed {
		return &FetchError{Kind: kind, URL: target, Status: resp.StatusCode(), Err: fmt.Errorf("HTTP error: %s", resp.Status())}
	}

	decoder := json.NewDecoder(strings.NewReader(resp.String()))
	decoder.UseNumber()
	if err := decoder.Decode(out); err != nil {
		return &FetchError{Kind: KindFatal, URL: target, Status: resp.StatusCode(), Err: fmt.Errorf("malformed payload: %w", err)}
	}

	return nil
}

func (g *Gateway) Close() error {
	return g.httpClient.Close()
}

func proxyFromContext(req *http.Request) (*url.URL, error) {
	if u, ok := req.Context().Value(proxyKey{}).(*url.URL); ok {
		return u, nil
	}
	return nil, nil
}

