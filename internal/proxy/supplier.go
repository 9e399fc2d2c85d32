package proxy

import (
	"context"
	"crypto/tls"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"resty.dev/v3"
)

// SessionPlaceholder inside a proxy URL is replaced with a fresh session
// token on every Next call, so each request leaves through a new egress identity.
const SessionPlaceholder = "{session}"

// ProxySupplier hands out proxy URLs in round-robin order
type ProxySupplier interface {
	// Next returns a proxy URL for one request, or "" to connect directly.
	Next() string
}

type proxySupplier struct {
	proxies []string
	current int
	mutex   sync.Mutex
}

// NewProxySupplier creates a ProxySupplier. When validate is set, every proxy
// is tested against testURL first and only working ones are kept.
func NewProxySupplier(ctx context.Context, proxies []string, testURL string, validate bool) (ProxySupplier, error) {
	if len(proxies) == 0 || !validate {
		return &proxySupplier{proxies: append([]string(nil), proxies...)}, nil
	}

	validProxies := make([]string, 0, len(proxies))
	validProxiesCh := make(chan string, len(proxies))

	log.Infof("🔄 Testing %d proxies in parallel...", len(proxies))

	semaphore := make(chan struct{}, 50)

	var wg sync.WaitGroup

	for i, proxyURL := range proxies {
		wg.Add(1)

		go func(index int, proxy string) {
			defer wg.Done()

			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			log.Debugf("🔄 Testing proxy %d/%d: %s", index+1, len(proxies), Redact(proxy))

			if isProxyValid(ctx, withSession(proxy), testURL) {
				validProxiesCh <- proxy
				log.Infof("✅ Proxy %s is working", Redact(proxy))
			} else {
				log.Infof("❌ Proxy %s is not working, skipping", Redact(proxy))
			}
		}(i, proxyURL)
	}

	wg.Wait()
	close(validProxiesCh)

	for proxy := range validProxiesCh {
		validProxies = append(validProxies, proxy)
	}

	log.Infof("✅ ProxySupplier initialized with %d working proxies out of %d tested", len(validProxies), len(proxies))

	return &proxySupplier{
		proxies: validProxies,
	}, nil
}

func (p *proxySupplier) Next() string {
	p.mutex.Lock()
	if len(p.proxies) == 0 {
		p.mutex.Unlock()
		return ""
	}
	proxy := p.proxies[p.current]
	p.current = (p.current + 1) % len(p.proxies)
	p.mutex.Unlock()

	return withSession(proxy)
}

// NewSessionToken returns a random session token in the form airbnb_<hex>.
func NewSessionToken() string {
	return "airbnb_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func withSession(proxyURL string) string {
	if !strings.Contains(proxyURL, SessionPlaceholder) {
		return proxyURL
	}
	return strings.ReplaceAll(proxyURL, SessionPlaceholder, NewSessionToken())
}

// Redact hides the credentials part of a proxy URL for logging.
func Redact(proxyURL string) string {
	scheme, rest, ok := strings.Cut(proxyURL, "://")
	if !ok {
		return proxyURL
	}
	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return proxyURL
	}
	return scheme + "://***@" + rest[at+1:]
}

// isProxyValid tests if a proxy can successfully make a request to the test URL
func isProxyValid(ctx context.Context, proxyURL, testURL string) bool {
	client := resty.New().
		SetTimeout(5 * time.Second).
		SetRetryCount(0).
		SetProxy(proxyURL).
		SetTLSClientConfig(&tls.Config{
			InsecureSkipVerify: true,
		})
	defer client.Close()

	resp, err := client.R().
		SetContext(ctx).
		Get(testURL)

	if err != nil {
		log.Infof("Proxy test failed for %s: %v", Redact(proxyURL), err)
		return false
	}

	if resp.IsError() {
		log.Infof("Proxy test failed for %s with status: %s", Redact(proxyURL), resp.Status())
		return false
	}

	return true
}
