package analyzers

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/likexian/whois"

	"github.com/Ashfaaq98/owl-runtime/internal/cache"
	"github.com/Ashfaaq98/owl-runtime/internal/config"
	"github.com/Ashfaaq98/owl-runtime/internal/faults"
	"github.com/Ashfaaq98/owl-runtime/internal/invoker"
	"github.com/Ashfaaq98/owl-runtime/internal/normalize"
	"github.com/Ashfaaq98/owl-runtime/internal/plugins"
)

const (
	whoisCacheTTL = 24 * time.Hour
	whoisAttempts = 3
)

// WhoisLookup returns the raw whois text for a domain.
type WhoisLookup interface {
	Whois(ctx context.Context, domain string) (string, error)
}

// NetWhois queries whois servers over port 43, rate limited.
type NetWhois struct {
	client  *whois.Client
	limiter *invoker.RateLimiter
}

// NewNetWhois returns a lookup allowing rps queries per second.
func NewNetWhois(timeout time.Duration, rps int) *NetWhois {
	return &NetWhois{
		client:  whois.NewClient().SetTimeout(timeout),
		limiter: invoker.NewRateLimiter(rps, rps),
	}
}

func (n *NetWhois) Whois(ctx context.Context, domain string) (string, error) {
	if err := n.limiter.Wait(ctx); err != nil {
		return "", err
	}
	type answer struct {
		raw string
		err error
	}
	ch := make(chan answer, 1)
	go func() {
		raw, err := n.client.Whois(domain)
		ch <- answer{raw, err}
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case a := <-ch:
		return a.raw, a.err
	}
}

// Whois looks up registration data for domain and URL observables.
type Whois struct {
	base
	lookup WhoisLookup
	cache  cache.Cache
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewWhois(def config.PluginDefinition, deps Deps) (*Whois, error) {
	lookup := deps.Whois
	if lookup == nil {
		lookup = NewNetWhois(30*time.Second, 2)
	}
	return &Whois{base: newBase(def, deps), lookup: lookup, cache: deps.Cache, sleep: sleepCtx}, nil
}

func (w *Whois) InputType() config.InputType { return config.InputObservable }

func (w *Whois) Prepare(req plugins.ExecutionRequest) error {
	switch req.Target.Classification {
	case plugins.ClassificationDomain, plugins.ClassificationURL:
	default:
		return faults.New(faults.KindInvalidRequest,
			fmt.Sprintf("classification %q is not supported by whois", req.Target.Classification))
	}
	if domainFromString(req.Target.Observable) == "" {
		return faults.New(faults.KindInvalidRequest, "no domain in "+req.Target.Observable)
	}
	return nil
}

// domainFromString extracts the host from a URL or bare domain, without
// port or leading www.
func domainFromString(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil || u.Hostname() == "" {
			return ""
		}
		s = u.Hostname()
	} else {
		s = strings.SplitN(s, "/", 2)[0]
		if host, _, err := net.SplitHostPort(s); err == nil {
			s = host
		}
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "www."), ".")
	if !strings.Contains(s, ".") || net.ParseIP(s) != nil {
		return ""
	}
	return s
}

func (w *Whois) Invoke(ctx context.Context, req plugins.ExecutionRequest, _ plugins.Resources) (*plugins.RawOutput, error) {
	domain := domainFromString(req.Target.Observable)
	key := "whois:" + domain
	meta := map[string]string{"domain": domain}
	if w.cache != nil {
		if raw, ok := w.cache.Get(ctx, key); ok {
			meta["cached"] = "true"
			return &plugins.RawOutput{Data: raw, Meta: meta}, nil
		}
	}

	var lastErr error
	for attempt := 0; attempt < whoisAttempts; attempt++ {
		if attempt > 0 {
			if err := w.sleep(ctx, time.Duration(100<<attempt)*time.Millisecond); err != nil {
				return nil, faults.Wrap(faults.KindExecutionFailed, "whois cancelled", err)
			}
		}
		raw, err := w.lookup.Whois(ctx, domain)
		if err != nil {
			if ctx.Err() != nil {
				return nil, faults.Wrap(faults.KindExecutionFailed, "whois cancelled", ctx.Err())
			}
			lastErr = err
			w.logger.Debug().Err(err).Int("attempt", attempt+1).Str("domain", domain).Msg("whois lookup failed")
			continue
		}
		if w.cache != nil {
			w.cache.Set(ctx, key, []byte(raw), whoisCacheTTL)
		}
		return &plugins.RawOutput{Data: []byte(raw), Meta: meta}, nil
	}
	return nil, faults.Wrap(faults.KindExecutionFailed, "whois lookup for "+domain, lastErr)
}

func (w *Whois) Normalize(_ context.Context, _ plugins.ExecutionRequest, raw *plugins.RawOutput) (any, error) {
	return normalize.Whois(raw.Meta["domain"], string(raw.Data))
}
