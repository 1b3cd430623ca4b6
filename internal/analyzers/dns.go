package analyzers

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Ashfaaq98/owl-runtime/internal/cache"
	"github.com/Ashfaaq98/owl-runtime/internal/config"
	"github.com/Ashfaaq98/owl-runtime/internal/faults"
	"github.com/Ashfaaq98/owl-runtime/internal/invoker"
	"github.com/Ashfaaq98/owl-runtime/internal/normalize"
	"github.com/Ashfaaq98/owl-runtime/internal/plugins"
)

// Resolver is a public JSON DNS-over-HTTPS endpoint.
type Resolver struct {
	Name string
	URL  string
}

var (
	Quad9      = Resolver{Name: "quad9", URL: "https://dns.quad9.net/dns-query"}
	Google     = Resolver{Name: "google", URL: "https://dns.google/resolve"}
	Cloudflare = Resolver{Name: "cloudflare", URL: "https://cloudflare-dns.com/dns-query"}
)

const dohCacheTTL = 5 * time.Minute

// DoH resolves domain, URL and IP observables against one resolver.
type DoH struct {
	base
	resolver Resolver
	http     *invoker.HTTPClient
	cache    cache.Cache
}

func NewDoH(def config.PluginDefinition, deps Deps, r Resolver) (*DoH, error) {
	if deps.HTTP == nil {
		return nil, errNoHTTP
	}
	return &DoH{base: newBase(def, deps), resolver: r, http: deps.HTTP, cache: deps.Cache}, nil
}

func (d *DoH) InputType() config.InputType { return config.InputObservable }

func (d *DoH) Prepare(req plugins.ExecutionRequest) error {
	_, _, err := dohQuestion(req.Target, req.Params.String("query_type", "A"))
	return err
}

// dohQuestion maps an observable to the name and record type to ask for.
// IPs become PTR lookups.
func dohQuestion(t plugins.Target, qtype string) (string, string, error) {
	v := t.Observable
	switch t.Classification {
	case plugins.ClassificationDomain:
		return strings.TrimSuffix(strings.ToLower(v), "."), strings.ToUpper(qtype), nil
	case plugins.ClassificationURL:
		u, err := url.Parse(v)
		if err != nil || u.Hostname() == "" {
			return "", "", faults.New(faults.KindInvalidRequest, "cannot extract a host from "+v)
		}
		return strings.ToLower(u.Hostname()), strings.ToUpper(qtype), nil
	case plugins.ClassificationIP:
		ptr, err := reverseName(v)
		if err != nil {
			return "", "", err
		}
		return ptr, "PTR", nil
	default:
		return "", "", faults.New(faults.KindInvalidRequest,
			fmt.Sprintf("classification %q is not supported by DNS resolvers", t.Classification))
	}
}

func reverseName(ip string) (string, error) {
	addr := net.ParseIP(ip)
	if addr == nil {
		return "", faults.New(faults.KindInvalidRequest, "invalid IP "+ip)
	}
	if v4 := addr.To4(); v4 != nil {
		return fmt.Sprintf("%d.%d.%d.%d.in-addr.arpa", v4[3], v4[2], v4[1], v4[0]), nil
	}
	const hex = "0123456789abcdef"
	var b strings.Builder
	for i := len(addr) - 1; i >= 0; i-- {
		b.WriteByte(hex[addr[i]&0x0f])
		b.WriteByte('.')
		b.WriteByte(hex[addr[i]>>4])
		b.WriteByte('.')
	}
	b.WriteString("ip6.arpa")
	return b.String(), nil
}

func (d *DoH) Invoke(ctx context.Context, req plugins.ExecutionRequest, _ plugins.Resources) (*plugins.RawOutput, error) {
	name, qtype, err := dohQuestion(req.Target, req.Params.String("query_type", "A"))
	if err != nil {
		return nil, err
	}
	key := "doh:" + d.resolver.Name + ":" + qtype + ":" + name
	meta := map[string]string{"resolver": d.resolver.Name, "query": name, "type": qtype}
	if d.cache != nil {
		if body, ok := d.cache.Get(ctx, key); ok {
			meta["cached"] = "true"
			return &plugins.RawOutput{Data: body, Meta: meta}, nil
		}
	}

	q := url.Values{"name": {name}, "type": {qtype}}
	endpoint := d.resolver.URL + "?" + q.Encode()
	resp, err := d.http.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		r.Header.Set("Accept", "application/dns-json")
		return r, nil
	})
	if err != nil {
		return nil, invoker.ClassifyHTTP(err, d.resolver.Name+" query")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, faults.New(faults.KindExecutionFailed,
			fmt.Sprintf("%s answered HTTP %d", d.resolver.Name, resp.StatusCode))
	}
	if d.cache != nil {
		d.cache.Set(ctx, key, resp.Body, dohCacheTTL)
	}
	d.logger.Debug().Str("query", name).Str("type", qtype).Msg("resolved")
	return &plugins.RawOutput{Data: resp.Body, Meta: meta}, nil
}

func (d *DoH) Normalize(_ context.Context, req plugins.ExecutionRequest, raw *plugins.RawOutput) (any, error) {
	// URL observables report the host that was queried.
	observable := req.Target.Observable
	if req.Target.Classification == plugins.ClassificationURL && raw.Meta["query"] != "" {
		observable = raw.Meta["query"]
	}
	return normalize.DNS(observable, raw.Data)
}
