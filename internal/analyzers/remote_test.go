package analyzers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ashfaaq98/owl-runtime/internal/cache"
	"github.com/Ashfaaq98/owl-runtime/internal/config"
	"github.com/Ashfaaq98/owl-runtime/internal/faults"
	"github.com/Ashfaaq98/owl-runtime/internal/normalize"
	"github.com/Ashfaaq98/owl-runtime/internal/plugins"
	"github.com/Ashfaaq98/owl-runtime/internal/registry"
)

type stubRegistry struct{}

func (stubRegistry) LatestRelease(context.Context, string) (*registry.Release, error) {
	return nil, errors.New("offline")
}

func (stubRegistry) ListContents(context.Context, string, string) ([]registry.ContentEntry, error) {
	return nil, errors.New("offline")
}

type fakeWhois struct {
	mu       sync.Mutex
	calls    int
	failures int
	raw      string
}

func (f *fakeWhois) Whois(_ context.Context, domain string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return "", errors.New("connection reset")
	}
	return f.raw, nil
}

const flossOutput = `{
 "metadata": {"version": "2.3.0"},
 "strings": {
  "decoded_strings": ["a", "b", "c", "d"],
  "stack_strings": [{"string": "s1"}, {"string": "s2"}],
  "tight_strings": [],
  "static_strings": []
 }
}`

func TestFlossPassThrough(t *testing.T) {
	runner := &fakeRunner{stdout: []byte(flossOutput)}
	f, err := NewFloss(def("Floss", ModuleFloss, config.InputFile), Deps{
		Tools:   config.ToolsConfig{FlossPath: "floss"},
		Process: runner,
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)

	target := sampleTarget(t)
	req := request(target, map[string]any{"max_no_of_strings": map[string]any{"decoded_strings": 2}})
	require.NoError(t, f.Prepare(req))
	raw, err := f.Invoke(context.Background(), req, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"--json", "--no", "static", "--", target.Path}, runner.last().Args)

	report, err := f.Normalize(context.Background(), req, raw)
	require.NoError(t, err)
	sr := report.(*normalize.StringsReport)
	assert.Len(t, sr.Strings["decoded_strings"], 4)
	assert.True(t, sr.ExceededLimit["decoded_strings"])
}

func TestFlossPrepare(t *testing.T) {
	f, err := NewFloss(def("Floss", ModuleFloss, config.InputFile), Deps{Process: &fakeRunner{}})
	require.NoError(t, err)

	tests := []struct {
		name   string
		params map[string]any
	}{
		{"rank without cap", map[string]any{"rank_strings": map[string]any{"decoded_strings": true}}},
		{"rank without service", map[string]any{
			"rank_strings":      map[string]any{"decoded_strings": true},
			"max_no_of_strings": map[string]any{"decoded_strings": 2},
		}},
		{"negative cap", map[string]any{"max_no_of_strings": map[string]any{"stack_strings": -1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.Prepare(request(plugins.Target{}, tt.params))
			assert.True(t, errors.Is(err, faults.ErrInvalidRequest), err)
		})
	}
}

func TestFlossRanksThroughService(t *testing.T) {
	var got struct {
		Args    []string `json:"args"`
		Timeout int      `json:"timeout"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != stringsifterPath {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"status": "success", "report": ["c", "a"]}`))
	}))
	defer srv.Close()

	f, err := NewFloss(def("Floss", ModuleFloss, config.InputFile), Deps{
		Tools:   config.ToolsConfig{ServiceURL: srv.URL},
		Process: &fakeRunner{},
		HTTP:    testHTTP(),
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)

	req := request(plugins.Target{}, map[string]any{
		"max_no_of_strings": map[string]any{"decoded_strings": 2},
		"rank_strings":      map[string]any{"decoded_strings": true},
	})
	require.NoError(t, f.Prepare(req))
	report, err := f.Normalize(context.Background(), req, &plugins.RawOutput{Data: []byte(flossOutput)})
	require.NoError(t, err)

	sr := report.(*normalize.StringsReport)
	assert.Equal(t, []string{"c", "a"}, sr.Strings["decoded_strings"])
	require.Len(t, got.Args, 5)
	assert.Equal(t, []string{"rank_strings", "--limit", "2", "--strings"}, got.Args[:4])
	assert.JSONEq(t, `["a","b","c","d"]`, got.Args[4])
	assert.Equal(t, 30, got.Timeout)
}

func TestEncodeWithinKeepsWholeStrings(t *testing.T) {
	values := []string{"aaaa", "bbbb", "cccc"}
	encoded, kept := encodeWithin(values, 15)
	assert.Equal(t, 2, kept)
	assert.Equal(t, `["aaaa","bbbb"]`, encoded)

	encoded, kept = encodeWithin(values, 1024)
	assert.Equal(t, 3, kept)
	var back []string
	require.NoError(t, json.Unmarshal([]byte(encoded), &back))
	assert.Equal(t, values, back)

	encoded, kept = encodeWithin(values, 2)
	assert.Equal(t, 0, kept)
	assert.Equal(t, "[]", encoded)
}

func TestDecodeRanked(t *testing.T) {
	for _, raw := range []string{`["x","y"]`, `"[\"x\",\"y\"]"`, `"x\ny\n"`} {
		got, err := decodeRanked(json.RawMessage(raw))
		require.NoError(t, err, raw)
		assert.Equal(t, []string{"x", "y"}, got, raw)
	}
	_, err := decodeRanked(json.RawMessage(`{"a": 1}`))
	assert.Error(t, err)
}

const joeAnalysis = `{"webid": "100", "analysisid": "4", "status": "finished", "detection": "malicious",
 "score": 42, "filename": "sample.exe", "md5": "0cbc6611f5540bd0809a388dc95a615b",
 "runs": [{"detection": "malicious", "error": null, "system": "w7x64", "yara": false, "sigma": false, "score": 42}]}`

// joeServer fakes the v2 API. search answers with existing, submissions
// finish after pending polls.
type joeServer struct {
	existing bool
	pending  int32

	polls     atomic.Int32
	submitted atomic.Int32
	mu        sync.Mutex
	forms     map[string]map[string]string
	sample    []byte
}

func (s *joeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	form := map[string]string{}
	for k, v := range r.MultipartForm.Value {
		form[k] = v[0]
	}
	s.mu.Lock()
	if s.forms == nil {
		s.forms = map[string]map[string]string{}
	}
	s.forms[r.URL.Path] = form
	if f, _, err := r.FormFile("sample"); err == nil {
		s.sample, _ = io.ReadAll(f)
		f.Close()
	}
	s.mu.Unlock()

	if form["apikey"] != "secret" {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"errors": [{"message": "bad api key"}]}`))
		return
	}
	switch r.URL.Path {
	case "/v2/analysis/search":
		if s.existing {
			w.Write([]byte(`{"data": [{"webid": "100"}]}`))
			return
		}
		w.Write([]byte(`{"data": []}`))
	case "/v2/submission/new":
		s.submitted.Add(1)
		w.Write([]byte(`{"data": {"submission_id": "7"}}`))
	case "/v2/submission/info":
		if s.polls.Add(1) <= s.pending {
			w.Write([]byte(`{"data": {"status": "running"}}`))
			return
		}
		w.Write([]byte(`{"data": {"status": "finished", "most_relevant_analysis": {"webid": "100"}}}`))
	case "/v2/analysis/info":
		w.Write([]byte(`{"data": ` + joeAnalysis + `}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newJoe(t *testing.T, typ config.InputType) *JoeSandbox {
	t.Helper()
	j, err := NewJoeSandbox(def("JoeSandbox", ModuleJoeSandboxFile, typ), Deps{HTTP: testHTTP(), Logger: zerolog.Nop()}, typ)
	require.NoError(t, err)
	j.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return j
}

func TestJoeSandboxReusesExistingAnalysis(t *testing.T) {
	js := &joeServer{existing: true}
	srv := httptest.NewServer(js)
	defer srv.Close()

	j := newJoe(t, config.InputFile)
	target := sampleTarget(t)
	req := request(target, map[string]any{"url": srv.URL, "api_key": "secret"})
	require.NoError(t, j.Prepare(req))

	raw, err := j.Invoke(context.Background(), req, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(0), js.submitted.Load())
	assert.Equal(t, target.MD5, js.forms["/v2/analysis/search"]["q"])

	report, err := j.Normalize(context.Background(), req, raw)
	require.NoError(t, err)
	assert.Equal(t, "100", report.(*normalize.SandboxReport).AnalysisID)
}

func TestJoeSandboxSubmitsAndPolls(t *testing.T) {
	js := &joeServer{pending: 2}
	srv := httptest.NewServer(js)
	defer srv.Close()

	j := newJoe(t, config.InputFile)
	target := sampleTarget(t)
	req := request(target, map[string]any{
		"url": srv.URL, "api_key": "secret", "system_to_use": "w10x64", "force_new_analysis": true,
	})
	raw, err := j.Invoke(context.Background(), req, nil)
	require.NoError(t, err)
	assert.Equal(t, "100", raw.Meta["webid"])
	assert.Equal(t, int32(1), js.submitted.Load())
	assert.Equal(t, int32(3), js.polls.Load())
	assert.NotContains(t, js.forms, "/v2/analysis/search")

	sub := js.forms["/v2/submission/new"]
	assert.Equal(t, "1", sub["accept-tac"])
	assert.Equal(t, "w10x64", sub["systems"])
	assert.Equal(t, []byte("MZ sample"), js.sample)
}

func TestJoeSandboxObservableSubmission(t *testing.T) {
	js := &joeServer{}
	srv := httptest.NewServer(js)
	defer srv.Close()

	j := newJoe(t, config.InputObservable)
	target := plugins.ObservableTarget("http://evil.example/x.exe", plugins.ClassificationURL)

	req := request(target, map[string]any{"url": srv.URL, "api_key": "secret", "sample_at_url": true})
	require.NoError(t, j.Prepare(req))
	_, err := j.Invoke(context.Background(), req, nil)
	require.NoError(t, err)
	assert.Equal(t, target.Observable, js.forms["/v2/analysis/search"]["q"])
	assert.Equal(t, target.Observable, js.forms["/v2/submission/new"]["sample-url"])

	req = request(target, map[string]any{"url": srv.URL, "api_key": "secret", "force_new_analysis": true})
	_, err = j.Invoke(context.Background(), req, nil)
	require.NoError(t, err)
	assert.Equal(t, target.Observable, js.forms["/v2/submission/new"]["url"])

	err = j.Prepare(request(plugins.ObservableTarget("1.2.3.4", plugins.ClassificationIP), map[string]any{"api_key": "k"}))
	assert.True(t, errors.Is(err, faults.ErrInvalidRequest))
}

func TestJoeSandboxPollingBudget(t *testing.T) {
	js := &joeServer{pending: 1000}
	srv := httptest.NewServer(js)
	defer srv.Close()

	j := newJoe(t, config.InputFile)
	clock := time.Unix(1700000000, 0)
	j.now = func() time.Time { return clock }
	j.sleep = func(_ context.Context, d time.Duration) error {
		clock = clock.Add(d)
		return nil
	}
	req := request(sampleTarget(t), map[string]any{
		"url": srv.URL, "api_key": "secret", "force_new_analysis": true,
		"polling_duration": 3, "poll_interval": 1,
	})
	_, err := j.Invoke(context.Background(), req, nil)
	assert.True(t, errors.Is(err, faults.ErrExecutionTimeout), err)
	// Polling stops once the next interval would pass the budget.
	assert.Equal(t, int32(4), js.polls.Load())
}

func TestJoeSandboxAPIErrors(t *testing.T) {
	srv := httptest.NewServer(&joeServer{})
	defer srv.Close()

	j := newJoe(t, config.InputFile)
	_, err := j.Invoke(context.Background(), request(sampleTarget(t), map[string]any{"url": srv.URL, "api_key": "wrong"}), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, faults.ErrExecutionFailed))
	assert.Contains(t, err.Error(), "bad api key")

	assert.True(t, errors.Is(j.Prepare(request(plugins.Target{}, nil)), faults.ErrInvalidRequest))
}

func TestDoHResolves(t *testing.T) {
	var hits atomic.Int32
	var lastQuery atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		lastQuery.Store(r.URL.Query().Get("name") + " " + r.URL.Query().Get("type"))
		assert.Equal(t, "application/dns-json", r.Header.Get("Accept"))
		w.Write([]byte(`{"Status": 0, "Answer": [{"name": "example.com.", "type": 1, "TTL": 60, "data": "93.184.216.34"}]}`))
	}))
	defer srv.Close()

	d, err := NewDoH(def("Quad9_DNS", ModuleQuad9DNS, config.InputObservable), Deps{
		HTTP:   testHTTP(),
		Cache:  cache.NewMemoryCache(10),
		Logger: zerolog.Nop(),
	}, Resolver{Name: "test", URL: srv.URL})
	require.NoError(t, err)

	target := plugins.ObservableTarget("https://Example.com:8443/path?q=1", plugins.ClassificationURL)
	req := request(target, nil)
	require.NoError(t, d.Prepare(req))
	raw, err := d.Invoke(context.Background(), req, nil)
	require.NoError(t, err)
	assert.Equal(t, "example.com A", lastQuery.Load())

	report, err := d.Normalize(context.Background(), req, raw)
	require.NoError(t, err)
	dns := report.(*normalize.DNSReport)
	assert.Equal(t, "example.com", dns.Observable)
	assert.Equal(t, []string{"93.184.216.34"}, dns.Resolutions)

	raw, err = d.Invoke(context.Background(), req, nil)
	require.NoError(t, err)
	assert.Equal(t, "true", raw.Meta["cached"])
	assert.Equal(t, int32(1), hits.Load())
}

func TestDoHReportsObservableForIP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "34.216.184.93.in-addr.arpa", r.URL.Query().Get("name"))
		assert.Equal(t, "PTR", r.URL.Query().Get("type"))
		w.Write([]byte(`{"Status": 0, "Answer": [{"name": "34.216.184.93.in-addr.arpa.", "type": 12, "TTL": 60, "data": "example.com."}]}`))
	}))
	defer srv.Close()

	d, err := NewDoH(def("Quad9_DNS", ModuleQuad9DNS, config.InputObservable), Deps{HTTP: testHTTP()},
		Resolver{Name: "test", URL: srv.URL})
	require.NoError(t, err)

	req := request(plugins.ObservableTarget("93.184.216.34", plugins.ClassificationIP), nil)
	raw, err := d.Invoke(context.Background(), req, nil)
	require.NoError(t, err)
	report, err := d.Normalize(context.Background(), req, raw)
	require.NoError(t, err)
	dns := report.(*normalize.DNSReport)
	assert.Equal(t, "93.184.216.34", dns.Observable)
	assert.Equal(t, []string{"example.com."}, dns.Resolutions)
}

func TestDoHRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d, err := NewDoH(def("Quad9_DNS", ModuleQuad9DNS, config.InputObservable), Deps{HTTP: testHTTP()},
		Resolver{Name: "test", URL: srv.URL})
	require.NoError(t, err)
	_, err = d.Invoke(context.Background(), request(plugins.ObservableTarget("example.com", "domain"), nil), nil)
	assert.True(t, errors.Is(err, faults.ErrExecutionFailed))
	assert.Equal(t, int32(3), hits.Load())
}

func TestDoHQuestion(t *testing.T) {
	tests := []struct {
		value, class string
		name, qtype  string
	}{
		{"Example.COM.", "domain", "example.com", "A"},
		{"http://sub.example.org/a", "url", "sub.example.org", "A"},
		{"8.8.4.4", "ip", "4.4.8.8.in-addr.arpa", "PTR"},
		{"2001:db8::1", "ip", "1.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.8.b.d.0.1.0.0.2.ip6.arpa", "PTR"},
	}
	for _, tt := range tests {
		name, qtype, err := dohQuestion(plugins.ObservableTarget(tt.value, tt.class), "a")
		require.NoError(t, err, tt.value)
		assert.Equal(t, tt.name, name)
		assert.Equal(t, tt.qtype, qtype)
	}

	for _, target := range []plugins.Target{
		plugins.ObservableTarget("d41d8cd98f00b204e9800998ecf8427e", "hash"),
		plugins.ObservableTarget("not an ip", "ip"),
		plugins.ObservableTarget("::", "url"),
	} {
		_, _, err := dohQuestion(target, "A")
		assert.True(t, errors.Is(err, faults.ErrInvalidRequest), target.Observable)
	}
}

const whoisText = `Domain Name: EXAMPLE.COM
Registrar: RESERVED-Internet Assigned Numbers Authority
Creation Date: 1995-08-14T04:00:00Z
Registry Expiry Date: 2024-08-13T04:00:00Z
Name Server: A.IANA-SERVERS.NET
Name Server: B.IANA-SERVERS.NET
`

func TestWhoisRetriesAndCaches(t *testing.T) {
	lookup := &fakeWhois{failures: 2, raw: whoisText}
	w, err := NewWhois(def("Whois", ModuleWhois, config.InputObservable), Deps{
		Whois:  lookup,
		Cache:  cache.NewMemoryCache(10),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	w.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }

	req := request(plugins.ObservableTarget("https://www.example.com/login", "url"), nil)
	require.NoError(t, w.Prepare(req))
	raw, err := w.Invoke(context.Background(), req, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, lookup.calls)

	report, err := w.Normalize(context.Background(), req, raw)
	require.NoError(t, err)
	wr := report.(*normalize.WhoisReport)
	assert.Equal(t, "example.com", wr.Domain)
	assert.Contains(t, wr.NameServers, "a.iana-servers.net")

	_, err = w.Invoke(context.Background(), req, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, lookup.calls)
}

func TestWhoisGivesUp(t *testing.T) {
	lookup := &fakeWhois{failures: 10}
	w, err := NewWhois(def("Whois", ModuleWhois, config.InputObservable), Deps{Whois: lookup})
	require.NoError(t, err)
	w.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }

	_, err = w.Invoke(context.Background(), request(plugins.ObservableTarget("example.com", "domain"), nil), nil)
	assert.True(t, errors.Is(err, faults.ErrExecutionFailed))
	assert.Equal(t, whoisAttempts, lookup.calls)
}

func TestDomainFromString(t *testing.T) {
	tests := map[string]string{
		"example.com":                   "example.com",
		"WWW.Example.com":               "example.com",
		"https://www.example.com:443/x": "example.com",
		"example.com:8080/path":         "example.com",
		"sub.example.co.uk.":            "sub.example.co.uk",
		"localhost":                     "",
		"10.0.0.1":                      "",
		"   ":                           "",
	}
	for in, want := range tests {
		assert.Equal(t, want, domainFromString(in), in)
	}

	w, err := NewWhois(def("Whois", ModuleWhois, config.InputObservable), Deps{Whois: &fakeWhois{}})
	require.NoError(t, err)
	assert.True(t, errors.Is(w.Prepare(request(plugins.ObservableTarget("1.1.1.1", "ip"), nil)), faults.ErrInvalidRequest))
	assert.True(t, errors.Is(w.Prepare(request(plugins.ObservableTarget("nodots", "domain"), nil)), faults.ErrInvalidRequest))
}
