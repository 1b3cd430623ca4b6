// Package registry is a client for the GitHub-style release API that
// publishes rule packs and signature bundles.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Ashfaaq98/owl-runtime/internal/cache"
	"github.com/Ashfaaq98/owl-runtime/internal/faults"
	"github.com/Ashfaaq98/owl-runtime/internal/invoker"
)

// DefaultAPIURL is the public GitHub REST endpoint.
const DefaultAPIURL = "https://api.github.com"

// Asset is one file attached to a release.
type Asset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	Size               int64  `json:"size,omitempty"`
}

// Release is the latest published release of a repository.
type Release struct {
	TagName string  `json:"tag_name"`
	Assets  []Asset `json:"assets"`
}

// ContentEntry is one item of a repository directory listing.
type ContentEntry struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	SHA         string `json:"sha"`
	Size        int64  `json:"size"`
	Type        string `json:"type"`
	DownloadURL string `json:"download_url"`
}

// Options configures a Client.
type Options struct {
	APIURL   string
	Token    string
	CacheTTL time.Duration
}

// Client queries the registry. Responses are cached for CacheTTL so a burst
// of runs performs one version check.
type Client struct {
	apiURL string
	token  string
	ttl    time.Duration
	http   *invoker.HTTPClient
	cache  cache.Cache
	logger zerolog.Logger
}

// New returns a registry client. c may be nil to disable caching.
func New(opts Options, httpClient *invoker.HTTPClient, c cache.Cache, logger zerolog.Logger) *Client {
	api := strings.TrimRight(opts.APIURL, "/")
	if api == "" {
		api = DefaultAPIURL
	}
	return &Client{
		apiURL: api,
		token:  opts.Token,
		ttl:    opts.CacheTTL,
		http:   httpClient,
		cache:  c,
		logger: logger,
	}
}

// LatestRelease returns the latest release of repo ("owner/name").
func (c *Client) LatestRelease(ctx context.Context, repo string) (*Release, error) {
	var rel Release
	if err := c.getJSON(ctx, "/repos/"+repo+"/releases/latest", &rel); err != nil {
		return nil, err
	}
	if rel.TagName == "" {
		return nil, faults.New(faults.KindRegistry, fmt.Sprintf("latest release of %s has no tag_name", repo))
	}
	return &rel, nil
}

// ListContents lists the directory path of repo.
func (c *Client) ListContents(ctx context.Context, repo, path string) ([]ContentEntry, error) {
	var entries []ContentEntry
	if err := c.getJSON(ctx, "/repos/"+repo+"/contents/"+strings.TrimLeft(path, "/"), &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Download streams url into w and returns the number of bytes copied.
func (c *Client) Download(ctx context.Context, url string, w io.Writer) (int64, error) {
	var n int64
	err := c.http.Stream(ctx, url, c.authHeader(url), func(r io.Reader) error {
		var err error
		n, err = io.Copy(w, r)
		return err
	})
	if err != nil {
		return n, fmt.Errorf("download %s: %w", url, err)
	}
	return n, nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	url := c.apiURL + path
	if c.cache != nil {
		if raw, ok := c.cache.Get(ctx, url); ok {
			if err := json.Unmarshal(raw, v); err == nil {
				return nil
			}
			c.cache.Delete(ctx, url)
		}
	}

	resp, err := c.http.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/vnd.github+json")
		for k, vs := range c.authHeader(url) {
			req.Header[k] = vs
		}
		return req, nil
	})
	if err != nil {
		return faults.Wrap(faults.KindRegistry, "GET "+path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return faults.New(faults.KindRegistry, fmt.Sprintf("GET %s returned %d", path, resp.StatusCode))
	}
	if err := json.Unmarshal(resp.Body, v); err != nil {
		return faults.Wrap(faults.KindRegistry, "decode "+path, err)
	}
	if c.cache != nil && c.ttl > 0 {
		c.cache.Set(ctx, url, resp.Body, c.ttl)
	}
	c.logger.Debug().Str("url", url).Msg("registry response fetched")
	return nil
}

// authHeader sends the token only to the API host; asset downloads are
// redirected to third-party storage.
func (c *Client) authHeader(url string) http.Header {
	h := http.Header{}
	if c.token != "" && strings.HasPrefix(url, c.apiURL) {
		h.Set("Authorization", "Bearer "+c.token)
	}
	return h
}
