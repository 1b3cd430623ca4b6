package resource

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/Ashfaaq98/owl-runtime/internal/faults"
	"github.com/Ashfaaq98/owl-runtime/internal/registry"
	"github.com/Ashfaaq98/owl-runtime/internal/store"
)

// Release is a remote version of a resource and the assets that make it up.
type Release struct {
	Version string
	Assets  []store.RemoteAsset
	// Archive means Assets[0] is an archive to extract. Otherwise every asset
	// is copied into the resource directory as is.
	Archive bool
}

// Locator finds the latest remote version of one resource.
type Locator interface {
	Locate(ctx context.Context) (*Release, error)
}

// Registry is the subset of the registry client locators need.
type Registry interface {
	LatestRelease(ctx context.Context, repo string) (*registry.Release, error)
	ListContents(ctx context.Context, repo, path string) ([]registry.ContentEntry, error)
}

// Spec identifies a resource and how to find its latest version.
type Spec struct {
	Plugin  string
	Kind    string
	Locator Locator
}

// ID is "<plugin>/<kind>".
func (s Spec) ID() string { return s.Plugin + "/" + s.Kind }

// TagArchive versions a resource by the latest release tag and downloads the
// source archive for that tag. URLTemplate contains "{tag}".
type TagArchive struct {
	Registry    Registry
	Repo        string
	URLTemplate string
}

// CapaRulesURLTemplate is the tag archive of the capa rules repository.
const CapaRulesURLTemplate = "https://github.com/mandiant/capa-rules/archive/refs/tags/{tag}.zip"

func (t TagArchive) Locate(ctx context.Context) (*Release, error) {
	rel, err := t.Registry.LatestRelease(ctx, t.Repo)
	if err != nil {
		return nil, err
	}
	url := strings.ReplaceAll(t.URLTemplate, "{tag}", rel.TagName)
	return &Release{
		Version: rel.TagName,
		Assets:  []store.RemoteAsset{{Name: rel.TagName + ".zip", DownloadURL: url}},
		Archive: true,
	}, nil
}

// ReleaseAsset picks the first release asset whose download URL contains
// Match.
type ReleaseAsset struct {
	Registry Registry
	Repo     string
	Match    string
}

func (r ReleaseAsset) Locate(ctx context.Context) (*Release, error) {
	rel, err := r.Registry.LatestRelease(ctx, r.Repo)
	if err != nil {
		return nil, err
	}
	for _, a := range rel.Assets {
		if strings.Contains(a.BrowserDownloadURL, r.Match) {
			return &Release{
				Version: rel.TagName,
				Assets:  []store.RemoteAsset{{Name: a.Name, DownloadURL: a.BrowserDownloadURL}},
				Archive: true,
			}, nil
		}
	}
	return nil, faults.New(faults.KindResourceUpdateFailed,
		fmt.Sprintf("release %s of %s has no asset matching %q", rel.TagName, r.Repo, r.Match))
}

// Contents versions a directory of a repository by the digest of its file
// hashes. Each file is one asset.
type Contents struct {
	Registry Registry
	Repo     string
	Path     string
}

func (c Contents) Locate(ctx context.Context) (*Release, error) {
	entries, err := c.Registry.ListContents(ctx, c.Repo, c.Path)
	if err != nil {
		return nil, err
	}
	var files []registry.ContentEntry
	for _, e := range entries {
		if e.Type == "file" && e.DownloadURL != "" {
			files = append(files, e)
		}
	}
	if len(files) == 0 {
		return nil, faults.New(faults.KindResourceUpdateFailed,
			fmt.Sprintf("%s/%s lists no files", c.Repo, c.Path))
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })

	h := sha256.New()
	assets := make([]store.RemoteAsset, 0, len(files))
	for _, f := range files {
		fmt.Fprintf(h, "%s\x00%s\n", f.Name, f.SHA)
		assets = append(assets, store.RemoteAsset{Name: f.Name, DownloadURL: f.DownloadURL})
	}
	return &Release{
		Version: "sha256:" + hex.EncodeToString(h.Sum(nil))[:16],
		Assets:  assets,
	}, nil
}
