package local

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-resty/resty/v2"
	"gopkg.in/yaml.v3"

	"github.com/slok/pkgworker/internal/appstream"
	"github.com/slok/pkgworker/internal/backend"
	"github.com/slok/pkgworker/internal/conventions"
	"github.com/slok/pkgworker/internal/model"
)

// remoteRef points to a remote from a catalog or a bundle.
type remoteRef struct {
	Name  string `yaml:"name"`
	URL   string `yaml:"url"`
	Title string `yaml:"title,omitempty"`
}

func (r remoteRef) model(inst model.Installation) model.Remote {
	return model.Remote{Name: r.Name, URL: r.URL, Title: r.Title, Installation: inst}
}

// catalogRef is a ref served by a remote.
type catalogRef struct {
	Ref           string `yaml:"ref"`
	Commit        string `yaml:"commit"`
	DownloadSize  uint64 `yaml:"download_size"`
	InstalledSize uint64 `yaml:"installed_size"`
	Runtime       string `yaml:"runtime,omitempty"`
	// RuntimeRepo is the remote serving the runtime when no configured remote has it.
	RuntimeRepo *remoteRef          `yaml:"runtime_repo,omitempty"`
	Payload     string              `yaml:"payload"`
	Appstream   *appstream.Metadata `yaml:"appstream,omitempty"`
}

// catalog is the index a remote serves at its root.
type catalog struct {
	Title string       `yaml:"title,omitempty"`
	Refs  []catalogRef `yaml:"refs"`
}

func (c *catalog) find(ref string) (catalogRef, bool) {
	for _, r := range c.Refs {
		if r.Ref == ref {
			return r, true
		}
	}
	return catalogRef{}, false
}

// fetcher reads catalogs and payload objects from remotes. Remote URLs are local paths,
// file:// or http(s):// URLs.
type fetcher struct {
	client *resty.Client
}

func newFetcher(client *resty.Client) *fetcher {
	if client == nil {
		client = resty.New()
	}
	return &fetcher{client: client}
}

func (f *fetcher) catalog(ctx context.Context, remoteURL string) (*catalog, error) {
	r, err := f.open(ctx, remoteURL, conventions.CatalogFile)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("could not read catalog of %s: %w", remoteURL, err)
	}

	var c catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("could not decode catalog of %s: %w", remoteURL, err)
	}

	return &c, nil
}

// open returns a reader of an object relative to the remote root.
func (f *fetcher) open(ctx context.Context, remoteURL, object string) (io.ReadCloser, error) {
	u, err := url.Parse(remoteURL)
	if err != nil {
		return nil, fmt.Errorf("invalid remote URL %q: %w", remoteURL, model.ErrNotValid)
	}

	switch u.Scheme {
	case "http", "https":
		return f.openHTTP(ctx, strings.TrimSuffix(remoteURL, "/")+"/"+strings.TrimPrefix(object, "/"))
	case "file":
		return openFile(filepath.Join(u.Path, filepath.FromSlash(object)))
	case "":
		return openFile(filepath.Join(remoteURL, filepath.FromSlash(object)))
	}

	return nil, fmt.Errorf("unsupported remote URL scheme %q: %w", u.Scheme, model.ErrNotValid)
}

func (f *fetcher) openHTTP(ctx context.Context, objectURL string) (io.ReadCloser, error) {
	resp, err := f.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(objectURL)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("fetching %s: %w", objectURL, backend.ErrCancelled)
		}
		return nil, &backend.NetworkError{URL: objectURL, Err: err}
	}

	if resp.StatusCode() != http.StatusOK {
		resp.RawBody().Close()
		if resp.StatusCode() == http.StatusNotFound {
			return nil, fmt.Errorf("%s: %w", objectURL, model.ErrNotFound)
		}
		return nil, &backend.NetworkError{URL: objectURL, Err: fmt.Errorf("unexpected status %d", resp.StatusCode())}
	}

	return resp.RawBody(), nil
}

func openFile(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// bundle is a single file package install source.
type bundle struct {
	Ref           string     `yaml:"ref"`
	Commit        string     `yaml:"commit"`
	InstalledSize uint64     `yaml:"installed_size"`
	Runtime       string     `yaml:"runtime,omitempty"`
	RuntimeRepo   *remoteRef `yaml:"runtime_repo,omitempty"`
	// Origin is the remote the bundle was built from, empty for sideloaded bundles.
	Origin  string `yaml:"origin,omitempty"`
	Payload string `yaml:"payload"`
}

func readBundle(path string) (*bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read bundle: %w", err)
	}

	var b bundle
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("could not decode bundle %s: %w", path, err)
	}
	if _, err := model.ParseRef(b.Ref); err != nil {
		return nil, fmt.Errorf("invalid bundle %s: %w", path, err)
	}
	if b.Payload == "" {
		return nil, fmt.Errorf("bundle %s has no payload: %w", path, model.ErrNotValid)
	}

	return &b, nil
}
