// Package registry is a minimal distribution-API pull client: token auth,
// manifest resolution and blob download, nothing else. It talks to exactly
// one registry and requests pull scope only.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/opencontainers/go-digest"

	"github.com/onkernel/crate/lib/image"
)

// Options configures the registry endpoints. Defaults target Docker Hub.
type Options struct {
	// RegistryBase is the base URL of the registry API, without the /v2 prefix.
	RegistryBase string
	// AuthEndpoint is the full URL of the token-issuing endpoint.
	AuthEndpoint string
	// AuthService is the service name sent with token requests.
	AuthService string
}

// Client pulls image content from a single registry.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	opts       Options
}

// NewClient creates a pull client. Requests carry no timeout: every call
// blocks until the registry responds or the transport gives up.
func NewClient(opts Options, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{},
		logger:     logger,
		opts:       opts,
	}
}

// PullToken obtains a bearer token scoped to pull access for one repository.
// The token is opaque to us; it is never inspected or refreshed.
func (c *Client) PullToken(ctx context.Context, name string) (string, error) {
	q := url.Values{}
	q.Set("service", c.opts.AuthService)
	q.Set("scope", fmt.Sprintf("repository:%s:pull", name))
	tokenURL := c.opts.AuthEndpoint + "?" + q.Encode()

	c.logger.Debug("requesting pull token", "repository", name)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenURL, nil)
	if err != nil {
		return "", &AuthError{Name: name, Err: err}
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return "", &AuthError{Name: name, Err: err}
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", &AuthError{Name: name, Err: fmt.Errorf("read response: %w", err)}
	}

	// The registry reports failures in the JSON body, not the status code.
	// A usable response has a token field; anything else is a failure.
	var payload struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", &AuthError{Name: name, Err: fmt.Errorf("parse token response: %w", err)}
	}
	if payload.Token == "" {
		return "", &AuthError{Name: name, Err: fmt.Errorf("token response has no token field")}
	}

	return payload.Token, nil
}

// ResolveLayers fetches the manifest for ref and returns its layer digests
// in manifest order. The order is the application order and is preserved
// exactly; it is never sorted or deduplicated. A manifest with zero layers
// is legal and yields an empty slice.
func (c *Client) ResolveLayers(ctx context.Context, ref image.Reference, token string) ([]digest.Digest, error) {
	manifestURL := fmt.Sprintf("%s/v2/%s/manifests/%s", c.opts.RegistryBase, ref.Name, ref.Tag)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return nil, &ManifestError{Ref: ref.String(), Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", acceptedManifestTypes)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ManifestError{Ref: ref.String(), Err: err}
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &ManifestError{Ref: ref.String(), Err: fmt.Errorf("read response: %w", err)}
	}

	layers, err := parseLayerDigests(body)
	if err != nil {
		return nil, &ManifestError{Ref: ref.String(), Err: err}
	}

	c.logger.Debug("resolved manifest", "ref", ref.String(), "layers", len(layers))
	return layers, nil
}

// FetchBlob opens the blob stream for one layer. The caller owns the
// returned ReadCloser and is expected to unpack it as a gzipped tar.
func (c *Client) FetchBlob(ctx context.Context, name string, dgst digest.Digest, token string) (io.ReadCloser, error) {
	blobURL := fmt.Sprintf("%s/v2/%s/blobs/%s", c.opts.RegistryBase, name, dgst)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, blobURL, nil)
	if err != nil {
		return nil, &LayerFetchError{Digest: dgst, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &LayerFetchError{Digest: dgst, Err: err}
	}
	if res.StatusCode != http.StatusOK {
		res.Body.Close()
		return nil, &LayerFetchError{Digest: dgst, Err: fmt.Errorf("unexpected status %s", res.Status)}
	}

	return res.Body, nil
}
