package registry

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-containerregistry/pkg/name"
	ggcrregistry "github.com/google/go-containerregistry/pkg/registry"
	"github.com/google/go-containerregistry/pkg/v1/random"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onkernel/crate/lib/image"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testClient(base string) *Client {
	return NewClient(Options{
		RegistryBase: base,
		AuthEndpoint: base + "/token",
		AuthService:  "registry.test",
	}, testLogger())
}

func TestPullToken(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		json.NewEncoder(w).Encode(map[string]string{"token": "secret-pull-token"})
	}))
	defer srv.Close()

	token, err := testClient(srv.URL).PullToken(context.Background(), "library/alpine")
	require.NoError(t, err)
	assert.Equal(t, "secret-pull-token", token)
	assert.Contains(t, gotQuery, "service=registry.test")
	assert.Contains(t, gotQuery, "scope=repository%3Alibrary%2Falpine%3Apull")
}

func TestPullTokenMissingField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"errors": [{"code": "DENIED"}]}`)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).PullToken(context.Background(), "library/alpine")
	require.Error(t, err)

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "library/alpine", authErr.Name)
}

func TestPullTokenInvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>502 Bad Gateway</html>")
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).PullToken(context.Background(), "library/alpine")

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
}

func TestPullTokenTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // connection refused

	_, err := testClient(srv.URL).PullToken(context.Background(), "library/alpine")

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
}

func TestResolveLayersModernShape(t *testing.T) {
	var gotAccept, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccept = r.Header.Get("Accept")
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{
			"schemaVersion": 2,
			"layers": [
				{"mediaType": "application/vnd.docker.image.rootfs.diff.tar.gzip", "digest": "sha256:1111111111111111111111111111111111111111111111111111111111111111"},
				{"mediaType": "application/vnd.docker.image.rootfs.diff.tar.gzip", "digest": "sha256:2222222222222222222222222222222222222222222222222222222222222222"},
				{"mediaType": "application/vnd.docker.image.rootfs.diff.tar.gzip", "digest": "sha256:3333333333333333333333333333333333333333333333333333333333333333"}
			]
		}`)
	}))
	defer srv.Close()

	ref := image.Reference{Name: "library/alpine", Tag: "latest"}
	layers, err := testClient(srv.URL).ResolveLayers(context.Background(), ref, "tok")
	require.NoError(t, err)

	require.Len(t, layers, 3)
	assert.Equal(t, digest.Digest("sha256:1111111111111111111111111111111111111111111111111111111111111111"), layers[0])
	assert.Equal(t, digest.Digest("sha256:2222222222222222222222222222222222222222222222222222222222222222"), layers[1])
	assert.Equal(t, digest.Digest("sha256:3333333333333333333333333333333333333333333333333333333333333333"), layers[2])

	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Contains(t, gotAccept, "application/vnd.docker.distribution.manifest.v2+json")
	assert.Contains(t, gotAccept, "application/vnd.oci.image.manifest.v1+json")
}

func TestResolveLayersLegacyShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"schemaVersion": 1,
			"fsLayers": [
				{"blobSum": "sha256:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"},
				{"blobSum": "sha256:bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"}
			]
		}`)
	}))
	defer srv.Close()

	ref := image.Reference{Name: "library/busybox", Tag: "1.0"}
	layers, err := testClient(srv.URL).ResolveLayers(context.Background(), ref, "tok")
	require.NoError(t, err)

	// Source order preserved exactly, nothing sorted or deduplicated.
	require.Len(t, layers, 2)
	assert.Equal(t, digest.Digest("sha256:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"), layers[0])
	assert.Equal(t, digest.Digest("sha256:bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"), layers[1])
}

func TestResolveLayersZeroLayers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"schemaVersion": 2, "layers": []}`)
	}))
	defer srv.Close()

	ref := image.Reference{Name: "library/scratch", Tag: "latest"}
	layers, err := testClient(srv.URL).ResolveLayers(context.Background(), ref, "tok")
	require.NoError(t, err)
	assert.Empty(t, layers)
}

func TestResolveLayersNoLayerList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"errors": [{"code": "MANIFEST_UNKNOWN"}]}`)
	}))
	defer srv.Close()

	ref := image.Reference{Name: "library/alpine", Tag: "gone"}
	_, err := testClient(srv.URL).ResolveLayers(context.Background(), ref, "tok")

	var manifestErr *ManifestError
	require.ErrorAs(t, err, &manifestErr)
	assert.Equal(t, "library/alpine:gone", manifestErr.Ref)
}

func TestResolveLayersInvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "not json")
	}))
	defer srv.Close()

	ref := image.Reference{Name: "library/alpine", Tag: "latest"}
	_, err := testClient(srv.URL).ResolveLayers(context.Background(), ref, "tok")

	var manifestErr *ManifestError
	require.ErrorAs(t, err, &manifestErr)
}

func TestFetchBlobNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	dgst := digest.Digest("sha256:1111111111111111111111111111111111111111111111111111111111111111")
	_, err := testClient(srv.URL).FetchBlob(context.Background(), "library/alpine", dgst, "tok")

	var fetchErr *LayerFetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, dgst, fetchErr.Digest)
	assert.Contains(t, err.Error(), dgst.String())
}

// TestPullAgainstRegistry runs the client against a real in-process
// registry: push a random image, then resolve and download its layers the
// way a run would.
func TestPullAgainstRegistry(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"token": "anything"})
	})
	mux.Handle("/v2/", ggcrregistry.New())

	srv := httptest.NewServer(mux)
	defer srv.Close()
	serverHost := strings.TrimPrefix(srv.URL, "http://")

	img, err := random.Image(1024, 2)
	require.NoError(t, err)

	dstRef, err := name.ParseReference(serverHost+"/library/testimg:latest", name.Insecure)
	require.NoError(t, err)
	require.NoError(t, remote.Write(dstRef, img))

	client := testClient(srv.URL)
	ctx := context.Background()

	token, err := client.PullToken(ctx, "library/testimg")
	require.NoError(t, err)

	ref := image.Reference{Name: "library/testimg", Tag: "latest"}
	layers, err := client.ResolveLayers(ctx, ref, token)
	require.NoError(t, err)
	require.Len(t, layers, 2)

	for _, dgst := range layers {
		blob, err := client.FetchBlob(ctx, "library/testimg", dgst, token)
		require.NoError(t, err)

		// Each blob must be a readable gzip stream.
		gzr, err := gzip.NewReader(blob)
		require.NoError(t, err)
		_, err = io.Copy(io.Discard, gzr)
		require.NoError(t, err)

		require.NoError(t, gzr.Close())
		require.NoError(t, blob.Close())
	}
}
