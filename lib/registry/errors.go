package registry

import (
	"fmt"

	"github.com/opencontainers/go-digest"
)

// AuthError reports a failed pull-token request. A single failed attempt
// aborts the run; tokens are never retried or refreshed.
type AuthError struct {
	Name string
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("obtain pull token for %s: %v", e.Name, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ManifestError reports a failed manifest fetch or a response body that
// carries no recognizable layer list.
type ManifestError struct {
	Ref string
	Err error
}

func (e *ManifestError) Error() string {
	return fmt.Sprintf("resolve manifest for %s: %v", e.Ref, e.Err)
}

func (e *ManifestError) Unwrap() error { return e.Err }

// LayerFetchError reports a failed blob download or a blob that could not
// be unpacked. It always carries the digest of the failing layer.
type LayerFetchError struct {
	Digest digest.Digest
	Err    error
}

func (e *LayerFetchError) Error() string {
	return fmt.Sprintf("fetch layer %s: %v", e.Digest, e.Err)
}

func (e *LayerFetchError) Unwrap() error { return e.Err }
