package image

import (
	"fmt"

	"github.com/distribution/reference"
)

// Reference is a validated image reference, reduced to the two pieces the
// registry protocol needs: a repository path and a tag.
// Examples:
//   - "alpine" -> {Name: "library/alpine", Tag: "latest"}
//   - "alpine:3.18" -> {Name: "library/alpine", Tag: "3.18"}
//   - "myorg/tool:v2" -> {Name: "myorg/tool", Tag: "v2"}
type Reference struct {
	Name string
	Tag  string
}

// Parse validates and normalizes a user-provided image reference.
// Short names get the registry's default namespace ("library/") and a
// missing tag defaults to "latest". Digest references (name@sha256:...)
// are rejected; pulling by digest is not supported.
func Parse(s string) (Reference, error) {
	named, err := reference.ParseNormalizedNamed(s)
	if err != nil {
		return Reference{}, fmt.Errorf("parse image reference %q: %w", s, err)
	}

	if _, ok := named.(reference.Canonical); ok {
		return Reference{}, fmt.Errorf("parse image reference %q: digest references are not supported", s)
	}

	ref := Reference{Name: reference.Path(named)}

	tagged := reference.TagNameOnly(named)
	if t, ok := tagged.(reference.Tagged); ok {
		ref.Tag = t.Tag()
	}

	return ref, nil
}

// String returns the reference in name:tag form.
func (r Reference) String() string {
	return r.Name + ":" + r.Tag
}
