package registry

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/samber/lo"
)

// Docker Hub still serves this for most tagged pulls; the OCI type covers
// registries that have moved on.
const mediaTypeDockerManifest = "application/vnd.docker.distribution.manifest.v2+json"

var acceptedManifestTypes = strings.Join([]string{
	mediaTypeDockerManifest,
	ocispec.MediaTypeImageManifest,
}, ", ")

var errNoLayerList = errors.New("manifest has no layer list")

// manifestDocument covers the two layer-list shapes seen in the wild:
// schema2/OCI manifests with layers[].digest and legacy schema1 manifests
// with fsLayers[].blobSum. Pointers distinguish an absent list from an
// empty one; a zero-layer image is legal.
type manifestDocument struct {
	Layers   *[]ocispec.Descriptor `json:"layers"`
	FSLayers *[]fsLayer            `json:"fsLayers"`
}

type fsLayer struct {
	BlobSum digest.Digest `json:"blobSum"`
}

// parseLayerDigests extracts the ordered layer digests from a raw manifest
// body. Source order is preserved exactly; it is the application order.
func parseLayerDigests(body []byte) ([]digest.Digest, error) {
	var doc manifestDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}

	switch {
	case doc.Layers != nil:
		return lo.Map(*doc.Layers, func(d ocispec.Descriptor, _ int) digest.Digest {
			return d.Digest
		}), nil
	case doc.FSLayers != nil:
		return lo.Map(*doc.FSLayers, func(l fsLayer, _ int) digest.Digest {
			return l.BlobSum
		}), nil
	}

	return nil, errNoLayerList
}
