package modules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/buildkite/sandboxshim/internal/ociref"
	"github.com/containerd/platforms"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

var jsonUnmarshal = json.Unmarshal

func fetchRemote(ctx context.Context, ref ociref.Reference) (v1.Image, error) {
	desc, err := remote.Get(ref.Name(), remote.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetch manifest for %q: %w", ref.Original, err)
	}
	if !desc.MediaType.IsIndex() {
		return desc.Image()
	}
	idx, err := desc.ImageIndex()
	if err != nil {
		return nil, fmt.Errorf("read image index for %q: %w", ref.Original, err)
	}
	return selectImage(idx)
}

// selectImage picks the manifest for the host platform, then a wasm
// manifest, then any manifest without a platform.
func selectImage(idx v1.ImageIndex) (v1.Image, error) {
	manifest, err := idx.IndexManifest()
	if err != nil {
		return nil, fmt.Errorf("read index manifest: %w", err)
	}

	host := platforms.Only(platforms.DefaultSpec())
	var wasm, unlabelled *v1.Descriptor
	for i := range manifest.Manifests {
		desc := manifest.Manifests[i]
		if !desc.MediaType.IsImage() {
			continue
		}
		if desc.Platform == nil {
			if unlabelled == nil {
				unlabelled = &desc
			}
			continue
		}
		p := ocispec.Platform{
			OS:           desc.Platform.OS,
			Architecture: desc.Platform.Architecture,
			Variant:      desc.Platform.Variant,
			OSVersion:    desc.Platform.OSVersion,
		}
		if host.Match(p) {
			return idx.Image(desc.Digest)
		}
		if wasm == nil && isWasmPlatform(p) {
			wasm = &desc
		}
	}
	switch {
	case wasm != nil:
		return idx.Image(wasm.Digest)
	case unlabelled != nil:
		return idx.Image(unlabelled.Digest)
	}
	return nil, errors.New("image index has no usable manifest")
}

func isWasmPlatform(p ocispec.Platform) bool {
	switch p.OS {
	case "wasi", "wasip1", "wasip2":
		return true
	}
	return p.Architecture == "wasm"
}
