package ociref

import (
	"fmt"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/opencontainers/go-digest"
)

// Reference is an image reference as found in container annotations.
type Reference struct {
	Original   string
	Repository string
	Tag        string
	// Digest is empty unless the reference is digest-pinned.
	Digest digest.Digest

	ref name.Reference
}

func (r Reference) Pinned() bool {
	return r.Digest != ""
}

// Name returns the parsed reference for use with go-containerregistry.
func (r Reference) Name() name.Reference {
	return r.ref
}

// Parse accepts tagged and digest-pinned references. insecure lets the
// registry be reached over plain HTTP.
func Parse(raw string, insecure bool) (Reference, error) {
	ref := strings.TrimSpace(raw)
	if ref == "" {
		return Reference{}, fmt.Errorf("image reference is empty")
	}

	var opts []name.Option
	if insecure {
		opts = append(opts, name.Insecure)
	}
	parsed, err := name.ParseReference(ref, opts...)
	if err != nil {
		return Reference{}, fmt.Errorf("parse image reference %q: %w", ref, err)
	}

	out := Reference{
		Original:   ref,
		Repository: parsed.Context().Name(),
		ref:        parsed,
	}
	switch r := parsed.(type) {
	case name.Digest:
		d, err := digest.Parse(r.DigestStr())
		if err != nil {
			return Reference{}, fmt.Errorf("reference %q has an invalid digest: %w", ref, err)
		}
		out.Digest = d
	case name.Tag:
		out.Tag = r.TagStr()
	}
	return out, nil
}

// RegistryHost returns the registry part of a reference without parsing the
// rest, for matching against configured registry lists.
func RegistryHost(raw string) string {
	parsed, err := name.ParseReference(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return parsed.Context().RegistryStr()
}
