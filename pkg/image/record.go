package image

import (
	_ "crypto/sha256" // required by go-digest validation
	"fmt"
	"slices"
	"strings"

	"github.com/opencontainers/go-digest"

	"crius/pkg/registry"
)

const (
	idScheme = "sha256:"

	// Number of hex characters of the manifest digest kept in an image id.
	idLength = 12
)

// Record describes a locally stored image. It is also the on-disk
// metadata document.
type Record struct {
	ID       string   `json:"id"`
	RepoTags []string `json:"repo_tags"`
	Size     uint64   `json:"size"`
	Digest   string   `json:"digest,omitempty"`
	Layers   []string `json:"layers,omitempty"`

	// Updated is the time of the last metadata write in Unix nanoseconds.
	// When two stored images claim a tag, the later one owns it.
	Updated int64 `json:"updated,omitempty"`
}

// HasTag reports whether tag points at r.
func (r Record) HasTag(tag string) bool {
	return slices.Contains(r.RepoTags, tag)
}

func (r Record) clone() Record {
	r.RepoTags = slices.Clone(r.RepoTags)
	r.Layers = slices.Clone(r.Layers)
	return r
}

// DeriveID returns the image id for a manifest digest: "sha256:" followed by
// the first 12 hex characters of the digest.
func DeriveID(manifestDigest string) (string, error) {
	d, err := digest.Parse(manifestDigest)
	if err != nil {
		return "", fmt.Errorf("%w: malformed manifest digest %q: %v", registry.ErrRegistry, manifestDigest, err)
	}
	if d.Algorithm() != digest.SHA256 {
		return "", fmt.Errorf("%w: unsupported manifest digest algorithm %q", registry.ErrRegistry, d.Algorithm())
	}
	return idScheme + d.Encoded()[:idLength], nil
}

// trimScheme strips the optional "sha256:" prefix of an id or id prefix.
func trimScheme(s string) string {
	return strings.TrimPrefix(s, idScheme)
}
