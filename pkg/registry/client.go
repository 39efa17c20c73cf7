package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"runtime"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/sirupsen/logrus"
)

// Client fetches image manifests and layer blobs from OCI registries.
// It holds no per-pull state and is safe for concurrent use.
type Client struct {
	platform  v1.Platform
	transport http.RoundTripper
}

// Option configures a Client.
type Option func(*Client)

// WithPlatform selects the manifest used when a reference resolves to an
// image index.
func WithPlatform(p v1.Platform) Option {
	return func(c *Client) {
		c.platform = p
	}
}

// WithTransport overrides the HTTP transport used for registry calls.
func WithTransport(t http.RoundTripper) Option {
	return func(c *Client) {
		c.transport = t
	}
}

// NewClient creates a registry client for the host platform.
func NewClient(opts ...Option) *Client {
	c := &Client{
		platform: v1.Platform{OS: "linux", Architecture: runtime.GOARCH},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Image is a resolved remote image. Layer blobs are not downloaded until
// opened.
type Image struct {
	Reference string
	Digest    string // manifest digest, "sha256:<hex>"
	Manifest  *v1.Manifest
	Layers    []*Layer // manifest order
}

// Size returns the compressed size of all layers as declared by the manifest.
func (i *Image) Size() int64 {
	var size int64
	for _, l := range i.Layers {
		size += l.Size
	}
	return size
}

// Layer is a single layer blob of a resolved image.
type Layer struct {
	Digest    string
	Size      int64
	MediaType string

	layer v1.Layer
}

// NewLayer wraps a go-containerregistry layer.
func NewLayer(l v1.Layer) (*Layer, error) {
	digest, err := l.Digest()
	if err != nil {
		return nil, wrapError("reading layer digest", err)
	}
	size, err := l.Size()
	if err != nil {
		return nil, wrapError("reading layer size", err)
	}
	mediaType, err := l.MediaType()
	if err != nil {
		return nil, wrapError("reading layer media type", err)
	}
	return &Layer{
		Digest:    digest.String(),
		Size:      size,
		MediaType: string(mediaType),
		layer:     l,
	}, nil
}

// Open streams the compressed layer blob. The stream is verified against
// the layer digest; any failure while reading is reported as ErrRegistry.
func (l *Layer) Open() (io.ReadCloser, error) {
	rc, err := l.layer.Compressed()
	if err != nil {
		return nil, wrapError(fmt.Sprintf("fetching layer %s", l.Digest), err)
	}
	return &layerReader{rc: rc, digest: l.Digest}, nil
}

type layerReader struct {
	rc     io.ReadCloser
	digest string
}

func (r *layerReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	if err != nil && err != io.EOF {
		err = wrapError(fmt.Sprintf("reading layer %s", r.digest), err)
	}
	return n, err
}

func (r *layerReader) Close() error {
	return r.rc.Close()
}

// Pull resolves refString to a single image manifest and returns handles to
// its layers. Malformed references fail before any network call. Failures
// are not retried; retry policy belongs to the caller.
func (c *Client) Pull(ctx context.Context, refString string, auth Auth) (*Image, error) {
	ref, err := ParseReference(refString)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"ref":       refString,
		"registry":  ref.Context().RegistryStr(),
		"anonymous": auth.IsAnonymous(),
	}).Debug("Resolving image manifest")

	opts := []remote.Option{
		remote.WithContext(ctx),
		remote.WithAuth(auth.Authenticator()),
		remote.WithPlatform(c.platform),
		remote.WithRetryBackoff(remote.Backoff{Steps: 1}),
	}
	if c.transport != nil {
		opts = append(opts, remote.WithTransport(c.transport))
	}

	img, err := remote.Image(ref, opts...)
	if err != nil {
		return nil, wrapError(fmt.Sprintf("fetching manifest for %s", refString), err)
	}
	return FromImage(refString, img)
}

// FromImage describes an already resolved image.
func FromImage(refString string, img v1.Image) (*Image, error) {
	digest, err := img.Digest()
	if err != nil {
		return nil, wrapError("computing manifest digest", err)
	}
	manifest, err := img.Manifest()
	if err != nil {
		return nil, wrapError("reading manifest", err)
	}
	layers, err := img.Layers()
	if err != nil {
		return nil, wrapError("listing layers", err)
	}

	out := &Image{
		Reference: refString,
		Digest:    digest.String(),
		Manifest:  manifest,
		Layers:    make([]*Layer, 0, len(layers)),
	}
	for _, l := range layers {
		layer, err := NewLayer(l)
		if err != nil {
			return nil, err
		}
		out.Layers = append(out.Layers, layer)
	}
	return out, nil
}
