package registry

import (
	"fmt"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
)

// ParseReference validates refString and splits it into registry,
// repository and tag or digest. Docker Hub shorthand such as "busybox" or
// "library/busybox:1.36" is accepted.
func ParseReference(refString string) (name.Reference, error) {
	if strings.TrimSpace(refString) == "" {
		return nil, fmt.Errorf("%w: empty reference", ErrInvalidReference)
	}
	ref, err := name.ParseReference(refString)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidReference, refString, err)
	}
	return ref, nil
}

// Repository returns the fully qualified repository of refString, e.g.
// "index.docker.io/library/busybox" for "busybox:latest".
func Repository(refString string) (string, error) {
	ref, err := ParseReference(refString)
	if err != nil {
		return "", err
	}
	return ref.Context().Name(), nil
}
