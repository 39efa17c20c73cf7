package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/containerd/errdefs"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
)

var (
	ErrInvalidReference = fmt.Errorf("invalid image reference: %w", errdefs.ErrInvalidArgument)
	ErrAuth             = fmt.Errorf("registry authentication failed: %w", errdefs.ErrPermissionDenied)
	ErrRegistry         = fmt.Errorf("registry error: %w", errdefs.ErrUnavailable)
)

// wrapError classifies a failure talking to the registry. The underlying
// cause stays in the chain so context errors can still be detected.
func wrapError(what string, err error) error {
	if errors.Is(err, ErrAuth) || errors.Is(err, ErrRegistry) {
		return err
	}

	var terr *transport.Error
	if errors.As(err, &terr) {
		switch terr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %s: %w", ErrAuth, what, err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: timed out: %w", ErrRegistry, what, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrRegistry, what, err)
}
