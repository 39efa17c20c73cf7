package image

import (
	"fmt"

	"github.com/containerd/errdefs"
)

var (
	ErrNotFound  = fmt.Errorf("image not found: %w", errdefs.ErrNotFound)
	ErrAmbiguous = fmt.Errorf("ambiguous image id prefix: %w", errdefs.ErrInvalidArgument)
	ErrStorage   = fmt.Errorf("image storage error: %w", errdefs.ErrInternal)
)
