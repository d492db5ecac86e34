package model

import (
	"errors"
	"fmt"
)

// ErrNotImplemented is returned by Build for architectures that are
// registered but whose design is still pending.
var ErrNotImplemented = errors.New("architecture not implemented")

// Build constructs a registered architecture by name.
func Build(name string, numClasses int) (Model, error) {
	switch name {
	case "pointwise":
		return NewPointwise(numClasses)
	case "unet":
		// The encoder/decoder layout has not been settled yet.
		return nil, fmt.Errorf("unet: %w", ErrNotImplemented)
	default:
		return nil, fmt.Errorf("unknown architecture %q", name)
	}
}

// Architectures lists the registered model names.
func Architectures() []string {
	return []string{"pointwise", "unet"}
}
