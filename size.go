package sketch

import (
	"context"
	"math"
	"strconv"
)

// Size is a target size in pixels.
type Size struct {
	Width  int
	Height int
}

// OriginSize requests the image at its original dimensions.
var OriginSize = Size{Width: math.MaxInt32, Height: math.MaxInt32}

// IsEmpty reports whether either dimension is not positive.
func (s Size) IsEmpty() bool {
	return s.Width <= 0 || s.Height <= 0
}

// IsOrigin reports whether s is OriginSize.
func (s Size) IsOrigin() bool {
	return s == OriginSize
}

// Scale multiplies both dimensions by m, rounding to the nearest pixel.
// OriginSize is returned unchanged.
func (s Size) Scale(m float64) Size {
	if s.IsOrigin() || m == 1 {
		return s
	}
	return Size{
		Width:  int(math.Round(float64(s.Width) * m)),
		Height: int(math.Round(float64(s.Height) * m)),
	}
}

func (s Size) String() string {
	return strconv.Itoa(s.Width) + "x" + strconv.Itoa(s.Height)
}

// SizeResolver produces the target size of a request. Resolve may block, for
// example until a layout pass completes, and must honor ctx.
type SizeResolver interface {
	Resolve(ctx context.Context) (Size, error)
}

// SizeResolverFunc adapts a function to SizeResolver.
type SizeResolverFunc func(ctx context.Context) (Size, error)

// Resolve calls f(ctx).
func (f SizeResolverFunc) Resolve(ctx context.Context) (Size, error) {
	return f(ctx)
}

// FixedSizeResolver always resolves to the same size.
type FixedSizeResolver struct {
	Size Size
}

// FixedSize returns a resolver for a fixed width and height.
func FixedSize(width, height int) FixedSizeResolver {
	return FixedSizeResolver{Size: Size{Width: width, Height: height}}
}

// Resolve returns the fixed size.
func (r FixedSizeResolver) Resolve(context.Context) (Size, error) {
	return r.Size, nil
}

// sizeResolverKey identifies a resolver inside request keys. Fixed sizes are
// identified by value; other resolvers by type only.
func sizeResolverKey(r SizeResolver) string {
	switch v := r.(type) {
	case nil:
		return ""
	case FixedSizeResolver:
		return "Fixed(" + v.Size.String() + ")"
	case *FixedSizeResolver:
		return "Fixed(" + v.Size.String() + ")"
	default:
		return "Resolver"
	}
}
