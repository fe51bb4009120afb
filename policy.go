package sketch

// CachePolicy controls whether a cache layer may be read, written, or both.
type CachePolicy int

// Cache policies.
const (
	Enabled CachePolicy = iota
	Disabled
	ReadOnly
	WriteOnly
)

// ReadEnabled reports whether the layer may serve hits.
func (p CachePolicy) ReadEnabled() bool {
	return p == Enabled || p == ReadOnly
}

// WriteEnabled reports whether the layer may be populated.
func (p CachePolicy) WriteEnabled() bool {
	return p == Enabled || p == WriteOnly
}

// ReadOrWrite reports whether the layer is touched at all.
func (p CachePolicy) ReadOrWrite() bool {
	return p.ReadEnabled() || p.WriteEnabled()
}

func (p CachePolicy) String() string {
	switch p {
	case Enabled:
		return "ENABLED"
	case Disabled:
		return "DISABLED"
	case ReadOnly:
		return "READ_ONLY"
	case WriteOnly:
		return "WRITE_ONLY"
	default:
		return "UNKNOWN"
	}
}

// Depth limits how far into the pipeline a request may go.
type Depth int

// Depths, from deepest to shallowest.
const (
	// DepthNetwork allows every source, including remote ones.
	DepthNetwork Depth = iota
	// DepthLocal allows caches and local sources only.
	DepthLocal
	// DepthMemory allows the memory cache only.
	DepthMemory
)

func (d Depth) String() string {
	switch d {
	case DepthNetwork:
		return "NETWORK"
	case DepthLocal:
		return "LOCAL"
	case DepthMemory:
		return "MEMORY"
	default:
		return "UNKNOWN"
	}
}

// Precision controls how strictly a decoded image must match the target size.
type Precision int

// Precisions.
const (
	// LessPixels allows any result whose pixel count does not exceed the target.
	LessPixels Precision = iota
	// SameAspectRatio keeps the target aspect ratio, cropping if needed.
	SameAspectRatio
	// Exactly requires the result to match the target dimensions.
	Exactly
)

func (p Precision) String() string {
	switch p {
	case LessPixels:
		return "LESS_PIXELS"
	case SameAspectRatio:
		return "SAME_ASPECT_RATIO"
	case Exactly:
		return "EXACTLY"
	default:
		return "UNKNOWN"
	}
}

// Scale selects which region survives a crop.
type Scale int

// Scales.
const (
	CenterCrop Scale = iota
	StartCrop
	EndCrop
	Fill
)

func (s Scale) String() string {
	switch s {
	case CenterCrop:
		return "CENTER_CROP"
	case StartCrop:
		return "START_CROP"
	case EndCrop:
		return "END_CROP"
	case Fill:
		return "FILL"
	default:
		return "UNKNOWN"
	}
}
