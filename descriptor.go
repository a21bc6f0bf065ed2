package gpupool

import (
	"encoding/binary"
	"hash/fnv"
)

// PixelFormat identifies the texel layout of a texture or render attachment
type PixelFormat uint32

const (
	PixelFormatInvalid PixelFormat = iota
	PixelFormatR8Unorm
	PixelFormatRG8Unorm
	PixelFormatRGBA8Unorm
	PixelFormatBGRA8Unorm
	PixelFormatRGBA16Float
	PixelFormatRGBA32Float
	PixelFormatDepth32Float
)

var pixelFormatNames = map[PixelFormat]string{
	PixelFormatInvalid:      "Invalid",
	PixelFormatR8Unorm:      "R8Unorm",
	PixelFormatRG8Unorm:     "RG8Unorm",
	PixelFormatRGBA8Unorm:   "RGBA8Unorm",
	PixelFormatBGRA8Unorm:   "BGRA8Unorm",
	PixelFormatRGBA16Float:  "RGBA16Float",
	PixelFormatRGBA32Float:  "RGBA32Float",
	PixelFormatDepth32Float: "Depth32Float",
}

func (f PixelFormat) String() string {
	return pixelFormatNames[f]
}

// BytesPerPixel returns the storage cost of a single texel in this format
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case PixelFormatR8Unorm:
		return 1
	case PixelFormatRG8Unorm:
		return 2
	case PixelFormatRGBA16Float:
		return 8
	case PixelFormatRGBA32Float:
		return 16
	default:
		return 4
	}
}

// TextureUsage is a bitmask of the ways a texture may be consumed
type TextureUsage uint32

const (
	TextureUsageShaderRead TextureUsage = 1 << iota
	TextureUsageShaderWrite
	TextureUsageRenderTarget
)

// StorageMode describes where a texture's memory lives
type StorageMode uint32

const (
	StorageModePrivate StorageMode = iota
	StorageModeShared
	StorageModeMemoryless
)

// TextureDescriptor is an immutable structural description of a texture. Two
// descriptors with equal fields identify interchangeable textures, so the pool
// uses the descriptor value itself as its cache key.
type TextureDescriptor struct {
	Width  int
	Height int
	Depth  int

	Format      PixelFormat
	Usage       TextureUsage
	StorageMode StorageMode

	MipLevelCount int
	SampleCount   int
	ArrayLength   int
}

// FootprintBytes estimates the memory the described texture will occupy. Mip
// chains add one third on top of the base level.
func (d TextureDescriptor) FootprintBytes() int {
	depth := d.Depth
	if depth == 0 {
		depth = 1
	}
	samples := d.SampleCount
	if samples == 0 {
		samples = 1
	}
	layers := d.ArrayLength
	if layers == 0 {
		layers = 1
	}

	base := d.Width * d.Height * depth * d.Format.BytesPerPixel() * samples * layers
	if d.MipLevelCount > 1 {
		base += base / 3
	}
	return base
}

// BufferType segments buffer pool capacity by usage
type BufferType uint32

const (
	BufferTypeVertex BufferType = iota
	BufferTypeIndex
	BufferTypeUniform
	BufferTypeStorage
	BufferTypeStaging
)

var bufferTypeNames = map[BufferType]string{
	BufferTypeVertex:  "Vertex",
	BufferTypeIndex:   "Index",
	BufferTypeUniform: "Uniform",
	BufferTypeStorage: "Storage",
	BufferTypeStaging: "Staging",
}

func (t BufferType) String() string {
	return bufferTypeNames[t]
}

// BlendOperation is the fixed-function blend op baked into a pipeline
type BlendOperation uint32

const (
	BlendOperationNone BlendOperation = iota
	BlendOperationAdd
	BlendOperationSubtract
	BlendOperationMin
	BlendOperationMax
)

// PipelineDescriptor describes a compiled pipeline: the shader functions it binds
// plus the fixed-function state baked in at compile time. Equality is purely
// structural, expressed through CacheKey.
type PipelineDescriptor struct {
	Label string

	VertexFunction   string
	FragmentFunction string

	ColorFormats []PixelFormat
	DepthFormat  PixelFormat

	BlendOperation BlendOperation
	SampleCount    int
}

// CacheKey computes the content hash used to identify this descriptor in the
// pipeline state cache: FNV-1a over the shader function identities and every
// piece of fixed-function state. The label is cosmetic and excluded.
func (d PipelineDescriptor) CacheKey() uint64 {
	h := fnv.New64a()
	var scratch [8]byte

	writeString := func(s string) {
		_, _ = h.Write([]byte(s))
		_, _ = h.Write([]byte{0})
	}
	writeUint := func(v uint64) {
		binary.LittleEndian.PutUint64(scratch[:], v)
		_, _ = h.Write(scratch[:])
	}

	writeString(d.VertexFunction)
	writeString(d.FragmentFunction)
	writeUint(uint64(len(d.ColorFormats)))
	for _, format := range d.ColorFormats {
		writeUint(uint64(format))
	}
	writeUint(uint64(d.DepthFormat))
	writeUint(uint64(d.BlendOperation))
	writeUint(uint64(d.SampleCount))

	return h.Sum64()
}
