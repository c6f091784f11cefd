package comp

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/matjam/lucent/internal/signal"
)

// SHMPool is a memfd-backed shared memory pool. It is mapped once and
// stays mapped while any buffer created from it is alive; Destroy drops
// the creator's reference and the mapping goes away with the last buffer.
type SHMPool struct {
	fd   int
	data []byte
	refs int
}

// NewSHMPool creates and maps a pool of the given size.
func NewSHMPool(name string, size int) (*SHMPool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("comp: pool size %d", size)
	}
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("comp: memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("comp: ftruncate: %w", err)
	}
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("comp: mmap: %w", err)
	}
	return &SHMPool{fd: fd, data: data, refs: 1}, nil
}

// Bytes returns the mapped pool contents.
func (p *SHMPool) Bytes() []byte { return p.data }

// Size returns the current pool size in bytes.
func (p *SHMPool) Size() int { return len(p.data) }

// Resize grows the pool. Pools never shrink; clients only ever extend
// them.
func (p *SHMPool) Resize(size int) error {
	if size <= len(p.data) {
		return nil
	}
	if err := unix.Ftruncate(p.fd, int64(size)); err != nil {
		return fmt.Errorf("comp: ftruncate: %w", err)
	}
	if err := unix.Munmap(p.data); err != nil {
		return fmt.Errorf("comp: munmap: %w", err)
	}
	data, err := unix.Mmap(p.fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("comp: mmap: %w", err)
	}
	p.data = data
	return nil
}

func (p *SHMPool) ref() { p.refs++ }

func (p *SHMPool) unref() {
	p.refs--
	if p.refs == 0 {
		unix.Munmap(p.data)
		unix.Close(p.fd)
		p.data = nil
		p.fd = -1
	}
}

// Destroy drops the creator's reference. Buffers still alive keep the
// mapping usable until they are destroyed too.
func (p *SHMPool) Destroy() { p.unref() }

// BufferType tags the pixel source of a Buffer.
type BufferType int

const (
	BufferSHM BufferType = iota
	BufferDMABuf
	BufferSolid
	BufferOpaque
)

func (t BufferType) String() string {
	switch t {
	case BufferSHM:
		return "shm"
	case BufferDMABuf:
		return "dmabuf"
	case BufferSolid:
		return "solid"
	case BufferOpaque:
		return "opaque"
	}
	return "unknown"
}

// SHMInfo locates a buffer's planes within its pool.
type SHMInfo struct {
	Pool    *SHMPool
	Offsets []int
	Strides []int
}

// DMABufPlane is one plane of a dmabuf submission. The compositor owns
// the descriptor once submitted and closes it with the buffer.
type DMABufPlane struct {
	FD     int
	Stride int
	Offset int
}

// DMABufInfo carries the planes and format modifier of a dmabuf buffer.
type DMABufInfo struct {
	Planes   []DMABufPlane
	Modifier uint64
}

// BufferRelease tells the submitting client when the compositor is done
// reading a buffer. With native fences the release carries a sync
// descriptor; each frame replaces the previous descriptor because repaints
// are strictly ordered on one GPU context.
type BufferRelease struct {
	ReleaseSignal signal.Signal

	fenceFD int
}

// NewBufferRelease returns a release point with no fence attached.
func NewBufferRelease() *BufferRelease {
	return &BufferRelease{fenceFD: -1}
}

// ReplaceFence installs fd as the release fence, closing any previous one.
func (r *BufferRelease) ReplaceFence(fd int) {
	if r.fenceFD >= 0 {
		unix.Close(r.fenceFD)
	}
	r.fenceFD = fd
}

// FenceFD returns the current release fence, -1 when none.
func (r *BufferRelease) FenceFD() int { return r.fenceFD }

// Buffer is an immutable-once-submitted pixel source. Buffers are
// refcounted; DestroySignal fires once when the last reference drops so
// renderer-private GPU state can be torn down.
type Buffer struct {
	Type   BufferType
	Width  int
	Height int
	Format PixelFormat

	// OriginBottomLeft is set for sources whose first row is the bottom
	// of the image, such as GL-rendered client buffers.
	OriginBottomLeft bool

	SHM    *SHMInfo
	DMABuf *DMABufInfo
	Color  [4]float64 // premultiplied RGBA for BufferSolid

	// OpaqueState carries the external producer's prepared resource for
	// BufferOpaque submissions.
	OpaqueState any

	// RendererState is the renderer-private mirror of this buffer. SHM
	// buffers leave it nil; their state lives on the Surface so textures
	// survive buffer swaps.
	RendererState any

	// Unsupported is set by the renderer when import fails. The buffer
	// stays attached but is never drawn.
	Unsupported bool

	// Release, when set, is the client's release point for explicit
	// synchronization.
	Release *BufferRelease

	DestroySignal signal.Signal
	ReleaseSignal signal.Signal

	refs int
}

// NewSHMBuffer wraps a region of pool as a buffer. The plane layout must
// match the format's decomposition and stay inside the pool.
func NewSHMBuffer(pool *SHMPool, width, height int, format PixelFormat, offsets, strides []int) (*Buffer, error) {
	info := format.Info()
	if len(info.Planes) == 0 {
		return nil, fmt.Errorf("comp: unknown format %v", format)
	}
	if len(offsets) != len(info.Planes) || len(strides) != len(info.Planes) {
		return nil, fmt.Errorf("comp: format %v needs %d planes, got %d offsets and %d strides",
			format, len(info.Planes), len(offsets), len(strides))
	}
	for i, plane := range info.Planes {
		rows := ceilDiv(height, plane.DivH)
		end := offsets[i] + strides[i]*rows
		if offsets[i] < 0 || strides[i] <= 0 || end > pool.Size() {
			return nil, fmt.Errorf("comp: plane %d exceeds pool: offset %d stride %d rows %d pool %d",
				i, offsets[i], strides[i], rows, pool.Size())
		}
	}
	pool.ref()
	return &Buffer{
		Type:   BufferSHM,
		Width:  width,
		Height: height,
		Format: format,
		SHM: &SHMInfo{
			Pool:    pool,
			Offsets: append([]int(nil), offsets...),
			Strides: append([]int(nil), strides...),
		},
		refs: 1,
	}, nil
}

// NewDMABufBuffer wraps submitted dmabuf planes. The compositor takes
// ownership of the plane descriptors.
func NewDMABufBuffer(width, height int, format PixelFormat, info *DMABufInfo) *Buffer {
	return &Buffer{
		Type:   BufferDMABuf,
		Width:  width,
		Height: height,
		Format: format,
		DMABuf: info,
		refs:   1,
	}
}

// NewSolidBuffer makes a single-color buffer. color is premultiplied RGBA.
func NewSolidBuffer(width, height int, color [4]float64) *Buffer {
	return &Buffer{
		Type:   BufferSolid,
		Width:  width,
		Height: height,
		Format: FormatARGB8888,
		Color:  color,
		refs:   1,
	}
}

// NewOpaqueBuffer wraps a resource prepared by an external producer.
func NewOpaqueBuffer(width, height int, format PixelFormat, state any) *Buffer {
	return &Buffer{
		Type:        BufferOpaque,
		Width:       width,
		Height:      height,
		Format:      format,
		OpaqueState: state,
		refs:        1,
	}
}

// Ref takes an additional reference.
func (b *Buffer) Ref() *Buffer {
	if b.refs <= 0 {
		panic("comp: ref of destroyed buffer")
	}
	b.refs++
	return b
}

// Unref drops one reference. At zero the destroy signal fires, pool and
// plane descriptors are released, and any release fence is closed.
func (b *Buffer) Unref() {
	if b.refs <= 0 {
		panic("comp: unref of destroyed buffer")
	}
	b.refs--
	if b.refs > 0 {
		return
	}
	b.DestroySignal.Emit(b)
	if b.SHM != nil {
		b.SHM.Pool.unref()
		b.SHM = nil
	}
	if b.DMABuf != nil {
		for _, p := range b.DMABuf.Planes {
			if p.FD >= 0 {
				unix.Close(p.FD)
			}
		}
		b.DMABuf = nil
	}
	if b.Release != nil {
		b.Release.ReplaceFence(-1)
	}
}

// NotifyRelease reports that the renderer finished reading the buffer for
// this frame. A non-negative fenceFD is handed to the release point,
// replacing the previous fence; without a release point the descriptor is
// closed and ReleaseSignal fires immediately.
func (b *Buffer) NotifyRelease(fenceFD int) {
	if b.Release != nil && fenceFD >= 0 {
		b.Release.ReplaceFence(fenceFD)
		return
	}
	if fenceFD >= 0 {
		unix.Close(fenceFD)
	}
	b.ReleaseSignal.Emit(b)
}

// SolidColor reports the buffer's color when it is a solid buffer.
func (b *Buffer) SolidColor() ([4]float64, bool) {
	if b.Type != BufferSolid {
		return [4]float64{}, false
	}
	return b.Color, true
}
