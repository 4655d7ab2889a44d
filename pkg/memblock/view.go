package memblock

import "unsafe"

// MemoryKind tells the fabric which address space a view lives in.
type MemoryKind uint8

const (
	Host MemoryKind = iota
	Device
)

func (k MemoryKind) String() string {
	switch k {
	case Host:
		return "host"
	case Device:
		return "device"
	default:
		return "unknown"
	}
}

// View is a non-owning window over a contiguous memory range. The
// backing slice must stay alive and must not be reallocated while any
// registration derived from the view exists.
type View struct {
	data []byte
	kind MemoryKind
}

// HostView wraps a byte slice living in host memory.
func HostView(b []byte) View {
	return View{data: b, kind: Host}
}

// DeviceView wraps a byte slice backed by device-accessible memory
// (e.g. pinned staging for a device resident buffer).
func DeviceView(b []byte) View {
	return View{data: b, kind: Device}
}

func (v View) Bytes() []byte    { return v.data }
func (v View) Len() uint64      { return uint64(len(v.data)) }
func (v View) Kind() MemoryKind { return v.kind }

// base is the start address of the view, used only as a cache key.
func (v View) base() uintptr {
	if len(v.data) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(v.data)))
}

// Slice returns a sub-view of v. Offsets past the end are clamped.
func (v View) Slice(offset, length uint64) View {
	if offset > v.Len() {
		offset = v.Len()
	}
	end := offset + length
	if end > v.Len() {
		end = v.Len()
	}
	return View{data: v.data[offset:end], kind: v.kind}
}

// contains reports whether sub is fully enclosed in v and shares its
// address space.
func (v View) contains(sub View) bool {
	if v.kind != sub.kind || sub.Len() == 0 {
		return false
	}
	return sub.base() >= v.base() && sub.base()+uintptr(sub.Len()) <= v.base()+uintptr(v.Len())
}
