// Package boot defines the contract between the platform entry stub (the
// Limine/UEFI-style loader hand-off) and the kernel core: a single
// struct of loader-supplied facts, assembled once at the top of main
// and threaded into the core's own Init functions rather than read back
// out of global state scattered across packages.
package boot

// MemoryType classifies a boot-time physical memory map entry.
type MemoryType int

const (
	Usable MemoryType = iota
	Reserved
	AcpiReclaimable
	AcpiNVS
	BootloaderReclaimable
	ExecutableAndModules
	Framebuffer
	BadMemory
)

func (t MemoryType) String() string {
	switch t {
	case Usable:
		return "Usable"
	case Reserved:
		return "Reserved"
	case AcpiReclaimable:
		return "AcpiReclaimable"
	case AcpiNVS:
		return "AcpiNVS"
	case BootloaderReclaimable:
		return "BootloaderReclaimable"
	case ExecutableAndModules:
		return "ExecutableAndModules"
	case Framebuffer:
		return "Framebuffer"
	case BadMemory:
		return "BadMemory"
	default:
		return "Unknown"
	}
}

// MemoryMapEntry is one typed physical memory range reported by the
// loader.
type MemoryMapEntry struct {
	Base   uint64
	Length uint64
	Type   MemoryType
}

// End returns the exclusive end address of the entry.
func (e MemoryMapEntry) End() uint64 {
	return e.Base + e.Length
}

// FramebufferInfo describes the loader-provided linear framebuffer, kept
// here only so the VMM can map it; pixel routines live elsewhere.
type FramebufferInfo struct {
	Base         uint64
	Pitch        uint64
	Width        uint64
	Height       uint64
	BitsPerPixel uint16
}

// Present reports whether the loader handed off a usable framebuffer.
func (fb FramebufferInfo) Present() bool {
	return fb.Base != 0 && fb.Width != 0 && fb.Height != 0
}

// Config is everything the core needs from the loader at entry.
type Config struct {
	// MemoryMap is the typed physical memory map.
	MemoryMap []MemoryMapEntry
	// HHDMOffset is the virtual offset at which all RAM is linearly
	// mapped (see GLOSSARY: HHDM).
	HHDMOffset uint64
	// KernelPhysBase/KernelVirtBase/KernelSize describe the loaded
	// kernel image.
	KernelPhysBase uint64
	KernelVirtBase uint64
	KernelSize     uint64
	// Framebuffer is the loader-provided linear framebuffer, if any.
	Framebuffer FramebufferInfo
}

// HighestAddress returns the exclusive end of the highest physical
// address named by the memory map, the size the PMM bitmap must cover.
func (c *Config) HighestAddress() uint64 {
	var max uint64

	for _, e := range c.MemoryMap {
		if end := e.End(); end > max {
			max = end
		}
	}

	return max
}
