package e1000

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// RegisterFile 网卡寄存器的读写，每次访问都是一次完整的32位读或写
type RegisterFile interface {
	Read32(off uint32) uint32
	Write32(off uint32, v uint32)
}

// MMIO 映射到进程地址空间的BAR0
type MMIO struct {
	mem    []byte
	mapped bool
}

var _ RegisterFile = (*MMIO)(nil)

// NewMMIO 用一段已经映射好的内存做寄存器文件，mem必须4字节对齐
func NewMMIO(mem []byte) *MMIO {
	return &MMIO{mem: mem}
}

// MapBAR mmap一个PCI资源文件，比如 /sys/bus/pci/devices/0000:00:03.0/resource0
func MapBAR(path string, size int) (*MMIO, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer unix.Close(fd)

	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	return &MMIO{mem: mem, mapped: true}, nil
}

func (m *MMIO) word(off uint32) *uint32 {
	if int(off)+4 > len(m.mem) || off&3 != 0 {
		panic(fmt.Sprintf("e1000: register offset %#x out of range", off))
	}
	return (*uint32)(unsafe.Pointer(&m.mem[off]))
}

// Read32 implements RegisterFile.Read32.
func (m *MMIO) Read32(off uint32) uint32 {
	return atomic.LoadUint32(m.word(off))
}

// Write32 implements RegisterFile.Write32.
func (m *MMIO) Write32(off uint32, v uint32) {
	atomic.StoreUint32(m.word(off), v)
}

// Close 解除映射
func (m *MMIO) Close() error {
	if !m.mapped {
		return nil
	}
	m.mapped = false
	return unix.Munmap(m.mem)
}
