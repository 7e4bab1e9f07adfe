package e1000

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Region 一块网卡可以直接访问的内存
type Region struct {
	Bytes []byte
	Phys  uint64 // 网卡看到的物理地址
}

// DMA 描述符环和收发缓冲区的分配器
type DMA interface {
	Alloc(size, align int) (Region, error)
}

var errRegionTooLarge = errors.New("dma region larger than a page")

func alignUp(v uint64, align int) uint64 {
	a := uint64(align)
	return (v + a - 1) / a * a
}

// HeapDMA 进程堆上的分配器，物理地址是base开始的合成地址。
// 只能配合模拟的网卡使用，Resolve把合成地址翻译回内存
type HeapDMA struct {
	mu      sync.Mutex
	next    uint64
	regions []Region
}

var _ DMA = (*HeapDMA)(nil)

func NewHeapDMA(base uint64) *HeapDMA {
	return &HeapDMA{next: base}
}

// Alloc implements DMA.Alloc. 返回的内存按align对齐，并且全0
func (d *HeapDMA) Alloc(size, align int) (Region, error) {
	if size <= 0 {
		return Region{}, fmt.Errorf("invalid dma size %d", size)
	}
	if align <= 0 {
		align = 1
	}
	buf := make([]byte, size+align)
	pad := (align - int(uintptr(unsafe.Pointer(&buf[0]))%uintptr(align))) % align

	d.mu.Lock()
	defer d.mu.Unlock()
	phys := alignUp(d.next, align)
	d.next = phys + uint64(size)
	r := Region{Bytes: buf[pad : pad+size : pad+size], Phys: phys}
	d.regions = append(d.regions, r)
	return r, nil
}

// Resolve 返回从phys开始的n个字节
func (d *HeapDMA) Resolve(phys uint64, n int) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range d.regions {
		if phys >= r.Phys && phys+uint64(n) <= r.Phys+uint64(len(r.Bytes)) {
			off := phys - r.Phys
			return r.Bytes[off : off+uint64(n)], true
		}
	}
	return nil, false
}

// PagemapDMA 用锁定的匿名页做DMA内存，通过 /proc/self/pagemap 查物理地址，
// 需要CAP_SYS_ADMIN。每次分配占一整页，所以单次不能超过一页
type PagemapDMA struct {
	mu       sync.Mutex
	pageSize int
	pages    [][]byte
}

var _ DMA = (*PagemapDMA)(nil)

func NewPagemapDMA() *PagemapDMA {
	return &PagemapDMA{pageSize: unix.Getpagesize()}
}

// Alloc implements DMA.Alloc.
func (d *PagemapDMA) Alloc(size, align int) (Region, error) {
	if size <= 0 || size > d.pageSize || align > d.pageSize {
		return Region{}, errRegionTooLarge
	}
	mem, err := unix.Mmap(-1, 0, d.pageSize, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE|unix.MAP_LOCKED)
	if err != nil {
		return Region{}, fmt.Errorf("mmap dma page: %w", err)
	}
	phys, err := virtToPhys(uintptr(unsafe.Pointer(&mem[0])), d.pageSize)
	if err != nil {
		unix.Munmap(mem)
		return Region{}, err
	}

	d.mu.Lock()
	d.pages = append(d.pages, mem)
	d.mu.Unlock()
	return Region{Bytes: mem[:size:size], Phys: phys}, nil
}

// Close 释放所有页
func (d *PagemapDMA) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs []error
	for _, p := range d.pages {
		if err := unix.Munmap(p); err != nil {
			errs = append(errs, err)
		}
	}
	d.pages = nil
	return errors.Join(errs...)
}

// pagemap每页一个64位条目：bit63 present，bit0-54 页帧号
func virtToPhys(addr uintptr, pageSize int) (uint64, error) {
	f, err := os.Open("/proc/self/pagemap")
	if err != nil {
		return 0, fmt.Errorf("open pagemap: %w", err)
	}
	defer f.Close()

	var entry [8]byte
	if _, err := f.ReadAt(entry[:], int64(addr/uintptr(pageSize))*8); err != nil {
		return 0, fmt.Errorf("read pagemap: %w", err)
	}
	v := binary.LittleEndian.Uint64(entry[:])
	if v&(1<<63) == 0 {
		return 0, fmt.Errorf("page %#x not present", addr)
	}
	pfn := v & (1<<55 - 1)
	if pfn == 0 {
		return 0, errors.New("pagemap hides frame numbers, CAP_SYS_ADMIN required")
	}
	return pfn*uint64(pageSize) + uint64(addr%uintptr(pageSize)), nil
}
