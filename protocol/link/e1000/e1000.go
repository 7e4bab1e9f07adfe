// Package e1000 是Intel 8254x（e1000）网卡的驱动：寄存器通过RegisterFile访问，
// 收发各用一个16项的描述符环，收到帧时置RXT0中断
package e1000

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/qxcheng/kernel-net/internal/log"
	"github.com/qxcheng/kernel-net/pkg/buffer"
	"github.com/qxcheng/kernel-net/pkg/sleep"
	tcpip "github.com/qxcheng/kernel-net/protocol"
	"github.com/qxcheng/kernel-net/protocol/stack"
)

const (
	Vendor = 0x8086
	Device = 0x100E // 82540EM，qemu的默认e1000

	// BARSize BAR0的大小
	BARSize = 128 << 10

	RingSize     = 16
	DescSize     = 16
	RxBufferSize = 2048

	minRxLength = 60
)

func init() {
	stack.RegisterAdapterMatch(stack.AdapterMatch{Vendor: Vendor, Device: Device})
}

// Options 驱动的等待参数
type Options struct {
	ResetTimeout time.Duration // 等待RST自清的上限，默认1s
	TxTimeout    time.Duration // 等待发送描述符DD的上限，默认1s
	PollInterval time.Duration // 默认10us
	Logger       *logrus.Entry
}

func (o *Options) fillIn() {
	if o.ResetTimeout <= 0 {
		o.ResetTimeout = time.Second
	}
	if o.TxTimeout <= 0 {
		o.TxTimeout = time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 10 * time.Microsecond
	}
	if o.Logger == nil {
		o.Logger = log.WithComponent("e1000")
	}
}

// ring 描述符环和每个槽位的缓冲区
type ring struct {
	desc Region
	bufs []Region
}

func (r *ring) slot(i uint32) []byte {
	return r.desc.Bytes[i*DescSize : (i+1)*DescSize]
}

// 接收和发送描述符的status都在第12字节，和后面3个字节一起做一次原子读写
func loadStatus(d []byte) uint8 {
	w := atomic.LoadUint32((*uint32)(unsafe.Pointer(&d[12])))
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], w)
	return b[0]
}

func storeWord3(d []byte, b [4]byte) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&d[12])), binary.NativeEndian.Uint32(b[:]))
}

// Adapter 实现了 stack.NetworkAdapter 和 stack.InterruptSource
type Adapter struct {
	regs RegisterFile
	opts Options
	log  *logrus.Entry

	mac tcpip.LinkAddress
	tx  ring
	rx  ring

	txMu    sync.Mutex
	mu      sync.Mutex
	handler func()
}

var (
	_ stack.NetworkAdapter  = (*Adapter)(nil)
	_ stack.InterruptSource = (*Adapter)(nil)
)

// New 分配描述符环和缓冲区，还不碰寄存器
func New(regs RegisterFile, dma DMA, opts Options) (*Adapter, error) {
	opts.fillIn()
	a := &Adapter{regs: regs, opts: opts, log: opts.Logger}
	var err error
	if a.tx, err = newRing(dma); err != nil {
		return nil, fmt.Errorf("tx ring: %w", err)
	}
	if a.rx, err = newRing(dma); err != nil {
		return nil, fmt.Errorf("rx ring: %w", err)
	}
	return a, nil
}

func newRing(dma DMA) (ring, error) {
	desc, err := dma.Alloc(RingSize*DescSize, 128)
	if err != nil {
		return ring{}, err
	}
	r := ring{desc: desc, bufs: make([]Region, RingSize)}
	for i := range r.bufs {
		if r.bufs[i], err = dma.Alloc(RxBufferSize, RxBufferSize); err != nil {
			return ring{}, err
		}
	}
	return r, nil
}

// Start 复位网卡并完成初始化，之后Open开始收发
func (a *Adapter) Start() error {
	if err := a.reset(); err != nil {
		return err
	}
	a.enableAutoSpeed()
	a.loadMACAddress()
	a.enableInterrupts()
	for i := uint32(0); i < mtaEntries; i++ {
		a.regs.Write32(RegMTA+i*4, 0)
	}
	a.setupTransmit()
	a.setupReceive()
	a.log.WithField("mac", a.mac).Info("e1000 started")
	return nil
}

// reset 置RST后轮询到硬件清零，超时返回ErrResetTimeout
func (a *Adapter) reset() error {
	a.regs.Write32(RegCTRL, a.regs.Read32(RegCTRL)|CtrlRST)
	done := sleep.Until(context.Background(), a.opts.ResetTimeout, a.opts.PollInterval, func() bool {
		return a.regs.Read32(RegCTRL)&CtrlRST == 0
	})
	if !done {
		a.log.WithField("timeout", a.opts.ResetTimeout).Error("device reset timed out")
		return tcpip.ErrResetTimeout
	}
	return nil
}

func (a *Adapter) setBits(reg, bits uint32) {
	a.regs.Write32(reg, a.regs.Read32(reg)|bits)
}

func (a *Adapter) clearBits(reg, bits uint32) {
	a.regs.Write32(reg, a.regs.Read32(reg)&^bits)
}

func (a *Adapter) enableAutoSpeed() { a.setBits(RegCTRL, CtrlASDE|CtrlSLU) }

func (a *Adapter) disableAutoSpeed() { a.clearBits(RegCTRL, CtrlSLU) }

// 只打开RXT0，TXQE/RXSEQ/RXO保持屏蔽
func (a *Adapter) enableInterrupts() { a.regs.Write32(RegIMS, a.regs.Read32(RegIMS)|IntRXT0) }

func (a *Adapter) disableInterrupts() { a.regs.Write32(RegIMC, IntRXT0) }

func (a *Adapter) loadMACAddress() {
	lo := a.regs.Read32(RegRAL0)
	hi := a.regs.Read32(RegRAH0)
	mac := make([]byte, 6)
	binary.LittleEndian.PutUint32(mac, lo)
	binary.LittleEndian.PutUint16(mac[4:], uint16(hi))
	a.mac = tcpip.LinkAddress(mac)
}

func (a *Adapter) setupTransmit() {
	for i := uint32(0); i < RingSize; i++ {
		d := a.tx.slot(i)
		clear(d)
		binary.LittleEndian.PutUint64(d[0:], a.tx.bufs[i].Phys)
		// 初始状态视为已完成
		d[12] = TxStatusDD
	}
	a.regs.Write32(RegTDBAH, uint32(a.tx.desc.Phys>>32))
	a.regs.Write32(RegTDBAL, uint32(a.tx.desc.Phys))
	a.regs.Write32(RegTDLEN, RingSize*DescSize)
	a.regs.Write32(RegTDH, 0)
	a.regs.Write32(RegTDT, 0)
	a.setBits(RegTCTL, TctlEN|TctlPSP)
}

func (a *Adapter) setupReceive() {
	for i := uint32(0); i < RingSize; i++ {
		d := a.rx.slot(i)
		clear(d)
		binary.LittleEndian.PutUint64(d[0:], a.rx.bufs[i].Phys)
	}
	a.regs.Write32(RegRDBAH, uint32(a.rx.desc.Phys>>32))
	a.regs.Write32(RegRDBAL, uint32(a.rx.desc.Phys))
	a.regs.Write32(RegRDLEN, RingSize*DescSize)
	a.regs.Write32(RegRDH, 0)
	a.regs.Write32(RegRDT, RingSize-1)
	a.setBits(RegRCTL, RctlEN|RctlSBP|RctlUPE|RctlMPE|RctlLPE|RctlRDMTSHalf|RctlBAM|RctlBSize2048|RctlSECRC)
}

func (a *Adapter) VendorID() uint16               { return Vendor }
func (a *Adapter) DeviceID() uint16               { return Device }
func (a *Adapter) LinkAddress() tcpip.LinkAddress { return a.mac }

// Open 打开中断、收发和链路
func (a *Adapter) Open() *tcpip.Error {
	a.enableInterrupts()
	a.regs.Read32(RegICR)
	a.setBits(RegTCTL, TctlEN)
	a.setBits(RegRCTL, RctlEN)
	a.enableAutoSpeed()
	return nil
}

// Close 和Open相反
func (a *Adapter) Close() {
	a.disableInterrupts()
	a.regs.Read32(RegICR)
	a.clearBits(RegTCTL, TctlEN)
	a.clearBits(RegRCTL, RctlEN)
	a.disableAutoSpeed()
}

// HasInterrupt 读ICR（读清零），判断是否收到了帧
func (a *Adapter) HasInterrupt() bool {
	return a.regs.Read32(RegICR)&IntRXT0 != 0
}

// ClearInterrupt 再读一次ICR，确认处理期间产生的中断
func (a *Adapter) ClearInterrupt() {
	a.regs.Read32(RegICR)
}

// SetInterruptHandler implements stack.InterruptSource.
func (a *Adapter) SetInterruptHandler(h func()) {
	a.mu.Lock()
	a.handler = h
	a.mu.Unlock()
}

// Poll 用户态拿不到中断线，按interval调用中断处理函数，直到ctx结束
func (a *Adapter) Poll(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			a.mu.Lock()
			h := a.handler
			a.mu.Unlock()
			if h != nil {
				h()
			}
		}
	}
}

// Transmit 把帧拷到TDT指向的槽位，推进TDT，然后等待网卡写回DD
func (a *Adapter) Transmit(f *buffer.Frame) (int, *tcpip.Error) {
	a.txMu.Lock()
	defer a.txMu.Unlock()

	wire := f.Wire()
	tail := a.regs.Read32(RegTDT) % RingSize
	d := a.tx.slot(tail)
	n := copy(a.tx.bufs[tail].Bytes, wire)

	binary.LittleEndian.PutUint64(d[0:], a.tx.bufs[tail].Phys)
	binary.LittleEndian.PutUint16(d[8:], uint16(n))
	d[10] = 0 // cso
	d[11] = TxCmdEOP | TxCmdIFCS | TxCmdRS
	storeWord3(d, [4]byte{0, 0, 0, 0})

	a.regs.Write32(RegTDT, (tail+1)%RingSize)

	done := sleep.Until(context.Background(), a.opts.TxTimeout, a.opts.PollInterval, func() bool {
		return loadStatus(d)&TxStatusDD != 0
	})
	if !done {
		a.log.WithField("slot", tail).Warn("transmit not completed")
		return 0, tcpip.ErrTimeout
	}
	return n, nil
}

// Receive 从 (RDT+1)%16 开始取DD置位的描述符，直到没有或者frames用完。
// 短帧、缺EOP、带错误位的描述符会回收槽位并中止本次接收
func (a *Adapter) Receive(frames []buffer.Frame) (int, *tcpip.Error) {
	n := 0
	for n < len(frames) {
		slot := (a.regs.Read32(RegRDT) + 1) % RingSize
		d := a.rx.slot(slot)
		status := loadStatus(d)
		if status&RxStatusDD == 0 {
			break
		}
		length := int(binary.LittleEndian.Uint16(d[8:]))
		errs := d[13]

		var err *tcpip.Error
		switch {
		case length < minRxLength:
			a.log.WithFields(logrus.Fields{"slot": slot, "length": length}).Debug("short packet")
			err = tcpip.ErrShortPacket
		case status&RxStatusEOP == 0:
			a.log.WithField("slot", slot).Debug("packet without EOP")
			err = tcpip.ErrNoEndOfPacket
		case errs != 0:
			a.log.WithFields(logrus.Fields{"slot": slot, "errors": fmt.Sprintf("%#02x", errs)}).Warn("receive error")
			err = tcpip.ErrDeviceError
		default:
			if length > RxBufferSize {
				length = RxBufferSize
			}
			frames[n] = buffer.FrameFrom(a.rx.bufs[slot].Bytes[:length])
			n++
		}

		// 把槽位还给网卡
		storeWord3(d, [4]byte{0, 0, 0, 0})
		a.regs.Write32(RegRDT, slot)
		if err != nil {
			return 0, err
		}
	}
	return n, nil
}

// ProbePCI 读sysfs里PCI设备目录下的vendor和device
func ProbePCI(dir string) (vendor, device uint16, err error) {
	read := func(name string) (uint16, error) {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return 0, err
		}
		v, err := strconv.ParseUint(strings.TrimPrefix(strings.TrimSpace(string(b)), "0x"), 16, 16)
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", name, err)
		}
		return uint16(v), nil
	}
	if vendor, err = read("vendor"); err != nil {
		return 0, 0, err
	}
	if device, err = read("device"); err != nil {
		return 0, 0, err
	}
	return vendor, device, nil
}
