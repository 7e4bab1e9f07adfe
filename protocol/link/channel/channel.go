// Package channel provides the implementation of channel-based network
// adapter. Outbound frames are written to a channel, inbound frames are
// injected and raise the interrupt line.
package channel

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/qxcheng/kernel-net/pkg/buffer"
	tcpip "github.com/qxcheng/kernel-net/protocol"
	"github.com/qxcheng/kernel-net/protocol/stack"
)

// 虚拟网卡的厂商和设备号，不会和真实网卡冲突
const (
	VendorID = 0x0000
	DeviceID = 0x0001
)

// Endpoint is a network adapter that stores outbound frames in a channel
// and allows injection of inbound frames.
type Endpoint struct {
	mac tcpip.LinkAddress

	mu      sync.Mutex
	pending []buffer.Frame
	opened  bool
	handler func()

	dropped atomic.Uint64

	C chan buffer.Frame
}

var (
	_ stack.NetworkAdapter  = (*Endpoint)(nil)
	_ stack.InterruptSource = (*Endpoint)(nil)
)

// New creates a new channel endpoint, size is the capacity of C.
func New(size int, mac tcpip.LinkAddress) *Endpoint {
	return &Endpoint{
		mac: mac,
		C:   make(chan buffer.Frame, size),
	}
}

func (e *Endpoint) VendorID() uint16               { return VendorID }
func (e *Endpoint) DeviceID() uint16               { return DeviceID }
func (e *Endpoint) LinkAddress() tcpip.LinkAddress { return e.mac }
func (e *Endpoint) ClearInterrupt()                {}

// Open implements stack.NetworkAdapter.Open.
func (e *Endpoint) Open() *tcpip.Error {
	e.mu.Lock()
	e.opened = true
	e.mu.Unlock()
	return nil
}

// Close 关闭后丢弃未收的帧
func (e *Endpoint) Close() {
	e.mu.Lock()
	e.opened = false
	e.pending = nil
	e.mu.Unlock()
}

// SetInterruptHandler implements stack.InterruptSource.
func (e *Endpoint) SetInterruptHandler(h func()) {
	e.mu.Lock()
	e.handler = h
	e.mu.Unlock()
}

// HasInterrupt 有待收的帧即有中断
func (e *Endpoint) HasInterrupt() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending) > 0
}

// Transmit 把帧拷贝一份放进C，C满了就丢弃
func (e *Endpoint) Transmit(f *buffer.Frame) (int, *tcpip.Error) {
	e.mu.Lock()
	opened := e.opened
	e.mu.Unlock()
	if !opened {
		return 0, tcpip.ErrAdapterClosed
	}
	select {
	case e.C <- *f:
		return len(f.Wire()), nil
	default:
		e.dropped.Add(1)
		return 0, tcpip.ErrWouldBlock
	}
}

// Receive 把排队的帧依次拷到frames里
func (e *Endpoint) Receive(frames []buffer.Frame) (int, *tcpip.Error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := copy(frames, e.pending)
	e.pending = e.pending[n:]
	return n, nil
}

// Dropped 因为C已满而丢弃的发送帧数
func (e *Endpoint) Dropped() uint64 {
	return e.dropped.Load()
}

// Inject injects an inbound frame and raises the interrupt on the caller's
// goroutine. Frames injected into a closed endpoint are discarded.
func (e *Endpoint) Inject(f buffer.Frame) {
	e.mu.Lock()
	if !e.opened {
		e.mu.Unlock()
		return
	}
	e.pending = append(e.pending, f)
	h := e.handler
	e.mu.Unlock()

	if h != nil {
		h()
	}
}

// InjectBytes 从线上字节构造帧后注入
func (e *Endpoint) InjectBytes(b []byte) {
	e.Inject(buffer.FrameFrom(b))
}

// Pipe 把from发出的帧注入到to，直到ctx结束。两端各跑一个Pipe就是一根网线
func Pipe(ctx context.Context, from, to *Endpoint) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-from.C:
			to.Inject(f)
		}
	}
}
