//go:build linux

// Package fdbased provides the implementation of a network adapter backed by
// a file descriptor that carries whole Ethernet frames, such as a TAP device
// or one end of a SOCK_SEQPACKET socket pair.
//
// The fd must be non-blocking. Run starts a poller that raises the interrupt
// line whenever the fd becomes readable; the stack then drains it with
// Receive.
package fdbased

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/qxcheng/kernel-net/internal/log"
	"github.com/qxcheng/kernel-net/pkg/buffer"
	tcpip "github.com/qxcheng/kernel-net/protocol"
	"github.com/qxcheng/kernel-net/protocol/header"
	"github.com/qxcheng/kernel-net/protocol/link/rawfile"
	"github.com/qxcheng/kernel-net/protocol/stack"
)

// 基于fd的网卡没有PCI身份，用一对固定的虚拟编号
const (
	VendorID = 0x0000
	DeviceID = 0x0002
)

// Options specify the details about the fd-based endpoint to be created.
type Options struct {
	FD  int
	MAC tcpip.LinkAddress

	// PollTimeout 轮询goroutine每次poll的最长时间，决定Run对ctx取消的反应速度
	PollTimeout time.Duration

	Logger *logrus.Entry
}

// Endpoint is a network adapter over a file descriptor.
type Endpoint struct {
	fd          int
	mac         tcpip.LinkAddress
	pollTimeout time.Duration
	log         *logrus.Entry

	mu      sync.Mutex
	opened  bool
	handler func()

	// 只在中断上下文里使用
	buf [buffer.MaxFrameSize]byte
}

var (
	_ stack.NetworkAdapter  = (*Endpoint)(nil)
	_ stack.InterruptSource = (*Endpoint)(nil)
)

// New creates a new fd-based endpoint.
func New(opts *Options) *Endpoint {
	e := &Endpoint{
		fd:          opts.FD,
		mac:         opts.MAC,
		pollTimeout: opts.PollTimeout,
		log:         opts.Logger,
	}
	if e.pollTimeout <= 0 {
		e.pollTimeout = 100 * time.Millisecond
	}
	if e.log == nil {
		e.log = log.WithComponent("fdbased")
	}
	return e
}

func (e *Endpoint) VendorID() uint16               { return VendorID }
func (e *Endpoint) DeviceID() uint16               { return DeviceID }
func (e *Endpoint) LinkAddress() tcpip.LinkAddress { return e.mac }
func (e *Endpoint) FD() int                        { return e.fd }
func (e *Endpoint) ClearInterrupt()                {}

// Open implements stack.NetworkAdapter.Open.
func (e *Endpoint) Open() *tcpip.Error {
	e.mu.Lock()
	e.opened = true
	e.mu.Unlock()
	return nil
}

// Close 只停止收发，fd由创建者负责关闭
func (e *Endpoint) Close() {
	e.mu.Lock()
	e.opened = false
	e.mu.Unlock()
}

func (e *Endpoint) isOpen() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opened
}

// SetInterruptHandler implements stack.InterruptSource.
func (e *Endpoint) SetInterruptHandler(h func()) {
	e.mu.Lock()
	e.handler = h
	e.mu.Unlock()
}

// HasInterrupt fd可读即有中断
func (e *Endpoint) HasInterrupt() bool {
	if !e.isOpen() {
		return false
	}
	ok, err := rawfile.PollReadable(e.fd, 0)
	return ok && err == nil
}

// Transmit 把帧的线上字节（不含CRC）写进fd
func (e *Endpoint) Transmit(f *buffer.Frame) (int, *tcpip.Error) {
	if !e.isOpen() {
		return 0, tcpip.ErrAdapterClosed
	}
	b := f.Wire()
	if err := rawfile.NonBlockingWrite(e.fd, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Receive 一直读到fd没有数据或者frames放满为止，比以太网头还短的读丢弃
func (e *Endpoint) Receive(frames []buffer.Frame) (int, *tcpip.Error) {
	n := 0
	for n < len(frames) {
		m, err := rawfile.NonBlockingRead(e.fd, e.buf[:])
		if err == tcpip.ErrWouldBlock {
			break
		}
		if err != nil {
			return 0, err
		}
		if m < header.EthernetMinimumSize {
			e.log.WithField("len", m).Debug("runt frame dropped")
			continue
		}
		frames[n] = buffer.FrameFrom(e.buf[:m])
		n++
	}
	return n, nil
}

// Run 轮询fd，可读时调用中断处理函数，直到ctx结束或fd出错
func (e *Endpoint) Run(ctx context.Context) error {
	timeout := int(e.pollTimeout / time.Millisecond)
	if timeout == 0 {
		timeout = 1
	}
	for ctx.Err() == nil {
		ready, err := rawfile.PollReadable(e.fd, timeout)
		if err != nil {
			e.log.WithError(err).Warn("poll failed, poller exiting")
			return err
		}
		if !ready {
			continue
		}
		if !e.isOpen() {
			// 关闭期间不收，避免fd一直可读时空转
			select {
			case <-ctx.Done():
			case <-time.After(e.pollTimeout):
			}
			continue
		}

		e.mu.Lock()
		h := e.handler
		e.mu.Unlock()
		if h != nil {
			h()
		}
	}
	return nil
}
