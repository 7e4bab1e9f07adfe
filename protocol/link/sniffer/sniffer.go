// Package sniffer provides the implementation of a network adapter that wraps
// another adapter and records every frame it transmits or receives to a pcap
// stream. The wrapped adapter behaves exactly as before.
package sniffer

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/sirupsen/logrus"

	"github.com/qxcheng/kernel-net/internal/log"
	"github.com/qxcheng/kernel-net/pkg/buffer"
	tcpip "github.com/qxcheng/kernel-net/protocol"
	"github.com/qxcheng/kernel-net/protocol/stack"
)

const snapLen = buffer.MaxFrameSize

// writer 同一个pcap流上的多个网卡共用一个writer
type writer struct {
	mu  sync.Mutex
	w   *pcapgo.Writer
	now func() time.Time
	log *logrus.Entry
}

func newWriter(w io.Writer) (*writer, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snapLen, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	return &writer{w: pw, now: time.Now, log: log.WithComponent("sniffer")}, nil
}

func (w *writer) record(b []byte) {
	ci := gopacket.CaptureInfo{
		Timestamp:     w.now(),
		CaptureLength: len(b),
		Length:        len(b),
	}
	w.mu.Lock()
	err := w.w.WritePacket(ci, b)
	w.mu.Unlock()
	if err != nil {
		w.log.WithError(err).Warn("pcap write failed")
	}
}

// Adapter 包装另一个网卡，收发的帧都写进pcap
type Adapter struct {
	stack.NetworkAdapter
	out *writer
}

var _ stack.InterruptSource = (*Adapter)(nil)

// New 写入pcap文件头后返回包装好的网卡。多个网卡写同一个文件请用 Capture
func New(lower stack.NetworkAdapter, w io.Writer) (*Adapter, error) {
	out, err := newWriter(w)
	if err != nil {
		return nil, err
	}
	return &Adapter{NetworkAdapter: lower, out: out}, nil
}

// SetInterruptHandler 下层能触发中断时把处理函数交给它
func (a *Adapter) SetInterruptHandler(h func()) {
	if src, ok := a.NetworkAdapter.(stack.InterruptSource); ok {
		src.SetInterruptHandler(h)
	}
}

// Lower 被包装的网卡
func (a *Adapter) Lower() stack.NetworkAdapter {
	return a.NetworkAdapter
}

// Transmit 发送成功才记录
func (a *Adapter) Transmit(f *buffer.Frame) (int, *tcpip.Error) {
	n, err := a.NetworkAdapter.Transmit(f)
	if err == nil {
		a.out.record(f.Wire())
	}
	return n, err
}

// Receive implements stack.NetworkAdapter.Receive.
func (a *Adapter) Receive(frames []buffer.Frame) (int, *tcpip.Error) {
	n, err := a.NetworkAdapter.Receive(frames)
	if err != nil {
		return n, err
	}
	for i := 0; i < n; i++ {
		a.out.record(frames[i].Wire())
	}
	return n, nil
}

// Capture 一个pcap文件，可以包装多个网卡
type Capture struct {
	f   *os.File
	out *writer
}

// Create 创建（截断）pcap文件并写入文件头
func Create(path string) (*Capture, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create pcap: %w", err)
	}
	out, err := newWriter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Capture{f: f, out: out}, nil
}

// Wrap 包装lower，和同一个Capture的其他网卡共用writer
func (c *Capture) Wrap(lower stack.NetworkAdapter) *Adapter {
	return &Adapter{NetworkAdapter: lower, out: c.out}
}

// Close 关闭文件
func (c *Capture) Close() error {
	c.out.mu.Lock()
	defer c.out.mu.Unlock()
	return c.f.Close()
}
