package ipv4

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/qxcheng/kernel-net/pkg/buffer"
	"github.com/qxcheng/kernel-net/pkg/sleep"
	tcpip "github.com/qxcheng/kernel-net/protocol"
	"github.com/qxcheng/kernel-net/protocol/header"
	"github.com/qxcheng/kernel-net/protocol/network/hash"
	"github.com/qxcheng/kernel-net/protocol/stack"
)

const (
	DefaultEchoCount   = 5
	DefaultEchoTimeout = 3 * time.Second
)

// UnixPayload BSD ping默认的40字节数据 0x10..0x37
var UnixPayload = func() []byte {
	b := make([]byte, 40)
	for i := range b {
		b[i] = byte(0x10 + i)
	}
	return b
}()

// WindowsPayload windows ping默认的32字节数据
var WindowsPayload = []byte("abcdefghijklmnopqrstuvwabcdefghi")

// PingResult 一次ping的统计
type PingResult struct {
	Sent        int
	Received    int
	SuccessRate int // 百分比
}

// Pinger 每个协议栈一个，同一时间只能有一个ping
type Pinger struct {
	ip   *protocol
	busy atomic.Bool

	mu       sync.Mutex
	count    int
	timeout  time.Duration
	payload  []byte
	target   tcpip.Address
	ident    uint16
	seq      uint16
	waiting  bool
	received bool
}

func newPinger(ip *protocol) *Pinger {
	return &Pinger{
		ip:      ip,
		count:   DefaultEchoCount,
		timeout: DefaultEchoTimeout,
		payload: UnixPayload,
	}
}

// PingerFor 返回协议栈的ping，协议栈没有ipv4时返回ErrUnknownProtocol
func PingerFor(s *stack.Stack) (*Pinger, *tcpip.Error) {
	p, ok := s.NetworkProtocol(ProtocolNumber).(*protocol)
	if !ok || p.pinger == nil {
		return nil, tcpip.ErrUnknownProtocol
	}
	return p.pinger, nil
}

func (pg *Pinger) setTimeout(d time.Duration) {
	pg.mu.Lock()
	pg.timeout = d
	pg.mu.Unlock()
}

func (pg *Pinger) getTimeout() time.Duration {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	return pg.timeout
}

func (pg *Pinger) setCount(n int) {
	pg.mu.Lock()
	pg.count = n
	pg.mu.Unlock()
}

func (pg *Pinger) getCount() int {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	return pg.count
}

// SetPayload 换成别的echo数据，比如WindowsPayload
func (pg *Pinger) SetPayload(b []byte) {
	pg.mu.Lock()
	pg.payload = append([]byte(nil), b...)
	pg.mu.Unlock()
}

// observe 中断上下文里调用，只认当前正在等的 (地址, id, seq)
func (pg *Pinger) observe(src tcpip.Address, ident, seq uint16) {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	if pg.waiting && src == pg.target && ident == pg.ident && seq == pg.seq {
		pg.received = true
	}
}

func (pg *Pinger) arm(target tcpip.Address, ident, seq uint16) {
	pg.mu.Lock()
	pg.target = target
	pg.ident = ident
	pg.seq = seq
	pg.waiting = true
	pg.received = false
	pg.mu.Unlock()
}

func (pg *Pinger) disarm() {
	pg.mu.Lock()
	pg.waiting = false
	pg.mu.Unlock()
}

func (pg *Pinger) answered() bool {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	return pg.received
}

func echoFrame(target tcpip.Address, ident, seq uint16, payload []byte) (buffer.Frame, *tcpip.Error) {
	msg := make([]byte, header.ICMPv4MinimumSize+len(payload))
	icmp := header.ICMPv4(msg)
	icmp.SetType(header.ICMPv4Echo)
	icmp.SetIdent(ident)
	icmp.SetSequence(seq)
	copy(icmp.Payload(), payload)
	icmp.SetChecksum(^icmp.CalculateChecksum())

	f := NewPacket()
	err := SetPayload(&f, header.ICMPv4ProtocolNumber, target, msg)
	return f, err
}

// Ping 向target发送count个echo，每个最多等timeout，过程输出到w
func (pg *Pinger) Ping(ctx context.Context, target tcpip.Address, w io.Writer) (PingResult, *tcpip.Error) {
	if !pg.busy.CompareAndSwap(false, true) {
		return PingResult{}, tcpip.ErrBusy
	}
	defer pg.busy.Store(false)

	s := pg.ip.stack
	_, nic, err := s.FindRoute(target)
	if err != nil {
		return PingResult{}, err
	}
	local, ok := nic.Address()
	if !ok {
		return PingResult{}, tcpip.ErrBadLocalAddress
	}

	pg.mu.Lock()
	count, timeout, payload := pg.count, pg.timeout, pg.payload
	pg.mu.Unlock()

	ident := hash.EchoIdentifier(local.Address, target, hash.RandN32(1)[0])
	var res PingResult
	for i := 1; i <= count; i++ {
		if ctx.Err() != nil {
			break
		}
		seq := uint16(i)
		f, err := echoFrame(target, ident, seq, payload)
		if err != nil {
			return res, err
		}
		if i == 1 {
			fmt.Fprintf(w, "Sending %d, %d-byte ICMP Echoes to %s\n", count, f.Size(), target)
		}

		pg.arm(target, ident, seq)
		res.Sent++
		if _, err := pg.ip.WritePacket(nic, &f, 0); err != nil {
			pg.ip.log.WithField("addr", target).Debugf("echo not sent: %v", err)
			fmt.Fprint(w, "*")
			continue
		}
		if sleep.Until(ctx, timeout, s.PollInterval(), pg.answered) {
			res.Received++
			fmt.Fprint(w, "!")
		} else {
			fmt.Fprint(w, "*")
		}
	}
	pg.disarm()

	if res.Sent > 0 {
		res.SuccessRate = res.Received * 100 / res.Sent
	}
	fmt.Fprint(w, "\n")
	fmt.Fprintf(w, "Success rate is %d percent (%d/%d)\n", res.SuccessRate, res.Received, res.Sent)
	return res, nil
}
