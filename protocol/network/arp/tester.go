package arp

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/qxcheng/kernel-net/pkg/buffer"
	"github.com/qxcheng/kernel-net/pkg/sleep"
	tcpip "github.com/qxcheng/kernel-net/protocol"
	"github.com/qxcheng/kernel-net/protocol/header"
	"github.com/qxcheng/kernel-net/protocol/stack"
)

// DefaultTesterTimeout 一次arping等待应答的时间
const DefaultTesterTimeout = 5 * time.Second

// TesterTimeoutOption 设置arping的等待时间
type TesterTimeoutOption time.Duration

// TesterResult arping的结果
type TesterResult int

const (
	Passed     TesterResult = 0
	IPNotFound TesterResult = 1
	Timeout    TesterResult = 2
)

func (r TesterResult) String() string {
	switch r {
	case Passed:
		return "passed"
	case IPNotFound:
		return "ip not found"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// TesterState arping状态机
type TesterState int

const (
	Idle TesterState = iota
	AwaitingReply
	Completed
	TimedOut
)

// Report 一次arping的统计
type Report struct {
	Result     TesterResult
	Sent       int
	Received   int
	Unanswered int // 百分比
}

// Tester 每个协议栈一个的arping
type Tester struct {
	p *protocol

	mu      sync.Mutex
	state   TesterState
	target  tcpip.Address
	out     io.Writer
	timeout time.Duration
}

func newTester(p *protocol) *Tester {
	return &Tester{p: p, timeout: DefaultTesterTimeout}
}

// TesterFor 返回协议栈的arping，协议栈没有arp协议时返回ErrUnknownProtocol
func TesterFor(s *stack.Stack) (*Tester, *tcpip.Error) {
	p, ok := s.NetworkProtocol(ProtocolNumber).(*protocol)
	if !ok || p.tester == nil {
		return nil, tcpip.ErrUnknownProtocol
	}
	return p.tester, nil
}

func (t *Tester) setTimeout(d TesterTimeoutOption) {
	t.mu.Lock()
	t.timeout = time.Duration(d)
	t.mu.Unlock()
}

func (t *Tester) getTimeout() TesterTimeoutOption {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TesterTimeoutOption(t.timeout)
}

// State 当前状态
func (t *Tester) State() TesterState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Tester) printf(format string, args ...interface{}) {
	if t.out != nil {
		fmt.Fprintf(t.out, format, args...)
	}
}

// observe 中断上下文里调用：正在等待时，来自目标的应答让探测完成
func (t *Tester) observe(size int, pkt header.ARP) {
	if pkt.Op() != header.ARPReply {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != AwaitingReply || pkt.SenderAddress() != t.target {
		return
	}
	t.printf("%d bytes from %s (%s)\n", size, pkt.SenderLinkAddress(), pkt.SenderAddress())
	t.state = Completed
}

// Ping 向target发一个广播请求并等待应答，过程输出到w。
// 同一时间只能有一个arping，第二个调用返回ErrBusy
func (t *Tester) Ping(ctx context.Context, target tcpip.Address, w io.Writer) (Report, *tcpip.Error) {
	t.mu.Lock()
	if t.state == AwaitingReply {
		t.mu.Unlock()
		return Report{}, tcpip.ErrBusy
	}
	t.state = AwaitingReply
	t.target = target
	t.out = w
	timeout := t.timeout
	t.printf("ARPING %s\n", target)
	t.mu.Unlock()

	report, err := t.run(ctx, target, timeout)

	t.mu.Lock()
	defer t.mu.Unlock()
	if report.Result == IPNotFound {
		t.printf("Local machine has no available IP address.\n")
	} else if err == nil {
		t.printf("\n--- %s statistics ---\n", target)
		t.printf("%d packets transmitted, %d packets received, %d%% unanswered\n",
			report.Sent, report.Received, report.Unanswered)
	}
	if t.state == AwaitingReply {
		t.state = Idle
	}
	t.out = nil
	return report, err
}

func (t *Tester) run(ctx context.Context, target tcpip.Address, timeout time.Duration) (Report, *tcpip.Error) {
	s := t.p.stack
	_, nic, err := s.FindRoute(target)
	if err != nil {
		return Report{Result: IPNotFound}, nil
	}
	local, ok := nic.Address()
	if !ok {
		return Report{Result: IPNotFound}, nil
	}

	f := buffer.NewFrame()
	h := Prepare(&f, header.ARPRequest)
	copy(h.HardwareAddressSender(), nic.LinkAddress())
	copy(h.ProtocolAddressSender(), local.Address)
	copy(h.ProtocolAddressTarget(), target)
	if _, err := nic.WriteFrame(&f, header.EthernetBroadcast, ProtocolNumber); err != nil {
		return Report{Result: Timeout}, err
	}

	report := Report{Result: Passed, Sent: 1}
	received := sleep.Until(ctx, timeout, s.PollInterval(), func() bool {
		return t.State() == Completed
	})
	if received {
		report.Received = 1
		return report, nil
	}

	t.mu.Lock()
	t.state = TimedOut
	t.printf("Timeout\n")
	t.mu.Unlock()
	report.Result = Timeout
	report.Unanswered = 100
	return report, nil
}
