package ipv4

import (
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/qxcheng/kernel-net/pkg/buffer"
	tcpip "github.com/qxcheng/kernel-net/protocol"
	"github.com/qxcheng/kernel-net/protocol/header"
	"github.com/qxcheng/kernel-net/protocol/stack"
)

// 默认的echo应答限速
const (
	DefaultEchoRateLimit = 1000
	DefaultEchoBurst     = 50
	echoQueueSize        = 10
)

// icmpProtocol 挂在ipv4分发表1号位置的icmp，实现stack.TransportProtocol
type icmpProtocol struct {
	ip  *protocol
	log *logrus.Entry

	mu      sync.Mutex
	rate    EchoRateOption
	limiter *rate.Limiter

	echoRequests chan echoRequest // ping请求报文接收队列
	done         chan struct{}
	startOnce    sync.Once
	closeOnce    sync.Once
}

type echoRequest struct {
	nic *stack.NIC
	f   buffer.Frame
}

func newICMP(ip *protocol) *icmpProtocol {
	p := &icmpProtocol{
		ip:           ip,
		log:          ip.stack.Component("icmp"),
		echoRequests: make(chan echoRequest, echoQueueSize),
		done:         make(chan struct{}),
	}
	p.setRate(EchoRateOption{Limit: DefaultEchoRateLimit, Burst: DefaultEchoBurst})
	return p
}

func (p *icmpProtocol) Number() tcpip.TransportProtocolNumber {
	return header.ICMPv4ProtocolNumber
}

// Register 启动一个goroutine给icmp请求服务
func (p *icmpProtocol) Register(*stack.Stack) *tcpip.Error {
	p.startOnce.Do(func() {
		go p.echoReplier()
	})
	return nil
}

func (p *icmpProtocol) close() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
}

func (p *icmpProtocol) setRate(o EchoRateOption) {
	limit := rate.Limit(o.Limit)
	if o.Limit == 0 {
		limit = rate.Inf
	}
	burst := o.Burst
	if burst == 0 {
		burst = 1
	}
	p.mu.Lock()
	p.rate = o
	p.limiter = rate.NewLimiter(limit, burst)
	p.mu.Unlock()
}

func (p *icmpProtocol) getRate() EchoRateOption {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rate
}

func (p *icmpProtocol) allow() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.limiter.Allow()
}

// HandlePacket 处理ICMP报文，在中断上下文里执行：echo请求交给echoReplier发送
func (p *icmpProtocol) HandlePacket(nic *stack.NIC, f *buffer.Frame) {
	ip := header.IPv4(f.Data())
	msg := header.ICMPv4(ip[ip.HeaderLength():ip.TotalLength()])
	if !msg.IsValid() {
		p.log.WithField("nic", nic.ID()).Debug("invalid icmp packet, dropped")
		return
	}

	// 根据icmp的类型来进行相应的处理
	switch msg.Type() {
	case header.ICMPv4Echo:
		if !p.allow() {
			p.log.WithField("src", ip.SourceAddress()).Debug("echo reply rate limited")
			return
		}
		select {
		case p.echoRequests <- echoRequest{nic: nic, f: *f}:
		default:
			p.log.WithField("src", ip.SourceAddress()).Debug("echo queue full, dropped")
		}

	case header.ICMPv4EchoReply: // icmp echo响应
		p.ip.pinger.observe(ip.SourceAddress(), msg.Ident(), msg.Sequence())

	default:
		p.logMessage(ip.SourceAddress(), msg)
	}
}

// logMessage 其它类型只解码记录，不改变任何状态
func (p *icmpProtocol) logMessage(src tcpip.Address, msg header.ICMPv4) {
	fields := logrus.Fields{"src": src, "type": msg.Type(), "code": msg.Code()}
	switch msg.Type() {
	case header.ICMPv4DstUnreachable:
		code := header.ICMPv4DstUnreachableCode(msg.Code())
		fields["reason"] = code
		if code == header.ICMPv4FragmentationNeeded {
			fields["mtu"] = msg.MTU()
		}
		if d := msg.Datagram(); len(d) >= header.IPv4MinimumSize {
			fields["dst"] = d.DestinationAddress()
		}
	case header.ICMPv4Redirect:
		fields["gateway"] = msg.Gateway()
	case header.ICMPv4TimeExceeded, header.ICMPv4SrcQuench, header.ICMPv4ParamProblem:
		if d := msg.Datagram(); len(d) >= header.IPv4MinimumSize {
			fields["dst"] = d.DestinationAddress()
		}
	case header.ICMPv4Timestamp, header.ICMPv4TimestampReply:
		if len(msg) >= header.ICMPv4TimestampSize {
			fields["ident"] = msg.Ident()
			fields["seq"] = msg.Sequence()
			fields["originate"] = msg.OriginateTimestamp()
			fields["receive"] = msg.ReceiveTimestamp()
			fields["transmit"] = msg.TransmitTimestamp()
		}
	case header.ICMPv4AddressMaskRequest, header.ICMPv4AddressMaskReply:
		if len(msg) >= header.ICMPv4AddressMaskSize {
			fields["mask"] = msg.AddressMask()
		}
	}
	p.log.WithFields(fields).Debug("icmp message")
}

// 处理icmp echo请求的goroutine
func (p *icmpProtocol) echoReplier() {
	for {
		select {
		case req := <-p.echoRequests:
			if err := p.reply(req.nic, &req.f); err != nil {
				p.log.WithField("nic", req.nic.ID()).Warnf("echo reply failed: %v", err)
			}
		case <-p.done:
			return
		}
	}
}

// reply 拷贝请求报文，改成echo响应，发回请求方
func (p *icmpProtocol) reply(nic *stack.NIC, req *buffer.Frame) *tcpip.Error {
	ip := header.IPv4(req.Data())
	msg := make([]byte, int(ip.TotalLength())-int(ip.HeaderLength()))
	copy(msg, ip[ip.HeaderLength():])

	icmp := header.ICMPv4(msg)
	icmp.SetType(header.ICMPv4EchoReply)
	icmp.SetCode(0)
	icmp.SetChecksum(0)
	icmp.SetChecksum(^icmp.CalculateChecksum())

	f := NewPacket()
	if err := SetPayload(&f, header.ICMPv4ProtocolNumber, ip.SourceAddress(), msg); err != nil {
		return err
	}
	_, err := p.ip.WritePacket(nic, &f, 0)
	return err
}
