// Package ipv4 实现ipv4的收发（不做分片重组和转发），以及挂在它下面的icmp
package ipv4

import (
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/qxcheng/kernel-net/pkg/buffer"
	tcpip "github.com/qxcheng/kernel-net/protocol"
	"github.com/qxcheng/kernel-net/protocol/header"
	"github.com/qxcheng/kernel-net/protocol/network/hash"
	"github.com/qxcheng/kernel-net/protocol/stack"
)

const (
	ProtocolName   = "ipv4"                    // 协议名
	ProtocolNumber = header.IPv4ProtocolNumber // 协议号
)

// 初始化的时候在网络层协议中注册ipv4协议
func init() {
	stack.RegisterNetworkProtocolFactory(ProtocolName, func() stack.NetworkProtocol {
		return &protocol{}
	})
}

// 实现NetworkProtocol接口
type protocol struct {
	stack  *stack.Stack
	log    *logrus.Entry
	id     uint32 // 上一个分配出去的identification
	icmp   *icmpProtocol
	pinger *Pinger
}

func (p *protocol) Number() tcpip.NetworkProtocolNumber {
	return ProtocolNumber
}

func (p *protocol) MinimumPacketSize() int {
	return header.IPv4MinimumSize
}

// Attach 把icmp放进分发表的1号位置，然后调用表里每个协议的注册钩子
func (p *protocol) Attach(s *stack.Stack) *tcpip.Error {
	p.stack = s
	p.log = s.Component(ProtocolName)
	p.id = hash.RandN32(1)[0]
	p.icmp = newICMP(p)
	p.pinger = newPinger(p)

	if err := s.SetTransportProtocol(p.icmp); err != nil {
		return err
	}
	return s.RegisterTransportProtocols()
}

func (p *protocol) Close() {
	p.icmp.close()
}

// EchoRateOption icmp echo应答的限速，Limit为0表示不限速
type EchoRateOption struct {
	Limit float64 // 每秒
	Burst int
}

// EchoTimeoutOption ping每个echo的等待时间
type EchoTimeoutOption time.Duration

// EchoCountOption ping发送的echo个数
type EchoCountOption int

func (p *protocol) SetOption(option interface{}) *tcpip.Error {
	switch v := option.(type) {
	case EchoRateOption:
		if v.Limit < 0 || v.Burst < 0 {
			return tcpip.ErrInvalidOptionValue
		}
		p.icmp.setRate(v)
		return nil
	case EchoTimeoutOption:
		if v <= 0 {
			return tcpip.ErrInvalidOptionValue
		}
		p.pinger.setTimeout(time.Duration(v))
		return nil
	case EchoCountOption:
		if v <= 0 {
			return tcpip.ErrInvalidOptionValue
		}
		p.pinger.setCount(int(v))
		return nil
	default:
		return tcpip.ErrUnknownProtocolOption
	}
}

func (p *protocol) Option(option interface{}) *tcpip.Error {
	switch v := option.(type) {
	case *EchoRateOption:
		*v = p.icmp.getRate()
		return nil
	case *EchoTimeoutOption:
		*v = EchoTimeoutOption(p.pinger.getTimeout())
		return nil
	case *EchoCountOption:
		*v = EchoCountOption(p.pinger.getCount())
		return nil
	default:
		return tcpip.ErrUnknownProtocolOption
	}
}

// NewPacket 返回一个只有默认ip头的帧：版本4，头长20，DF，总长20
func NewPacket() buffer.Frame {
	f := buffer.NewFrame()
	header.Ethernet(f.Bytes()).SetType(ProtocolNumber)
	ip := header.IPv4(f.Data())
	ip.Encode(&header.IPv4Fields{
		IHL:         header.IPv4MinimumSize,
		TotalLength: header.IPv4MinimumSize,
		Flags:       header.IPv4FlagDontFragment,
	})
	return f
}

// SetPayload 把传输层数据放到ip头后面，并设置协议号、目的地址和总长
func SetPayload(f *buffer.Frame, protocol tcpip.TransportProtocolNumber, dst tcpip.Address, payload []byte) *tcpip.Error {
	ip := header.IPv4(f.Data())
	hlen := int(ip.HeaderLength())
	if hlen+len(payload) > buffer.MaxDataSize {
		return tcpip.ErrMessageTooLong
	}
	f.SetData(payload, hlen)
	ip = header.IPv4(f.Data())
	ip.SetProtocol(uint8(protocol))
	ip.SetDestinationAddress(dst)
	ip.SetTotalLength(uint16(hlen + len(payload)))
	return nil
}

// SetOptions 替换ip选项：头长按4字节向上取整，不足的部分补0，总长同步调整
func SetOptions(f *buffer.Frame, opts []byte) *tcpip.Error {
	if len(opts) > header.IPv4MaximumOptionSize {
		return tcpip.ErrInvalidOptionValue
	}
	ip := header.IPv4(f.Data())
	old := int(ip.HeaderLength()) - header.IPv4MinimumSize
	total := int(ip.TotalLength())
	if old > 0 {
		f.EraseData(header.IPv4MinimumSize, old)
	}

	padded := (len(opts) + 3) &^ 3
	if padded > 0 {
		buf := make([]byte, padded)
		copy(buf, opts)
		f.InsertData(header.IPv4MinimumSize, buf)
	}

	ip = header.IPv4(f.Data())
	ip.SetHeaderLength(uint8(header.IPv4MinimumSize + padded))
	ip.SetTotalLength(uint16(total - old + padded))
	return nil
}

func (p *protocol) nextID() uint16 {
	for {
		if id := uint16(atomic.AddUint32(&p.id, 1)); id != 0 {
			return id
		}
	}
}

// WritePacket 填好源地址、ttl、identification和校验和，解析下一跳的mac后从nic发出。
// resizeTo大于0时把ip包调整到这个长度（不小于头长）
func (p *protocol) WritePacket(nic *stack.NIC, f *buffer.Frame, resizeTo int) (int, *tcpip.Error) {
	local, ok := nic.Address()
	if !ok {
		return 0, tcpip.ErrBadLocalAddress
	}

	ip := header.IPv4(f.Data())
	dst := ip.DestinationAddress()

	var mac tcpip.LinkAddress
	if dst == header.IPv4Broadcast || dst == local.Broadcast() {
		mac = header.EthernetBroadcast
	} else {
		// 网关路由的下一跳是网关，没有路由时直接解析目的地址
		nextHop := dst
		if r, err := p.stack.RouteTable().Match(dst); err == nil {
			nextHop = r.NextHop(dst)
		}
		var err *tcpip.Error
		mac, err = p.stack.GetLinkAddress(nic, nextHop, ProtocolNumber)
		if err != nil {
			p.log.WithFields(logrus.Fields{"nic": nic.ID(), "addr": nextHop}).Warnf("next hop unresolved: %v", err)
			return 0, tcpip.ErrNoLinkAddress
		}
	}

	if ip.ID() == 0 {
		ip.SetID(p.nextID())
	}
	ip.SetTTL(p.stack.DefaultTTL())
	ip.SetSourceAddress(local.Address)

	if resizeTo > 0 {
		hlen := int(ip.HeaderLength())
		if resizeTo < hlen {
			resizeTo = hlen
		}
		f.ResizeData(resizeTo)
		ip = header.IPv4(f.Data())
		ip.SetTotalLength(uint16(resizeTo))
	}

	ip.SetChecksum(0)
	ip.SetChecksum(^ip.CalculateChecksum())

	return nic.WriteFrame(f, mac, ProtocolNumber)
}

// Send 按路由选出网卡再发送
func (p *protocol) Send(dst tcpip.Address, f *buffer.Frame, resizeTo int) (int, *tcpip.Error) {
	_, nic, err := p.stack.FindRoute(dst)
	if err != nil {
		return 0, err
	}
	header.IPv4(f.Data()).SetDestinationAddress(dst)
	return p.WritePacket(nic, f, resizeTo)
}

// HandleFrame 收到ip包的处理：校验，只收发给本网卡地址（或广播）的包，再按协议号分发
func (p *protocol) HandleFrame(nic *stack.NIC, f *buffer.Frame) {
	ip := header.IPv4(f.Data())
	if !ip.IsValid(f.DataSize()) {
		p.log.WithField("nic", nic.ID()).Debug("invalid ipv4 packet, dropped")
		return
	}

	local, ok := nic.Address()
	if !ok {
		return
	}
	dst := ip.DestinationAddress()
	if dst != local.Address && dst != local.Broadcast() && dst != header.IPv4Broadcast {
		return
	}

	// 不做重组
	if ip.Flags()&header.IPv4FlagMoreFragments != 0 || ip.FragmentOffset() != 0 {
		p.log.WithFields(logrus.Fields{"nic": nic.ID(), "src": ip.SourceAddress()}).Debug("fragment dropped")
		return
	}

	p.stack.DeliverTransportPacket(nic, ip.TransportProtocol(), f)
}

// WritePacket 供传输层协议使用：通过协议栈里的ipv4发送
func WritePacket(s *stack.Stack, nic *stack.NIC, f *buffer.Frame, resizeTo int) (int, *tcpip.Error) {
	p, ok := s.NetworkProtocol(ProtocolNumber).(*protocol)
	if !ok {
		return 0, tcpip.ErrUnknownProtocol
	}
	return p.WritePacket(nic, f, resizeTo)
}

// Send 供传输层协议使用：按路由发送
func Send(s *stack.Stack, dst tcpip.Address, f *buffer.Frame, resizeTo int) (int, *tcpip.Error) {
	p, ok := s.NetworkProtocol(ProtocolNumber).(*protocol)
	if !ok {
		return 0, tcpip.ErrUnknownProtocol
	}
	return p.Send(dst, f, resizeTo)
}
