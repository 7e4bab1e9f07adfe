// Package arp 实现ipv4 over ethernet的地址解析协议（RFC 826），
// 负责应答请求、维护协议栈的arp缓存，并为ipv4提供地址解析
package arp

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/qxcheng/kernel-net/pkg/buffer"
	"github.com/qxcheng/kernel-net/pkg/sleep"
	tcpip "github.com/qxcheng/kernel-net/protocol"
	"github.com/qxcheng/kernel-net/protocol/header"
	"github.com/qxcheng/kernel-net/protocol/stack"
)

const (
	ProtocolName   = "arp"
	ProtocolNumber = header.ARPProtocolNumber
)

func init() {
	stack.RegisterNetworkProtocolFactory(ProtocolName, func() stack.NetworkProtocol {
		return &protocol{}
	})
}

// 实现了 stack.NetworkProtocol 和 stack.LinkAddressResolver 两个接口
type protocol struct {
	stack  *stack.Stack
	table  *stack.ARPTable
	log    *logrus.Entry
	tester *Tester
}

// implements NetworkProtocol.

func (p *protocol) Number() tcpip.NetworkProtocolNumber { return ProtocolNumber }
func (p *protocol) MinimumPacketSize() int              { return header.ARPSize }

func (p *protocol) Attach(s *stack.Stack) *tcpip.Error {
	p.stack = s
	p.table = s.ARPTable()
	p.log = s.Component(ProtocolName)
	p.tester = newTester(p)
	return nil
}

func (p *protocol) Close() {}

// SetOption 支持 TesterTimeoutOption
func (p *protocol) SetOption(option interface{}) *tcpip.Error {
	switch v := option.(type) {
	case TesterTimeoutOption:
		if v <= 0 {
			return tcpip.ErrInvalidOptionValue
		}
		p.tester.setTimeout(v)
		return nil
	default:
		return tcpip.ErrUnknownProtocolOption
	}
}

func (p *protocol) Option(option interface{}) *tcpip.Error {
	switch v := option.(type) {
	case *TesterTimeoutOption:
		*v = p.tester.getTimeout()
		return nil
	default:
		return tcpip.ErrUnknownProtocolOption
	}
}

// Prepare 填好以太网类型和arp的固定字段，返回负载上的arp视图
func Prepare(f *buffer.Frame, op header.ARPOp) header.ARP {
	header.Ethernet(f.Bytes()).SetType(ProtocolNumber)
	if f.DataSize() < header.ARPSize {
		f.ResizeData(header.ARPSize)
	}
	pkt := header.ARP(f.Data())
	pkt.SetIPv4OverEthernet()
	pkt.SetOp(op)
	return pkt
}

// HandleFrame arp数据包的处理，包括arp请求和响应
func (p *protocol) HandleFrame(nic *stack.NIC, f *buffer.Frame) {
	pkt := header.ARP(f.Data())
	if !pkt.IsValid() {
		p.log.WithField("nic", nic.ID()).Debug("invalid arp packet, dropped")
		return
	}

	sender := pkt.SenderAddress()
	senderMAC := pkt.SenderLinkAddress()

	// 正在arping，记下应答
	p.tester.observe(f.Size(), pkt)

	// 已有表项就地更新，不管目标是不是我们
	existed := p.table.Refresh(sender, senderMAC)

	local, ok := nic.Address()
	if !ok || local.Address != pkt.TargetAddress() {
		return
	}

	if !existed {
		if err := p.table.Insert(nic.ID(), sender, pkt.HardwareType(), senderMAC); err != nil {
			p.log.WithFields(logrus.Fields{"nic": nic.ID(), "addr": sender}).Warnf("arp table insert failed: %v", err)
		}
	}

	if pkt.Op() != header.ARPRequest {
		return
	}

	// 如果是arp请求，单播回复
	rep := buffer.NewFrame()
	h := Prepare(&rep, header.ARPReply)
	copy(h.HardwareAddressSender(), nic.LinkAddress())
	copy(h.ProtocolAddressSender(), local.Address)
	copy(h.HardwareAddressTarget(), senderMAC)
	copy(h.ProtocolAddressTarget(), sender)
	if _, err := nic.WriteFrame(&rep, senderMAC, ProtocolNumber); err != nil {
		return
	}
	p.log.WithFields(logrus.Fields{"nic": nic.ID(), "addr": sender, "op": header.ARPReply}).Debug("arp reply sent")
}

// request 在nic上广播一个arp请求
func (p *protocol) request(nic *stack.NIC, local, target tcpip.Address) *tcpip.Error {
	f := buffer.NewFrame()
	h := Prepare(&f, header.ARPRequest)
	copy(h.HardwareAddressSender(), nic.LinkAddress())
	copy(h.ProtocolAddressSender(), local)
	copy(h.ProtocolAddressTarget(), target)
	_, err := nic.WriteFrame(&f, header.EthernetBroadcast, ProtocolNumber)
	return err
}

// implements stack.LinkAddressResolver.

func (*protocol) LinkAddressProtocol() tcpip.NetworkProtocolNumber {
	return header.IPv4ProtocolNumber
}

func (*protocol) ResolveStaticAddress(addr tcpip.Address) (tcpip.LinkAddress, bool) {
	if addr == header.IPv4Broadcast {
		return header.EthernetBroadcast, true
	}
	return "", false
}

// Resolve 查缓存，查不到就广播一个请求，然后不持锁地轮询缓存直到超时
func (p *protocol) Resolve(nic *stack.NIC, addr tcpip.Address) (tcpip.LinkAddress, *tcpip.Error) {
	local, ok := nic.Address()
	if !ok {
		return "", tcpip.ErrBadLocalAddress
	}
	if e, ok := p.table.Lookup(addr); ok {
		return e.LinkAddress, nil
	}

	if err := p.request(nic, local.Address, addr); err != nil {
		return "", err
	}

	var mac tcpip.LinkAddress
	resolved := sleep.Until(context.Background(), p.stack.ResolveTimeout(), p.stack.PollInterval(), func() bool {
		e, ok := p.table.Lookup(addr)
		if ok {
			mac = e.LinkAddress
		}
		return ok
	})
	if !resolved {
		p.log.WithFields(logrus.Fields{"nic": nic.ID(), "addr": addr}).Warn("arp resolution timed out")
		return "", tcpip.ErrNoLinkAddress
	}
	return mac, nil
}
