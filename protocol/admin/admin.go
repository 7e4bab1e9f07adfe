// Package admin 协议栈的管理命令：地址、路由、arp表的查看和修改，以及arping和ping。
// 每个操作返回一个数值结果码，输出写到创建时给定的io.Writer
package admin

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	tcpip "github.com/qxcheng/kernel-net/protocol"
	"github.com/qxcheng/kernel-net/protocol/header"
	"github.com/qxcheng/kernel-net/protocol/network/arp"
	"github.com/qxcheng/kernel-net/protocol/network/ipv4"
	"github.com/qxcheng/kernel-net/protocol/stack"
)

// Code 管理命令的结果码
type Code uint32

const (
	CodeOK            Code = 0
	CodeNothingToAdd  Code = 1 // 目的、掩码、网关全是0
	CodeNoSuchDevice  Code = 0xBAADF00D
	CodeAddressExists Code = 0x0D06F00D
	CodeTableFull     Code = 0xFEEDFACE
	CodeNoSuchRoute   Code = 0xDEADBEEF
	CodeBadArgument   Code = 0xFFFFFFFF
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeNothingToAdd:
		return "nothing to add"
	case CodeNoSuchDevice:
		return "no such device"
	case CodeAddressExists:
		return "address exists"
	case CodeTableFull:
		return "table full"
	case CodeNoSuchRoute:
		return "no such route"
	case CodeBadArgument:
		return "bad argument"
	}
	return fmt.Sprintf("code %#x", uint32(c))
}

var allOnes = tcpip.AddressMask("\xff\xff\xff\xff")

// Admin 绑定一个协议栈
type Admin struct {
	s   *stack.Stack
	w   io.Writer
	log *logrus.Entry
}

// New 输出写到w
func New(s *stack.Stack, w io.Writer) *Admin {
	return &Admin{s: s, w: w, log: s.Component("admin")}
}

func (a *Admin) printf(format string, args ...interface{}) {
	fmt.Fprintf(a.w, format, args...)
}

func tableCode(err *tcpip.Error) Code {
	if err == tcpip.ErrNoBufferSpace {
		return CodeTableFull
	}
	return CodeBadArgument
}

// ShowIPAddress 按id顺序列出网卡和地址
func (a *Admin) ShowIPAddress() Code {
	for _, nic := range a.s.NICs() {
		ad := nic.Adapter()
		a.printf("dev%d: %x:%x\n    link/ether %s brd %s\n",
			nic.ID(), ad.VendorID(), ad.DeviceID(), nic.LinkAddress(), header.EthernetBroadcast)
		if e, ok := nic.Address(); ok {
			a.printf("    inet %s/%d brd %s\n", e.Address, e.Mask.Prefix(), e.Broadcast())
		}
	}
	return CodeOK
}

func connectedRoute(dev tcpip.NICID, addr tcpip.Address, mask tcpip.AddressMask) stack.RouteEntry {
	return stack.RouteEntry{
		Destination: addr.Mask(mask),
		Mask:        mask,
		Flags:       stack.RouteUp,
		NIC:         dev,
	}
}

// SetIPAddress 一个网卡只能有一个地址，同时装上直连路由
func (a *Admin) SetIPAddress(dev tcpip.NICID, addr tcpip.Address, mask tcpip.AddressMask) Code {
	if a.s.NIC(dev) == nil {
		return CodeNoSuchDevice
	}
	if len(addr) != header.IPv4AddressSize || mask.Prefix() < 0 {
		return CodeBadArgument
	}
	if _, ok := a.s.AddressTable().Find(dev); ok {
		a.printf("Device %d already has IP address.\n", dev)
		return CodeAddressExists
	}
	if err := a.s.AddressTable().Assign(dev, addr, mask); err != nil {
		return tableCode(err)
	}
	if err := a.s.RouteTable().Add(connectedRoute(dev, addr, mask)); err != nil {
		a.s.AddressTable().Remove(dev)
		return tableCode(err)
	}
	a.log.WithFields(logrus.Fields{"nic": dev, "addr": addr, "mask": mask}).Info("address assigned")
	return CodeOK
}

// DelIPAddress 删除网卡地址和它的直连路由
func (a *Admin) DelIPAddress(dev tcpip.NICID) Code {
	if a.s.NIC(dev) == nil {
		return CodeNoSuchDevice
	}
	e, ok := a.s.AddressTable().Find(dev)
	if !ok {
		return CodeOK
	}
	a.s.AddressTable().Remove(dev)
	conn := connectedRoute(dev, e.Address, e.Mask)
	a.s.RouteTable().Remove(func(r *stack.RouteEntry) bool {
		return r.NIC == conn.NIC && r.Destination == conn.Destination && r.Mask == conn.Mask &&
			r.Flags&(stack.RouteGateway|stack.RouteHost) == 0
	})
	a.log.WithFields(logrus.Fields{"nic": dev, "addr": e.Address}).Info("address removed")
	return CodeOK
}

// PrintARPTable 打印arp缓存
func (a *Admin) PrintARPTable() Code {
	a.printf("IP address       HW type     Flags       HW address            Mask\n")
	for _, e := range a.s.ARPTable().Entries() {
		a.printf("%-16s 0x%-9x 0x%-9x %-21s *\n", e.Address, e.HardwareType, uint8(e.Flags), e.LinkAddress)
	}
	return CodeOK
}

// RTAddStatic 添加静态路由。
// 有网关且目的地址非0时，网卡取自同一网关的默认路由；没有网关时是主机路由
func (a *Admin) RTAddStatic(dst tcpip.Address, mask tcpip.AddressMask, via tcpip.Address, dev int) Code {
	if dst.IsZero() && tcpip.Address(mask).IsZero() && via.IsZero() {
		return CodeNothingToAdd
	}

	r := stack.RouteEntry{
		Destination: dst,
		Gateway:     via,
		Mask:        mask,
	}
	device := func() bool {
		if dev < 0 || a.s.NIC(tcpip.NICID(dev)) == nil {
			return false
		}
		r.NIC = tcpip.NICID(dev)
		return true
	}

	if !via.IsZero() {
		if !dst.IsZero() {
			def, ok := a.s.RouteTable().Find(func(e *stack.RouteEntry) bool {
				return e.Destination.IsZero() && e.Gateway == via
			})
			if !ok {
				return CodeNoSuchRoute
			}
			r.NIC = def.NIC
		} else if !device() {
			return CodeNoSuchDevice
		}
		r.Destination = dst.Mask(mask)
		r.Flags |= stack.RouteGateway
	} else {
		if !device() {
			return CodeNoSuchDevice
		}
		r.Mask = allOnes
		r.Flags |= stack.RouteHost
	}
	r.Flags |= stack.RouteUp

	if err := a.s.RouteTable().Add(r); err != nil {
		return tableCode(err)
	}
	a.log.WithFields(logrus.Fields{"dst": r.Destination, "mask": r.Mask, "via": r.Gateway, "nic": r.NIC}).Info("route added")
	return CodeOK
}

// RTDelete 删除目的地址和掩码都相同的路由
func (a *Admin) RTDelete(dst tcpip.Address, mask tcpip.AddressMask) Code {
	n := a.s.RouteTable().Remove(func(r *stack.RouteEntry) bool {
		return r.Destination == dst.Mask(mask) && r.Mask == mask
	})
	if n == 0 {
		return CodeNoSuchRoute
	}
	return CodeOK
}

// RTPrint 打印路由表
func (a *Admin) RTPrint() Code {
	a.printf("Kernel IP routing table\n")
	a.printf("Destination     Gateway         Genmask         Flags Metric Ref    Use Iface\n")
	for _, r := range a.s.RouteTable().Entries() {
		iface := "*"
		if a.s.NIC(r.NIC) != nil {
			iface = fmt.Sprintf("eth%d", r.NIC)
		}
		gw := r.Gateway
		if gw == "" {
			gw = tcpip.IPv4Zero
		}
		a.printf("%-15s %-15s %-15s %-5s %-6d %-2d %7d %s\n",
			r.Destination, gw, tcpip.Address(r.Mask), r.Flags, r.Metric, r.Ref, r.Use, iface)
	}
	return CodeOK
}

// ARPRequest arping一次，通过返回1，否则返回0
func (a *Admin) ARPRequest(ctx context.Context, addr tcpip.Address) int {
	t, err := arp.TesterFor(a.s)
	if err != nil {
		a.log.WithError(err).Warn("arping unavailable")
		return 0
	}
	report, err := t.Ping(ctx, addr, a.w)
	if err != nil {
		a.printf("arping: %v\n", err)
		return 0
	}
	if report.Result == arp.Passed {
		return 1
	}
	return 0
}

// Ping 结果已经打印出来，总是返回CodeOK
func (a *Admin) Ping(ctx context.Context, addr tcpip.Address) Code {
	p, err := ipv4.PingerFor(a.s)
	if err != nil {
		a.log.WithError(err).Warn("ping unavailable")
		return CodeOK
	}
	if _, err := p.Ping(ctx, addr, a.w); err != nil {
		a.printf("ping: %v\n", err)
	}
	return CodeOK
}
