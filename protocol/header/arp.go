package header

import (
	"encoding/binary"

	tcpip "github.com/qxcheng/kernel-net/protocol"
)

const (
	// ARPProtocolNumber arp的以太网类型
	ARPProtocolNumber tcpip.NetworkProtocolNumber = 0x0806

	// ARPSize ipv4 over ethernet 的arp报文长度
	ARPSize = 2 + 2 + 1 + 1 + 2 + 2*6 + 2*4

	// ARPHardwareEther 硬件类型：以太网
	ARPHardwareEther = 1
)

// arp报文各字段的偏移量
const (
	arpHrd = 0
	arpPro = 2
	arpHln = 4
	arpPln = 5
	arpOp  = 6
	arpSha = 8
	arpSpa = 14
	arpTha = 18
	arpTpa = 24
)

// ARPOp is an ARP opcode.
type ARPOp uint16

// Typical ARP opcodes defined in RFC 826.
const (
	ARPRequest ARPOp = 1
	ARPReply   ARPOp = 2
)

func (op ARPOp) String() string {
	switch op {
	case ARPRequest:
		return "request"
	case ARPReply:
		return "reply"
	default:
		return "unknown"
	}
}

// ARP is an ARP packet stored in a byte array as described in RFC 826.
type ARP []byte

// HardwareType 硬件类型
func (a ARP) HardwareType() uint16 { return binary.BigEndian.Uint16(a[arpHrd:]) }

// ProtocolType 协议类型，ipv4是0x0800
func (a ARP) ProtocolType() uint16 { return binary.BigEndian.Uint16(a[arpPro:]) }

func (a ARP) HardwareAddressSize() int { return int(a[arpHln]) }
func (a ARP) ProtocolAddressSize() int { return int(a[arpPln]) }

// Op is the ARP opcode.
func (a ARP) Op() ARPOp { return ARPOp(binary.BigEndian.Uint16(a[arpOp:])) }

// SetOp sets the ARP opcode.
func (a ARP) SetOp(op ARPOp) {
	binary.BigEndian.PutUint16(a[arpOp:], uint16(op))
}

// SetIPv4OverEthernet configures the ARP packet for IPv4-over-Ethernet.
func (a ARP) SetIPv4OverEthernet() {
	binary.BigEndian.PutUint16(a[arpHrd:], ARPHardwareEther)
	binary.BigEndian.PutUint16(a[arpPro:], uint16(IPv4ProtocolNumber))
	a[arpHln] = EthernetAddressSize
	a[arpPln] = IPv4AddressSize
}

// HardwareAddressSender is the link address of the sender.
// It is a view on to the ARP packet so it can be used to set the value.
func (a ARP) HardwareAddressSender() []byte {
	return a[arpSha : arpSha+EthernetAddressSize]
}

// ProtocolAddressSender is the protocol address of the sender.
func (a ARP) ProtocolAddressSender() []byte {
	return a[arpSpa : arpSpa+IPv4AddressSize]
}

// HardwareAddressTarget is the link address of the target.
func (a ARP) HardwareAddressTarget() []byte {
	return a[arpTha : arpTha+EthernetAddressSize]
}

// ProtocolAddressTarget is the protocol address of the target.
func (a ARP) ProtocolAddressTarget() []byte {
	return a[arpTpa : arpTpa+IPv4AddressSize]
}

func (a ARP) SenderLinkAddress() tcpip.LinkAddress {
	return tcpip.LinkAddress(a.HardwareAddressSender())
}

func (a ARP) SenderAddress() tcpip.Address {
	return tcpip.Address(a.ProtocolAddressSender())
}

func (a ARP) TargetLinkAddress() tcpip.LinkAddress {
	return tcpip.LinkAddress(a.HardwareAddressTarget())
}

func (a ARP) TargetAddress() tcpip.Address {
	return tcpip.Address(a.ProtocolAddressTarget())
}

// ARPFields 组装arp报文用到的字段
type ARPFields struct {
	Op                ARPOp
	SenderLinkAddress tcpip.LinkAddress
	SenderAddress     tcpip.Address
	TargetLinkAddress tcpip.LinkAddress
	TargetAddress     tcpip.Address
}

// Encode 写入 ipv4 over ethernet 的arp报文
func (a ARP) Encode(f *ARPFields) {
	a.SetIPv4OverEthernet()
	a.SetOp(f.Op)
	copy(a.HardwareAddressSender(), f.SenderLinkAddress)
	copy(a.ProtocolAddressSender(), f.SenderAddress)
	copy(a.HardwareAddressTarget(), f.TargetLinkAddress)
	copy(a.ProtocolAddressTarget(), f.TargetAddress)
}

// IsValid reports whether this is an ARP packet for IPv4 over Ethernet.
func (a ARP) IsValid() bool {
	if len(a) < ARPSize {
		return false
	}
	return a.HardwareType() == ARPHardwareEther &&
		a.ProtocolType() == uint16(IPv4ProtocolNumber) &&
		a.HardwareAddressSize() == EthernetAddressSize &&
		a.ProtocolAddressSize() == IPv4AddressSize
}
