package header

import (
	"encoding/binary"

	tcpip "github.com/qxcheng/kernel-net/protocol"
)

// 以太网帧头部信息的偏移量
const (
	dstMAC  = 0
	srcMAC  = 6
	ethType = 12
)

// EthernetFields 表示链路层以太网帧的头部
type EthernetFields struct {
	SrcAddr tcpip.LinkAddress          // 源地址
	DstAddr tcpip.LinkAddress          // 目的地址
	Type    tcpip.NetworkProtocolNumber // 协议类型
}

// Ethernet 以太网数据包的封装
type Ethernet []byte

const (
	EthernetMinimumSize = 14 // EthernetMinimumSize以太网帧最小的长度
	EthernetAddressSize = 6  // EthernetAddressSize以太网地址的长度
)

// EthernetBroadcast 广播mac地址 ff:ff:ff:ff:ff:ff
const EthernetBroadcast = tcpip.LinkAddress("\xff\xff\xff\xff\xff\xff")

// SourceAddress 从帧头部中得到源地址
func (b Ethernet) SourceAddress() tcpip.LinkAddress {
	return tcpip.LinkAddress(b[srcMAC:][:EthernetAddressSize])
}

// DestinationAddress 从帧头部中得到目的地址
func (b Ethernet) DestinationAddress() tcpip.LinkAddress {
	return tcpip.LinkAddress(b[dstMAC:][:EthernetAddressSize])
}

// Type 从帧头部中得到协议类型
func (b Ethernet) Type() tcpip.NetworkProtocolNumber {
	return tcpip.NetworkProtocolNumber(binary.BigEndian.Uint16(b[ethType:]))
}

func (b Ethernet) SetSourceAddress(a tcpip.LinkAddress) {
	copy(b[srcMAC:][:EthernetAddressSize], a)
}

func (b Ethernet) SetDestinationAddress(a tcpip.LinkAddress) {
	copy(b[dstMAC:][:EthernetAddressSize], a)
}

func (b Ethernet) SetType(t tcpip.NetworkProtocolNumber) {
	binary.BigEndian.PutUint16(b[ethType:], uint16(t))
}

// IsBroadcast 目的地址是否为广播地址
func (b Ethernet) IsBroadcast() bool {
	return b.DestinationAddress() == EthernetBroadcast
}

// Encode 根据传入的帧头部信息编码成Ethernet二进制形式，注意Ethernet应先分配好内存
func (b Ethernet) Encode(e *EthernetFields) {
	b.SetType(e.Type)
	b.SetSourceAddress(e.SrcAddr)
	b.SetDestinationAddress(e.DstAddr)
}
