package header

import (
	"encoding/binary"

	tcpip "github.com/qxcheng/kernel-net/protocol"
)

// ICMPv4 表示icmp报文：类型(1) 代码(1) 校验和(2) 首部其余部分(4) 数据
type ICMPv4 []byte

const (
	ICMPv4MinimumSize               = 8                      // ICMP包最小尺寸
	ICMPv4EchoMinimumSize           = ICMPv4MinimumSize      // ICMP echo包的最小尺寸
	ICMPv4DstUnreachableMinimumSize = ICMPv4MinimumSize      // ICMP目的地不可达包最小尺寸
	ICMPv4TimestampSize             = ICMPv4MinimumSize + 12 // 三个32位时间戳
	ICMPv4AddressMaskSize           = ICMPv4MinimumSize + 4
)

const (
	icmpType     = 0
	icmpCode     = 1
	icmpChecksum = 2
	icmpRest     = 4 // 4 - 7
	icmpData     = 8
)

// ICMPv4Type is the ICMP type field described in RFC 792.
type ICMPv4Type byte

// Typical values of ICMPv4Type defined in RFC 792.
const (
	ICMPv4EchoReply           ICMPv4Type = 0
	ICMPv4DstUnreachable      ICMPv4Type = 3
	ICMPv4SrcQuench           ICMPv4Type = 4 // deprecated, RFC 6633
	ICMPv4Redirect            ICMPv4Type = 5
	ICMPv4Echo                ICMPv4Type = 8
	ICMPv4RouterAdvertisement ICMPv4Type = 9
	ICMPv4RouterSolicitation  ICMPv4Type = 10
	ICMPv4TimeExceeded        ICMPv4Type = 11
	ICMPv4ParamProblem        ICMPv4Type = 12
	ICMPv4Timestamp           ICMPv4Type = 13
	ICMPv4TimestampReply      ICMPv4Type = 14
	ICMPv4InfoRequest         ICMPv4Type = 15 // deprecated
	ICMPv4InfoReply           ICMPv4Type = 16 // deprecated
	ICMPv4AddressMaskRequest  ICMPv4Type = 17 // deprecated
	ICMPv4AddressMaskReply    ICMPv4Type = 18 // deprecated
	ICMPv4Traceroute          ICMPv4Type = 30 // deprecated
	ICMPv4ExtendedEchoRequest ICMPv4Type = 42
	ICMPv4ExtendedEchoReply   ICMPv4Type = 43
)

var icmpTypeNames = map[ICMPv4Type]string{
	ICMPv4EchoReply:           "echo reply",
	ICMPv4DstUnreachable:      "destination unreachable",
	ICMPv4SrcQuench:           "source quench",
	ICMPv4Redirect:            "redirect",
	ICMPv4Echo:                "echo request",
	ICMPv4RouterAdvertisement: "router advertisement",
	ICMPv4RouterSolicitation:  "router solicitation",
	ICMPv4TimeExceeded:        "time exceeded",
	ICMPv4ParamProblem:        "bad ip header",
	ICMPv4Timestamp:           "timestamp",
	ICMPv4TimestampReply:      "timestamp reply",
	ICMPv4InfoRequest:         "information request",
	ICMPv4InfoReply:           "information reply",
	ICMPv4AddressMaskRequest:  "address mask request",
	ICMPv4AddressMaskReply:    "address mask reply",
	ICMPv4Traceroute:          "traceroute",
	ICMPv4ExtendedEchoRequest: "extended echo request",
	ICMPv4ExtendedEchoReply:   "extended echo reply",
}

func (t ICMPv4Type) String() string {
	if s, ok := icmpTypeNames[t]; ok {
		return s
	}
	return "unknown"
}

// ICMPv4DstUnreachableCode 目的不可达的代码，RFC 792/1812
type ICMPv4DstUnreachableCode byte

const (
	ICMPv4NetUnreachable          ICMPv4DstUnreachableCode = 0
	ICMPv4HostUnreachable         ICMPv4DstUnreachableCode = 1
	ICMPv4ProtoUnreachable        ICMPv4DstUnreachableCode = 2
	ICMPv4PortUnreachable         ICMPv4DstUnreachableCode = 3
	ICMPv4FragmentationNeeded     ICMPv4DstUnreachableCode = 4
	ICMPv4SourceRouteFailed       ICMPv4DstUnreachableCode = 5
	ICMPv4NetUnknown              ICMPv4DstUnreachableCode = 6
	ICMPv4HostUnknown             ICMPv4DstUnreachableCode = 7
	ICMPv4SourceHostIsolated      ICMPv4DstUnreachableCode = 8
	ICMPv4NetProhibited           ICMPv4DstUnreachableCode = 9
	ICMPv4HostProhibited          ICMPv4DstUnreachableCode = 10
	ICMPv4NetUnreachableForTOS    ICMPv4DstUnreachableCode = 11
	ICMPv4HostUnreachableForTOS   ICMPv4DstUnreachableCode = 12
	ICMPv4AdminProhibited         ICMPv4DstUnreachableCode = 13
	ICMPv4HostPrecedenceViolation ICMPv4DstUnreachableCode = 14
	ICMPv4PrecedenceCutInEffect   ICMPv4DstUnreachableCode = 15
)

var dstUnreachableText = [...]string{
	ICMPv4NetUnreachable:          "Network unreachable error.",
	ICMPv4HostUnreachable:         "Host unreachable error.",
	ICMPv4ProtoUnreachable:        "The designated transport protocol is not supported",
	ICMPv4PortUnreachable:         "The designated protocol is unable to inform the host of the incoming message",
	ICMPv4FragmentationNeeded:     `The datagram is too big. Packet fragmentation is required but the "don't fragment" (DF) flag is on.`,
	ICMPv4SourceRouteFailed:       "Source route failed error.",
	ICMPv4NetUnknown:              "Destination network unknown error.",
	ICMPv4HostUnknown:             "Destination host unknown error.",
	ICMPv4SourceHostIsolated:      "Source host isolated error.",
	ICMPv4NetProhibited:           "The destination network is administratively prohibited.",
	ICMPv4HostProhibited:          "The destination host is administratively prohibited.",
	ICMPv4NetUnreachableForTOS:    "The network is unreachable for Type Of Service.",
	ICMPv4HostUnreachableForTOS:   "The host is unreachable for Type Of Service.",
	ICMPv4AdminProhibited:         "Communication administratively prohibited",
	ICMPv4HostPrecedenceViolation: "The requested precedence is not permitted for the combination of host or network and port",
	ICMPv4PrecedenceCutInEffect:   "Precedence of datagram is below the level set by the network administrators",
}

func (c ICMPv4DstUnreachableCode) String() string {
	if int(c) < len(dstUnreachableText) {
		return dstUnreachableText[c]
	}
	return "Unknown destination unreachable code."
}

// 重定向报文的代码
const (
	ICMPv4RedirectNetwork    = 0
	ICMPv4RedirectHost       = 1
	ICMPv4RedirectNetworkTOS = 2
	ICMPv4RedirectHostTOS    = 3
)

// 超时报文的代码
const (
	ICMPv4TTLExceeded       = 0 // 传输中ttl减为0
	ICMPv4ReassemblyTimeout = 1 // 分片重组超时
)

// Type is the ICMP type field.
func (b ICMPv4) Type() ICMPv4Type { return ICMPv4Type(b[icmpType]) }

// SetType sets the ICMP type field.
func (b ICMPv4) SetType(t ICMPv4Type) { b[icmpType] = byte(t) }

// Code is the ICMP code field. Its meaning depends on the value of Type.
func (b ICMPv4) Code() byte { return b[icmpCode] }

// SetCode sets the ICMP code field.
func (b ICMPv4) SetCode(c byte) { b[icmpCode] = c }

// Checksum is the ICMP checksum field.
func (b ICMPv4) Checksum() uint16 {
	return binary.BigEndian.Uint16(b[icmpChecksum:])
}

// SetChecksum sets the ICMP checksum field.
func (b ICMPv4) SetChecksum(checksum uint16) {
	binary.BigEndian.PutUint16(b[icmpChecksum:], checksum)
}

// RestOfHeader 首部的第4到7字节，含义由类型决定
func (b ICMPv4) RestOfHeader() []byte {
	return b[icmpRest:icmpData]
}

// Payload 首部之后的数据
func (b ICMPv4) Payload() []byte {
	return b[icmpData:]
}

// CalculateChecksum 对整个icmp报文求校验和，跳过校验和字段，奇数长度末尾隐式补0
func (b ICMPv4) CalculateChecksum() uint16 {
	sum := Checksum(b[:icmpChecksum], 0)
	return Checksum(b[icmpChecksum+2:], sum)
}

// VerifyChecksum 报文完好时为0
func (b ICMPv4) VerifyChecksum() uint16 {
	return ^Checksum(b, 0)
}

// IsValid 长度足够并且校验和正确
func (b ICMPv4) IsValid() bool {
	return len(b) >= ICMPv4MinimumSize && b.VerifyChecksum() == 0
}

// echo / timestamp / address mask ///////////////////////////////////

// Ident echo、时间戳、地址掩码报文的标识符
func (b ICMPv4) Ident() uint16 {
	return binary.BigEndian.Uint16(b[icmpRest:])
}

func (b ICMPv4) SetIdent(v uint16) {
	binary.BigEndian.PutUint16(b[icmpRest:], v)
}

// Sequence echo、时间戳、地址掩码报文的序列号
func (b ICMPv4) Sequence() uint16 {
	return binary.BigEndian.Uint16(b[icmpRest+2:])
}

func (b ICMPv4) SetSequence(v uint16) {
	binary.BigEndian.PutUint16(b[icmpRest+2:], v)
}

// OriginateTimestamp 时间戳报文，单位为从UTC零点起的毫秒数
func (b ICMPv4) OriginateTimestamp() uint32 {
	return binary.BigEndian.Uint32(b[icmpData:])
}

func (b ICMPv4) ReceiveTimestamp() uint32 {
	return binary.BigEndian.Uint32(b[icmpData+4:])
}

func (b ICMPv4) TransmitTimestamp() uint32 {
	return binary.BigEndian.Uint32(b[icmpData+8:])
}

func (b ICMPv4) SetTimestamps(originate, receive, transmit uint32) {
	binary.BigEndian.PutUint32(b[icmpData:], originate)
	binary.BigEndian.PutUint32(b[icmpData+4:], receive)
	binary.BigEndian.PutUint32(b[icmpData+8:], transmit)
}

// AddressMask 地址掩码报文中的子网掩码
func (b ICMPv4) AddressMask() tcpip.AddressMask {
	return tcpip.AddressMask(b[icmpData : icmpData+IPv4AddressSize])
}

func (b ICMPv4) SetAddressMask(m tcpip.AddressMask) {
	copy(b[icmpData:icmpData+IPv4AddressSize], m)
}

// 差错报文 ////////////////////////////////////////////////////////////

// UnreachableLength 目的不可达报文的原始数据报长度字段（RFC 4884，单位4字节）
func (b ICMPv4) UnreachableLength() uint8 {
	return b[icmpRest+1]
}

// MTU 需要分片时下一跳的mtu
func (b ICMPv4) MTU() uint16 {
	return binary.BigEndian.Uint16(b[icmpRest+2:])
}

func (b ICMPv4) SetMTU(mtu uint16) {
	binary.BigEndian.PutUint16(b[icmpRest+2:], mtu)
}

// Gateway 重定向报文中建议使用的网关地址
func (b ICMPv4) Gateway() tcpip.Address {
	return tcpip.Address(b[icmpRest:icmpData])
}

func (b ICMPv4) SetGateway(a tcpip.Address) {
	copy(b[icmpRest:icmpData], a)
}

// Datagram 差错报文（不可达、源抑制、重定向、超时）携带的原始ip头和前8字节数据
func (b ICMPv4) Datagram() IPv4 {
	return IPv4(b[icmpData:])
}
