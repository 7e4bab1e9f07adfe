package tcpip

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"net"
	"strconv"
	"strings"
	"time"
)

// Error 自定义错误相关 ///////////////

type Error struct {
	msg string
	// ignoreStats 为true的错误属于正常流程（忙、等待），调用方不应该计入错误日志
	ignoreStats bool
}

func (e *Error) String() string {
	return e.msg
}

// Error 实现error接口，方便跨入cobra/viper这类只认error的代码
func (e *Error) Error() string {
	return e.msg
}

func (e *Error) IgnoreStats() bool {
	return e.ignoreStats
}

var (
	ErrUnknownProtocol       = &Error{msg: "unknown protocol"}
	ErrUnknownNICID          = &Error{msg: "unknown nic id"}
	ErrUnknownProtocolOption = &Error{msg: "unknown option for protocol"}
	ErrDuplicateNICID        = &Error{msg: "duplicate nic id"}
	ErrDuplicateAddress      = &Error{msg: "duplicate address"}
	ErrNoRoute               = &Error{msg: "no route"}
	ErrBadLinkEndpoint       = &Error{msg: "bad link layer endpoint"}
	ErrBadLocalAddress       = &Error{msg: "bad local address"}
	ErrTimeout               = &Error{msg: "operation timed out"}
	ErrAborted               = &Error{msg: "operation aborted"}
	ErrNotSupported          = &Error{msg: "operation not supported"}
	ErrInvalidOptionValue    = &Error{msg: "invalid option value specified"}
	ErrNoLinkAddress         = &Error{msg: "no remote link address"}
	ErrBadAddress            = &Error{msg: "bad address"}
	ErrNetworkUnreachable    = &Error{msg: "network is unreachable"}
	ErrMessageTooLong        = &Error{msg: "message too long"}
	ErrNoBufferSpace         = &Error{msg: "no buffer space available"}
	ErrWouldBlock            = &Error{msg: "operation would block", ignoreStats: true}
	ErrBusy                  = &Error{msg: "operation already in progress", ignoreStats: true}

	// 报文和网卡相关
	ErrMalformedPacket = &Error{msg: "malformed packet"}
	ErrShortPacket     = &Error{msg: "short packet"}
	ErrNoEndOfPacket   = &Error{msg: "packet without end of packet marker"}
	ErrDeviceError     = &Error{msg: "device reported receive error"}
	ErrResetTimeout    = &Error{msg: "device reset timed out"}
	ErrAdapterClosed   = &Error{msg: "adapter is closed"}
)

// Errors related to Subnet
var (
	errSubnetLengthMismatch = errors.New("subnet length of address and mask differ")
	errSubnetAddressMasked  = errors.New("subnet address has bits set outside the mask")
)

// 工具相关 ////////////////////////////////////////////////////////////

// A Clock provides the current time.
type Clock interface {
	// NowNanoseconds returns the current real time as a number of
	// nanoseconds since the Unix epoch.
	NowNanoseconds() int64

	// NowMonotonic returns a monotonic time value.
	NowMonotonic() int64
}

// StdClock implements Clock with the time package.
type StdClock struct{}

var _ Clock = (*StdClock)(nil)

var monotonicBase = time.Now()

// NowNanoseconds implements Clock.NowNanoseconds.
func (*StdClock) NowNanoseconds() int64 {
	return time.Now().UnixNano()
}

// NowMonotonic implements Clock.NowMonotonic.
func (*StdClock) NowMonotonic() int64 {
	return int64(time.Since(monotonicBase))
}

// 链路层 //////////////////////////////////////////////////////////////

type LinkAddress string // mac地址，6字节
type NICID int32        // NIC网卡唯一标识

// String 按 aa:bb:cc:dd:ee:ff 格式输出
func (a LinkAddress) String() string {
	switch len(a) {
	case 6:
		return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a[0], a[1], a[2], a[3], a[4], a[5])
	default:
		return fmt.Sprintf("%x", []byte(a))
	}
}

// ParseLinkAddress 解析 aa:bb:cc:dd:ee:ff 格式的mac地址
func ParseLinkAddress(s string) (LinkAddress, error) {
	parts := strings.FieldsFunc(s, func(c rune) bool {
		return c == ':' || c == '-'
	})
	if len(parts) != 6 {
		return "", fmt.Errorf("invalid link address %q", s)
	}
	addr := make([]byte, 6)
	for i, p := range parts {
		u, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return "", fmt.Errorf("invalid link address %q: %w", s, err)
		}
		addr[i] = byte(u)
	}
	return LinkAddress(addr), nil
}

// 网络层 /////////////////////////////////////////////////////////////

type NetworkProtocolNumber uint32 // 网络层协议号，即以太网类型

type AddressMask string // 网络层地址的子网掩码

// String implements Stringer.
func (a AddressMask) String() string {
	return Address(a).String()
}

// Prefix 返回掩码的前缀长度，掩码不连续时返回-1
func (a AddressMask) Prefix() int {
	ones := 0
	seenZero := false
	for i := 0; i < len(a); i++ {
		b := a[i]
		for bit := 7; bit >= 0; bit-- {
			if b&(1<<uint(bit)) != 0 {
				if seenZero {
					return -1
				}
				ones++
			} else {
				seenZero = true
			}
		}
	}
	return ones
}

// Ones 统计掩码中为1的位数，不要求连续，用于最长前缀匹配的比较
func (a AddressMask) Ones() int {
	n := 0
	for i := 0; i < len(a); i++ {
		n += bits.OnesCount8(a[i])
	}
	return n
}

// MaskFromPrefix 根据前缀长度生成ipv4掩码
func MaskFromPrefix(prefix int) AddressMask {
	if prefix < 0 {
		prefix = 0
	}
	if prefix > 32 {
		prefix = 32
	}
	var v uint32
	if prefix > 0 {
		v = ^uint32(0) << uint(32-prefix)
	}
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return AddressMask(b)
}

// ParseMask 解析点分十进制的掩码
func ParseMask(s string) (AddressMask, error) {
	a, err := ParseAddress(s)
	if err != nil {
		return "", err
	}
	return AddressMask(a), nil
}

type Address string // 网络层地址

// IPv4Zero 0.0.0.0
const IPv4Zero Address = "\x00\x00\x00\x00"

// String implements the fmt.Stringer interface.
func (a Address) String() string {
	switch len(a) {
	case 4:
		return fmt.Sprintf("%d.%d.%d.%d", int(a[0]), int(a[1]), int(a[2]), int(a[3]))
	default:
		return fmt.Sprintf("%x", []byte(a))
	}
}

// ParseAddress 解析点分十进制的ipv4地址
func ParseAddress(s string) (Address, error) {
	ip := net.ParseIP(strings.TrimSpace(s)).To4()
	if ip == nil {
		return "", fmt.Errorf("invalid ipv4 address %q", s)
	}
	return Address(ip), nil
}

// AddressFromUint32 从主机序整数构造地址
func AddressFromUint32(v uint32) Address {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return Address(b)
}

// Uint32 以主机序整数返回地址
func (a Address) Uint32() uint32 {
	if len(a) != 4 {
		return 0
	}
	return binary.BigEndian.Uint32([]byte(a))
}

// Split 拆成四个十进制段
func (a Address) Split() [4]int {
	var parts [4]int
	for i := 0; i < 4 && i < len(a); i++ {
		parts[i] = int(a[i])
	}
	return parts
}

// IsZero 地址是否全0（或者为空）
func (a Address) IsZero() bool {
	for i := 0; i < len(a); i++ {
		if a[i] != 0 {
			return false
		}
	}
	return true
}

// Mask 返回 a & m
func (a Address) Mask(m AddressMask) Address {
	if len(a) != len(m) {
		return a
	}
	out := make([]byte, len(a))
	for i := range out {
		out[i] = a[i] & m[i]
	}
	return Address(out)
}

// NetAddress 网络地址
func NetAddress(a Address, m AddressMask) Address {
	return a.Mask(m)
}

// BroadcastAddress 子网广播地址 a | ^m
func BroadcastAddress(a Address, m AddressMask) Address {
	if len(a) != len(m) {
		return a
	}
	out := make([]byte, len(a))
	for i := range out {
		out[i] = a[i] | ^m[i]
	}
	return Address(out)
}

// Subnet is a subnet defined by its address and mask.
type Subnet struct {
	address Address
	mask    AddressMask
}

// NewSubnet creates a new Subnet, checking that the address and mask are the same length.
func NewSubnet(a Address, m AddressMask) (Subnet, error) {
	if len(a) != len(m) {
		return Subnet{}, errSubnetLengthMismatch
	}
	for i := 0; i < len(a); i++ {
		if a[i]&^m[i] != 0 {
			return Subnet{}, errSubnetAddressMasked
		}
	}
	return Subnet{a, m}, nil
}

// ID returns the subnet ID.
func (s *Subnet) ID() Address {
	return s.address
}

// Mask returns the subnet mask.
func (s *Subnet) Mask() AddressMask {
	return s.mask
}

// Contains 判断地址是否属于该子网
func (s *Subnet) Contains(a Address) bool {
	if len(a) != len(s.address) {
		return false
	}
	for i := 0; i < len(a); i++ {
		if a[i]&s.mask[i] != s.address[i] {
			return false
		}
	}
	return true
}

// Broadcast 返回子网的广播地址
func (s *Subnet) Broadcast() Address {
	return BroadcastAddress(s.address, s.mask)
}

// Prefix returns the number of 1 bits in the subnet mask.
func (s *Subnet) Prefix() int {
	return s.mask.Prefix()
}

// 传输层 /////////////////////////////////////////////////////////////

type TransportProtocolNumber uint32 // 传输层协议号，即ip头中的protocol字段
