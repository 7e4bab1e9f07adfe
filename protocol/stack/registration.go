package stack

import (
	"sync"

	"github.com/qxcheng/kernel-net/pkg/buffer"
	tcpip "github.com/qxcheng/kernel-net/protocol"
)

// 传输层 ///////////////////////////////////////////////////////////////////

// TransportProtocol 由挂在ip层下面的协议实现(e.g., icmp, tcp, udp)，
// 按ip头里的协议号放进协议栈的256项分发表
type TransportProtocol interface {
	// Number 返回ip头中的协议号
	Number() tcpip.TransportProtocolNumber

	// Register 注册钩子，ip层attach的时候对表里每一项调用一次
	Register(s *Stack) *tcpip.Error

	// HandlePacket 主处理钩子，f的负载从ip头开始。f只在调用期间有效
	HandlePacket(nic *NIC, f *buffer.Frame)
}

// 网络层 //////////////////////////////////////////////////////////////////////

// NetworkProtocol 由（想成为网络栈一部分的）网络层协议实现 (ipv4, arp)，按以太网类型分发
type NetworkProtocol interface {
	Number() tcpip.NetworkProtocolNumber // 返回以太网类型
	MinimumPacketSize() int              // 返回包的最小值，任何小于此值的包被此协议丢弃

	// Attach 协议栈创建完所有协议之后调用，协议在这里拿到栈的表和其他协议
	Attach(s *Stack) *tcpip.Error

	// HandleFrame 网卡收到该以太网类型的帧时调用，在中断上下文里执行，不能做有界等待。
	// f只在调用期间有效
	HandleFrame(nic *NIC, f *buffer.Frame)

	// SetOption allows enabling/disabling protocol specific features.
	// SetOption returns an error if the option is not supported or the
	// provided option value is invalid.
	SetOption(option interface{}) *tcpip.Error

	// Option allows retrieving protocol specific option values.
	// Option returns an error if the option is not supported or the
	// provided option value is invalid.
	Option(option interface{}) *tcpip.Error

	// Close 释放协议自己启动的goroutine
	Close()
}

// LinkAddressResolver 可以处理链路层地址的网络层协议(arp)，ipv4只能通过协议栈找到它
type LinkAddressResolver interface {
	// LinkAddressProtocol 能解析哪个网络层协议的地址
	LinkAddressProtocol() tcpip.NetworkProtocolNumber

	// ResolveStaticAddress 不发请求直接解析，比如广播地址
	ResolveStaticAddress(addr tcpip.Address) (tcpip.LinkAddress, bool)

	// Resolve 查缓存，查不到就在nic上发请求并有界等待
	Resolve(nic *NIC, addr tcpip.Address) (tcpip.LinkAddress, *tcpip.Error)
}

// 链路层 //////////////////////////////////////////////////////////////////////

// NetworkAdapter 网卡驱动实现的接口
type NetworkAdapter interface {
	VendorID() uint16
	DeviceID() uint16

	// LinkAddress 本地mac地址
	LinkAddress() tcpip.LinkAddress

	// Open 打开中断和收发
	Open() *tcpip.Error
	// Close 关闭中断和收发
	Close()

	// HasInterrupt 是否有收包中断，读取即清除
	HasInterrupt() bool
	// ClearInterrupt 确认在处理期间新产生的中断
	ClearInterrupt()

	// Transmit 发送一个帧，返回发送的字节数
	Transmit(f *buffer.Frame) (int, *tcpip.Error)

	// Receive 把收到的帧依次放进frames，返回个数。
	// 遇到错误的描述符时整批放弃并返回对应的错误
	Receive(frames []buffer.Frame) (int, *tcpip.Error)
}

// InterruptSource 能主动触发中断的网卡，协议栈在创建网卡时把中断处理函数交给它
type InterruptSource interface {
	SetInterruptHandler(handler func())
}

// AdapterMatch 驱动支持的 (vendor, device) 组合
type AdapterMatch struct {
	Vendor uint16
	Device uint16
}

// TransportProtocolFactory functions are used by the stack to instantiate
// transport protocols.
type TransportProtocolFactory func() TransportProtocol

// NetworkProtocolFactory provides methods to be used by the stack to
// instantiate network protocols.
type NetworkProtocolFactory func() NetworkProtocol

var (
	registryMu sync.RWMutex
	// 传输层协议的注册储存结构
	transportProtocols = make(map[string]TransportProtocolFactory)
	// 网络层协议的注册存储结构
	networkProtocols = make(map[string]NetworkProtocolFactory)
	// 驱动支持的设备
	adapterMatches []AdapterMatch
)

// RegisterTransportProtocolFactory 在init里注册一个传输层协议
func RegisterTransportProtocolFactory(name string, p TransportProtocolFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	transportProtocols[name] = p
}

// RegisterNetworkProtocolFactory 在init里注册一个网络层协议
func RegisterNetworkProtocolFactory(name string, p NetworkProtocolFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	networkProtocols[name] = p
}

// RegisterAdapterMatch 驱动在init里登记自己支持的设备
func RegisterAdapterMatch(m AdapterMatch) {
	registryMu.Lock()
	defer registryMu.Unlock()
	for _, have := range adapterMatches {
		if have == m {
			return
		}
	}
	adapterMatches = append(adapterMatches, m)
}

// MatchAdapter 是否有驱动支持该设备
func MatchAdapter(vendor, device uint16) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	for _, m := range adapterMatches {
		if m.Vendor == vendor && m.Device == device {
			return true
		}
	}
	return false
}

func networkProtocolFactory(name string) (NetworkProtocolFactory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := networkProtocols[name]
	return f, ok
}

func transportProtocolFactory(name string) (TransportProtocolFactory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := transportProtocols[name]
	return f, ok
}
