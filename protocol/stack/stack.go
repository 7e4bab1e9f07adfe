package stack

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/qxcheng/kernel-net/internal/log"
	"github.com/qxcheng/kernel-net/pkg/buffer"
	tcpip "github.com/qxcheng/kernel-net/protocol"
	"github.com/qxcheng/kernel-net/protocol/header"
)

// 默认值和原来内核里的常量一致
const (
	DefaultARPTableSize     = 4096
	DefaultAddressTableSize = 100
	DefaultRouteTableSize   = 30
	DefaultResolveTimeout   = 3 * time.Second
	DefaultPollInterval     = 10 * time.Microsecond
	DefaultRxBufferFrames   = 180
	DefaultTTL              = 128
)

// Options contains optional Stack configuration.
type Options struct {
	// Clock is an optional clock source used for table timestamps.
	//
	// If no Clock is specified, the clock source will be time.Now.
	Clock tcpip.Clock

	// Logger 不设置时使用进程日志的 component=stack
	Logger *logrus.Entry

	ARPTableSize     int
	AddressTableSize int
	RouteTableSize   int

	// ARPEntryTTL 非静态arp表项的有效期，0表示永不过期
	ARPEntryTTL time.Duration

	// ResolveTimeout arp解析的等待上限
	ResolveTimeout time.Duration

	// PollInterval 有界等待的轮询间隔
	PollInterval time.Duration

	// RxBufferFrames 每次中断最多收多少帧
	RxBufferFrames int

	// DefaultTTL 发出的ip包的ttl
	DefaultTTL uint8
}

func (o *Options) fillIn() {
	if o.Clock == nil {
		o.Clock = &tcpip.StdClock{}
	}
	if o.Logger == nil {
		o.Logger = log.WithComponent("stack")
	}
	if o.ARPTableSize <= 0 {
		o.ARPTableSize = DefaultARPTableSize
	}
	if o.AddressTableSize <= 0 {
		o.AddressTableSize = DefaultAddressTableSize
	}
	if o.RouteTableSize <= 0 {
		o.RouteTableSize = DefaultRouteTableSize
	}
	if o.ARPEntryTTL < 0 {
		o.ARPEntryTTL = 0
	}
	if o.ResolveTimeout <= 0 {
		o.ResolveTimeout = DefaultResolveTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.RxBufferFrames <= 0 {
		o.RxBufferFrames = DefaultRxBufferFrames
	}
	if o.DefaultTTL == 0 {
		o.DefaultTTL = DefaultTTL
	}
}

// Stack 一个协议栈, with all supported protocols, NICs, and tables.
type Stack struct {
	opts Options
	log  *logrus.Entry

	networkProtocols  map[tcpip.NetworkProtocolNumber]NetworkProtocol
	linkAddrResolvers map[tcpip.NetworkProtocolNumber]LinkAddressResolver
	transport         transportTable

	mu   sync.RWMutex
	nics map[tcpip.NICID]*NIC

	arp       *ARPTable
	addresses *AddressTable
	routes    *RouteTable
}

// New 新建一个协议栈对象，network和transport是已注册协议的名字，
// 未注册的名字被忽略
func New(network []string, transport []string, opts Options) *Stack {
	opts.fillIn()

	s := &Stack{
		opts:              opts,
		log:               opts.Logger,
		networkProtocols:  make(map[tcpip.NetworkProtocolNumber]NetworkProtocol),
		linkAddrResolvers: make(map[tcpip.NetworkProtocolNumber]LinkAddressResolver),
		nics:              make(map[tcpip.NICID]*NIC),
		addresses:         NewAddressTable(opts.AddressTableSize),
		routes:            NewRouteTable(opts.RouteTableSize),
	}
	s.arp = NewARPTable(opts.ARPTableSize, opts.ARPEntryTTL, s.Now)

	// 传输层协议先放进分发表，网络层attach的时候才调用它们的注册钩子
	for _, name := range transport {
		factory, ok := transportProtocolFactory(name)
		if !ok {
			s.log.WithField("protocol", name).Warn("unknown transport protocol")
			continue
		}
		s.transport.set(factory())
	}

	// 添加指定的网络层协议，如IPV4
	var attach []NetworkProtocol
	for _, name := range network {
		factory, ok := networkProtocolFactory(name)
		if !ok {
			s.log.WithField("protocol", name).Warn("unknown network protocol")
			continue
		}
		netProto := factory()
		s.networkProtocols[netProto.Number()] = netProto
		attach = append(attach, netProto)
		// 判断该协议是否支持链路层地址解析协议接口，如：ARP协议会添加 IPV4-ARP 的对应关系
		if r, ok := netProto.(LinkAddressResolver); ok {
			s.linkAddrResolvers[r.LinkAddressProtocol()] = r
		}
	}

	// 按名字的顺序attach
	for _, netProto := range attach {
		if err := netProto.Attach(s); err != nil {
			s.log.WithField("protocol", netProto.Number()).Errorf("attach failed: %v", err)
		}
	}

	return s
}

// Log 协议栈的日志入口，协议和驱动在它上面派生自己的component
func (s *Stack) Log() *logrus.Entry {
	return s.log
}

// Component 派生一个 component=name 的日志入口
func (s *Stack) Component(name string) *logrus.Entry {
	return s.log.WithField("component", name)
}

// NowNanoseconds implements tcpip.Clock.NowNanoseconds.
func (s *Stack) NowNanoseconds() int64 {
	return s.opts.Clock.NowNanoseconds()
}

// Now 协议栈时钟的当前时间
func (s *Stack) Now() time.Time {
	return time.Unix(0, s.opts.Clock.NowNanoseconds())
}

func (s *Stack) ResolveTimeout() time.Duration {
	return s.opts.ResolveTimeout
}

func (s *Stack) PollInterval() time.Duration {
	return s.opts.PollInterval
}

func (s *Stack) DefaultTTL() uint8 {
	return s.opts.DefaultTTL
}

// 表 ////////////////////////////////////////////////////////////////////////////

func (s *Stack) ARPTable() *ARPTable {
	return s.arp
}

func (s *Stack) AddressTable() *AddressTable {
	return s.addresses
}

func (s *Stack) RouteTable() *RouteTable {
	return s.routes
}

// FindRoute 查路由并找到出口网卡
func (s *Stack) FindRoute(dst tcpip.Address) (RouteEntry, *NIC, *tcpip.Error) {
	r, err := s.routes.Match(dst)
	if err != nil {
		return r, nil, err
	}
	nic := s.NIC(r.NIC)
	if nic == nil {
		return r, nil, tcpip.ErrUnknownNICID
	}
	return r, nic, nil
}

// Option相关 //////////////////////////////////////////////////////////////////////////

// NetworkProtocol 按以太网类型找到网络层协议
func (s *Stack) NetworkProtocol(number tcpip.NetworkProtocolNumber) NetworkProtocol {
	return s.networkProtocols[number]
}

func (s *Stack) SetNetworkProtocolOption(network tcpip.NetworkProtocolNumber, option interface{}) *tcpip.Error {
	netProto, ok := s.networkProtocols[network]
	if !ok {
		return tcpip.ErrUnknownProtocol
	}
	return netProto.SetOption(option)
}

// NetworkProtocolOption 取回Option的值到参数中
// var v arp.TesterTimeoutOption
// err := s.NetworkProtocolOption(header.ARPProtocolNumber, &v)
// if err != nil {
//   ...
// }
func (s *Stack) NetworkProtocolOption(network tcpip.NetworkProtocolNumber, option interface{}) *tcpip.Error {
	netProto, ok := s.networkProtocols[network]
	if !ok {
		return tcpip.ErrUnknownProtocol
	}
	return netProto.Option(option)
}

// 网卡管理相关 //////////////////////////////////////////////////////////////////////////

// 新建一个网卡对象，enabled时打开网卡，准备好从网卡中读取和写入数据。
func (s *Stack) createNIC(id tcpip.NICID, name string, adapter NetworkAdapter, enabled bool) *tcpip.Error {
	if adapter == nil {
		return tcpip.ErrBadLinkEndpoint
	}

	s.mu.Lock()
	// 保证网卡ID唯一
	if _, ok := s.nics[id]; ok {
		s.mu.Unlock()
		return tcpip.ErrDuplicateNICID
	}
	n := newNIC(s, id, name, adapter)
	s.nics[id] = n
	s.mu.Unlock()

	if src, ok := adapter.(InterruptSource); ok {
		src.SetInterruptHandler(func() { n.HandleInterrupt() })
	}
	if enabled {
		if err := adapter.Open(); err != nil {
			s.mu.Lock()
			delete(s.nics, id)
			s.mu.Unlock()
			return err
		}
	}
	s.log.WithFields(logrus.Fields{"nic": id, "mac": adapter.LinkAddress()}).Info("nic created")
	return nil
}

// CreateNIC 创建、注册并打开一个网卡
func (s *Stack) CreateNIC(id tcpip.NICID, adapter NetworkAdapter) *tcpip.Error {
	return s.createNIC(id, "", adapter, true)
}

// CreateNamedNIC 根据nic id、name来创建和注册一个网卡对象
func (s *Stack) CreateNamedNIC(id tcpip.NICID, name string, adapter NetworkAdapter) *tcpip.Error {
	return s.createNIC(id, name, adapter, true)
}

// CreateDisabledNIC 只注册，不打开网卡
func (s *Stack) CreateDisabledNIC(id tcpip.NICID, adapter NetworkAdapter) *tcpip.Error {
	return s.createNIC(id, "", adapter, false)
}

// RemoveNIC 关闭网卡，并清掉地址表、路由表和arp缓存里属于它的表项
func (s *Stack) RemoveNIC(id tcpip.NICID) *tcpip.Error {
	s.mu.Lock()
	n, ok := s.nics[id]
	if ok {
		delete(s.nics, id)
	}
	s.mu.Unlock()
	if !ok {
		return tcpip.ErrUnknownNICID
	}

	n.adapter.Close()
	s.addresses.Remove(id)
	s.routes.PurgeNIC(id)
	s.arp.PurgeNIC(id)
	s.log.WithField("nic", id).Info("nic removed")
	return nil
}

// NIC 按id找网卡，没有返回nil
func (s *Stack) NIC(id tcpip.NICID) *NIC {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nics[id]
}

// NICs 按id排序的所有网卡
func (s *Stack) NICs() []*NIC {
	s.mu.RLock()
	nics := make([]*NIC, 0, len(s.nics))
	for _, n := range s.nics {
		nics = append(nics, n)
	}
	s.mu.RUnlock()
	sort.Slice(nics, func(i, j int) bool { return nics[i].id < nics[j].id })
	return nics
}

// 链路层 //////////////////////////////////////////////////////////////////////////

// DeliverNetworkFrame 按以太网类型把帧交给网络层协议，返回是否有协议处理
func (s *Stack) DeliverNetworkFrame(nic *NIC, f *buffer.Frame) bool {
	eth := header.Ethernet(f.Bytes())
	netProto, ok := s.networkProtocols[eth.Type()]
	if !ok {
		nic.log.WithField("type", eth.Type()).Debug("unknown ethertype, dropped")
		return false
	}
	if f.DataSize() < netProto.MinimumPacketSize() {
		nic.log.WithField("type", eth.Type()).Debug("short packet, dropped")
		return false
	}
	netProto.HandleFrame(nic, f)
	return true
}

// GetLinkAddress 用protocol对应的地址解析协议（ipv4对应arp）在nic上解析addr
func (s *Stack) GetLinkAddress(nic *NIC, addr tcpip.Address, protocol tcpip.NetworkProtocolNumber) (tcpip.LinkAddress, *tcpip.Error) {
	linkRes, ok := s.linkAddrResolvers[protocol]
	if !ok {
		return "", tcpip.ErrUnknownProtocol
	}
	if mac, ok := linkRes.ResolveStaticAddress(addr); ok {
		return mac, nil
	}
	return linkRes.Resolve(nic, addr)
}

// Close 关闭所有网卡和协议
func (s *Stack) Close() {
	for _, n := range s.NICs() {
		n.adapter.Close()
	}
	for _, p := range s.networkProtocols {
		p.Close()
	}
}
