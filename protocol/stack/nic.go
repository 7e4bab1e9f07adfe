package stack

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/qxcheng/kernel-net/pkg/buffer"
	tcpip "github.com/qxcheng/kernel-net/protocol"
	"github.com/qxcheng/kernel-net/protocol/header"
)

// NIC 代表一个与网络栈关联的网卡对象。各张表只按id引用它
type NIC struct {
	stack   *Stack
	id      tcpip.NICID    // 每个网卡的唯一标识号
	name    string         // 网卡名，可有可无
	adapter NetworkAdapter // 驱动
	log     *logrus.Entry

	txMu sync.Mutex // 发送一次只能一个

	rxMu sync.Mutex // 保护rx，中断处理不可重入
	rx   []buffer.Frame
}

func newNIC(s *Stack, id tcpip.NICID, name string, adapter NetworkAdapter) *NIC {
	return &NIC{
		stack:   s,
		id:      id,
		name:    name,
		adapter: adapter,
		log:     s.log.WithField("nic", id),
		rx:      make([]buffer.Frame, s.opts.RxBufferFrames),
	}
}

func (n *NIC) ID() tcpip.NICID {
	return n.id
}

func (n *NIC) Name() string {
	return n.name
}

func (n *NIC) Stack() *Stack {
	return n.stack
}

func (n *NIC) Adapter() NetworkAdapter {
	return n.adapter
}

// LinkAddress 网卡的mac地址
func (n *NIC) LinkAddress() tcpip.LinkAddress {
	return n.adapter.LinkAddress()
}

// Address 网卡配置的ipv4地址
func (n *NIC) Address() (AddressEntry, bool) {
	return n.stack.addresses.Find(n.id)
}

// WriteFrame 填好以太网头（源地址是本网卡）后发送
func (n *NIC) WriteFrame(f *buffer.Frame, dst tcpip.LinkAddress, protocol tcpip.NetworkProtocolNumber) (int, *tcpip.Error) {
	eth := header.Ethernet(f.Bytes())
	eth.Encode(&header.EthernetFields{
		SrcAddr: n.adapter.LinkAddress(),
		DstAddr: dst,
		Type:    protocol,
	})

	n.txMu.Lock()
	defer n.txMu.Unlock()
	sent, err := n.adapter.Transmit(f)
	if err != nil {
		n.log.WithFields(logrus.Fields{"dst": dst, "type": protocol}).Warnf("transmit failed: %v", err)
		return 0, err
	}
	return sent, nil
}

// HandleInterrupt 网卡的中断处理函数：收完一批帧，确认中断，再逐个交给网络层。
// 返回交付的帧数
func (n *NIC) HandleInterrupt() int {
	n.rxMu.Lock()
	defer n.rxMu.Unlock()

	if !n.adapter.HasInterrupt() {
		return 0
	}
	count, err := n.adapter.Receive(n.rx)
	n.adapter.ClearInterrupt()
	if err != nil {
		// 整批丢弃
		n.log.Warnf("receive aborted: %v", err)
		return 0
	}

	delivered := 0
	for i := 0; i < count; i++ {
		if n.deliver(&n.rx[i]) {
			delivered++
		}
	}
	return delivered
}

// deliver 只收广播和发给本网卡的帧
func (n *NIC) deliver(f *buffer.Frame) bool {
	eth := header.Ethernet(f.Bytes())
	dst := eth.DestinationAddress()
	if dst != header.EthernetBroadcast && dst != n.adapter.LinkAddress() {
		return false
	}
	return n.stack.DeliverNetworkFrame(n, f)
}
