package stack

import (
	"sync"

	"github.com/qxcheng/kernel-net/pkg/buffer"
	tcpip "github.com/qxcheng/kernel-net/protocol"
)

// TransportTableSize ip头的协议号是一个字节
const TransportTableSize = 256

// transportTable 按ip协议号索引的定长分发表
type transportTable struct {
	mu      sync.RWMutex
	entries [TransportTableSize]TransportProtocol
}

func (t *transportTable) set(p TransportProtocol) *tcpip.Error {
	n := p.Number()
	if n >= TransportTableSize {
		return tcpip.ErrInvalidOptionValue
	}
	t.mu.Lock()
	t.entries[n] = p
	t.mu.Unlock()
	return nil
}

func (t *transportTable) get(n tcpip.TransportProtocolNumber) TransportProtocol {
	if n >= TransportTableSize {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[n]
}

func (t *transportTable) populated() []TransportProtocol {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var ps []TransportProtocol
	for _, p := range t.entries {
		if p != nil {
			ps = append(ps, p)
		}
	}
	return ps
}

// SetTransportProtocol 把协议放到它的协议号上，已有的会被替换
func (s *Stack) SetTransportProtocol(p TransportProtocol) *tcpip.Error {
	return s.transport.set(p)
}

// TransportProtocol 协议号对应的协议，没有返回nil
func (s *Stack) TransportProtocol(n tcpip.TransportProtocolNumber) TransportProtocol {
	return s.transport.get(n)
}

// RegisterTransportProtocols 按协议号顺序调用每一项的注册钩子，返回第一个错误
func (s *Stack) RegisterTransportProtocols() *tcpip.Error {
	var first *tcpip.Error
	for _, p := range s.transport.populated() {
		if err := p.Register(s); err != nil {
			s.log.WithField("protocol", p.Number()).Errorf("register failed: %v", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// DeliverTransportPacket 把ip包交给协议号对应的处理钩子，没有注册的协议号直接丢弃
func (s *Stack) DeliverTransportPacket(nic *NIC, protocol tcpip.TransportProtocolNumber, f *buffer.Frame) bool {
	p := s.transport.get(protocol)
	if p == nil {
		nic.log.WithField("protocol", protocol).Debug("no transport protocol, dropped")
		return false
	}
	p.HandlePacket(nic, f)
	return true
}
