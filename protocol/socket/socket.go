// Package socket 套接字分发层：按类型把调用转给tcp或udp的控制块，本身不含协议逻辑
package socket

import (
	"github.com/sirupsen/logrus"

	"github.com/qxcheng/kernel-net/internal/log"
	tcpip "github.com/qxcheng/kernel-net/protocol"
)

// Domain 地址族
type Domain int

const (
	DomainUnspecified Domain = iota
	DomainLocalhost
	DomainInternet
)

// Type 套接字类型
type Type int

const (
	TypeStream Type = iota
	TypeDatagram
)

func (t Type) String() string {
	switch t {
	case TypeStream:
		return "stream"
	case TypeDatagram:
		return "datagram"
	}
	return "unknown"
}

// StreamControlBlock tcp协议提供的控制块
type StreamControlBlock interface {
	Open() *tcpip.Error
	Close() *tcpip.Error
	Bind(port uint16) *tcpip.Error
	Listen(backlog int) *tcpip.Error
	Accept() (tcpip.Address, uint16, *tcpip.Error)
	Receive(buf []byte) (int, *tcpip.Error)
	Transmit(buf []byte) (int, *tcpip.Error)
}

// DatagramControlBlock udp协议提供的控制块
type DatagramControlBlock interface {
	Open() *tcpip.Error
	Close() *tcpip.Error
	Bind(addr tcpip.Address, port uint16) *tcpip.Error
	Receive(buf []byte) (int, tcpip.Address, uint16, *tcpip.Error)
	Transmit(buf []byte, addr tcpip.Address, port uint16) (int, *tcpip.Error)
}

// ControlBlocks 控制块工厂，由传输层注入
type ControlBlocks interface {
	NewStream() StreamControlBlock
	NewDatagram() DatagramControlBlock
}

// Socket 持有一种控制块
type Socket struct {
	typ      Type
	stream   StreamControlBlock
	datagram DatagramControlBlock
	log      *logrus.Entry
}

// Create 只支持 Internet 域、协议号0；类型决定用哪种控制块
func Create(domain Domain, typ Type, protocol int, factory ControlBlocks) (*Socket, *tcpip.Error) {
	if domain != DomainInternet || protocol != 0 || factory == nil {
		return nil, tcpip.ErrNotSupported
	}

	s := &Socket{typ: typ, log: log.WithComponent("socket").WithField("type", typ)}
	switch typ {
	case TypeStream:
		s.stream = factory.NewStream()
		if s.stream == nil {
			return nil, tcpip.ErrNotSupported
		}
		if err := s.stream.Open(); err != nil {
			return nil, err
		}
	case TypeDatagram:
		s.datagram = factory.NewDatagram()
		if s.datagram == nil {
			return nil, tcpip.ErrNotSupported
		}
		if err := s.datagram.Open(); err != nil {
			return nil, err
		}
	default:
		return nil, tcpip.ErrNotSupported
	}
	s.log.Debug("socket created")
	return s, nil
}

// Type 套接字类型
func (s *Socket) Type() Type {
	return s.typ
}

// Bind 流套接字只用端口，数据报套接字还绑定地址
func (s *Socket) Bind(addr tcpip.Address, port uint16) *tcpip.Error {
	switch s.typ {
	case TypeStream:
		return s.stream.Bind(port)
	case TypeDatagram:
		return s.datagram.Bind(addr, port)
	}
	return tcpip.ErrNotSupported
}

// Listen 只有流套接字支持
func (s *Socket) Listen(backlog int) *tcpip.Error {
	if s.typ != TypeStream {
		return tcpip.ErrNotSupported
	}
	return s.stream.Listen(backlog)
}

// Accept 只有流套接字支持，返回对端地址和端口
func (s *Socket) Accept() (tcpip.Address, uint16, *tcpip.Error) {
	if s.typ != TypeStream {
		return "", 0, tcpip.ErrNotSupported
	}
	return s.stream.Accept()
}

// Read 流套接字读数据，数据报套接字丢掉来源
func (s *Socket) Read(buf []byte) (int, *tcpip.Error) {
	switch s.typ {
	case TypeStream:
		return s.stream.Receive(buf)
	case TypeDatagram:
		n, _, _, err := s.datagram.Receive(buf)
		return n, err
	}
	return 0, tcpip.ErrNotSupported
}

// Write 只有流套接字支持，数据报要用 SendTo 指定目的地
func (s *Socket) Write(buf []byte) (int, *tcpip.Error) {
	if s.typ != TypeStream {
		return 0, tcpip.ErrNotSupported
	}
	return s.stream.Transmit(buf)
}

// SendTo 只有数据报套接字支持
func (s *Socket) SendTo(buf []byte, addr tcpip.Address, port uint16) (int, *tcpip.Error) {
	if s.typ != TypeDatagram {
		return 0, tcpip.ErrNotSupported
	}
	return s.datagram.Transmit(buf, addr, port)
}

// ReceiveFrom 只有数据报套接字支持
func (s *Socket) ReceiveFrom(buf []byte) (int, tcpip.Address, uint16, *tcpip.Error) {
	if s.typ != TypeDatagram {
		return 0, "", 0, tcpip.ErrNotSupported
	}
	return s.datagram.Receive(buf)
}

// Close 关闭控制块
func (s *Socket) Close() *tcpip.Error {
	switch s.typ {
	case TypeStream:
		return s.stream.Close()
	case TypeDatagram:
		return s.datagram.Close()
	}
	return tcpip.ErrNotSupported
}
