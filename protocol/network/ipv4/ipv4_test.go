package ipv4_test

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/icmp"
	xipv4 "golang.org/x/net/ipv4"

	"github.com/qxcheng/kernel-net/pkg/buffer"
	tcpip "github.com/qxcheng/kernel-net/protocol"
	"github.com/qxcheng/kernel-net/protocol/header"
	"github.com/qxcheng/kernel-net/protocol/link/channel"
	"github.com/qxcheng/kernel-net/protocol/network/arp"
	"github.com/qxcheng/kernel-net/protocol/network/ipv4"
	"github.com/qxcheng/kernel-net/protocol/stack"
)

const (
	localMAC = tcpip.LinkAddress("\x02\x00\x00\x00\x00\x01")
	peerMAC  = tcpip.LinkAddress("\xaa\xbb\xcc\xdd\xee\xff")
)

var (
	localIP = tcpip.Address("\x0a\x00\x00\x01")
	peerIP  = tcpip.Address("\x0a\x00\x00\x02")
	subnet  = tcpip.AddressMask("\xff\xff\xff\x00")
)

func newStack(t *testing.T, mac tcpip.LinkAddress, ip tcpip.Address) (*stack.Stack, *channel.Endpoint) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	s := stack.New([]string{arp.ProtocolName, ipv4.ProtocolName}, nil, stack.Options{
		Logger:         logger.WithField("component", "stack"),
		ResolveTimeout: 2 * time.Second,
		PollInterval:   time.Millisecond,
	})
	t.Cleanup(s.Close)

	ep := channel.New(32, mac)
	require.Nil(t, s.CreateNIC(1, ep))
	require.Nil(t, s.AddressTable().Assign(1, ip, subnet))
	require.Nil(t, s.RouteTable().Add(stack.RouteEntry{
		Destination: ip.Mask(subnet),
		Mask:        subnet,
		Flags:       stack.RouteUp,
		NIC:         1,
	}))
	return s, ep
}

func recv(t *testing.T, ep *channel.Endpoint) buffer.Frame {
	t.Helper()
	select {
	case f := <-ep.C:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("no frame transmitted")
		return buffer.Frame{}
	}
}

func arpReply(from tcpip.LinkAddress, fromIP tcpip.Address, to tcpip.LinkAddress, toIP tcpip.Address) buffer.Frame {
	f := buffer.NewFrame()
	h := arp.Prepare(&f, header.ARPReply)
	copy(h.HardwareAddressSender(), from)
	copy(h.ProtocolAddressSender(), fromIP)
	copy(h.HardwareAddressTarget(), to)
	copy(h.ProtocolAddressTarget(), toIP)
	header.Ethernet(f.Bytes()).Encode(&header.EthernetFields{SrcAddr: from, DstAddr: to, Type: arp.ProtocolNumber})
	return f
}

func echoRequest(ident, seq uint16, payload []byte) buffer.Frame {
	msg := make([]byte, header.ICMPv4MinimumSize+len(payload))
	m := header.ICMPv4(msg)
	m.SetType(header.ICMPv4Echo)
	m.SetIdent(ident)
	m.SetSequence(seq)
	copy(m.Payload(), payload)
	m.SetChecksum(^m.CalculateChecksum())

	f := ipv4.NewPacket()
	if err := ipv4.SetPayload(&f, header.ICMPv4ProtocolNumber, localIP, msg); err != nil {
		panic(err)
	}
	ip := header.IPv4(f.Data())
	ip.SetID(7)
	ip.SetTTL(64)
	ip.SetSourceAddress(peerIP)
	ip.SetChecksum(^ip.CalculateChecksum())
	header.Ethernet(f.Bytes()).Encode(&header.EthernetFields{SrcAddr: peerMAC, DstAddr: localMAC, Type: ipv4.ProtocolNumber})
	return f
}

func TestNewPacketDefaults(t *testing.T) {
	f := ipv4.NewPacket()
	ip := header.IPv4(f.Data())
	assert.Equal(t, ipv4.ProtocolNumber, header.Ethernet(f.Bytes()).Type())
	assert.Equal(t, uint8(4), ip.Version())
	assert.Equal(t, uint8(header.IPv4MinimumSize), ip.HeaderLength())
	assert.Equal(t, uint16(header.IPv4MinimumSize), ip.TotalLength())
	assert.Equal(t, uint8(header.IPv4FlagDontFragment), ip.Flags())
	assert.Equal(t, buffer.MinFrameSize, f.Size())
}

func TestSetPayloadTooLong(t *testing.T) {
	f := ipv4.NewPacket()
	err := ipv4.SetPayload(&f, 17, peerIP, make([]byte, buffer.MaxDataSize))
	assert.Equal(t, tcpip.ErrMessageTooLong, err)
}

func TestSetOptionsPadsAndReplaces(t *testing.T) {
	f := ipv4.NewPacket()
	require.Nil(t, ipv4.SetPayload(&f, 17, peerIP, []byte("payload!")))

	require.Nil(t, ipv4.SetOptions(&f, []byte{0x94, 0x04, 0x00}))
	ip := header.IPv4(f.Data())
	assert.Equal(t, uint8(24), ip.HeaderLength())
	assert.Equal(t, uint16(32), ip.TotalLength())
	assert.Equal(t, []byte{0x94, 0x04, 0x00, 0x00}, ip.Options())
	assert.Equal(t, []byte("payload!"), ip.Payload())

	// 再次设置会替换旧选项
	require.Nil(t, ipv4.SetOptions(&f, nil))
	ip = header.IPv4(f.Data())
	assert.Equal(t, uint8(20), ip.HeaderLength())
	assert.Equal(t, uint16(28), ip.TotalLength())
	assert.Equal(t, []byte("payload!"), ip.Payload())

	assert.Equal(t, tcpip.ErrInvalidOptionValue, ipv4.SetOptions(&f, make([]byte, 44)))
}

// 没有arp表项时先广播请求，收到应答后才把ip包发给应答的mac
func TestSendWaitsForResolution(t *testing.T) {
	s, ep := newStack(t, localMAC, localIP)

	done := make(chan *tcpip.Error, 1)
	go func() {
		f := ipv4.NewPacket()
		if err := ipv4.SetPayload(&f, 17, peerIP, []byte("hello")); err != nil {
			done <- err
			return
		}
		_, err := ipv4.Send(s, peerIP, &f, 0)
		done <- err
	}()

	req := recv(t, ep)
	eth := header.Ethernet(req.Bytes())
	assert.Equal(t, header.EthernetBroadcast, eth.DestinationAddress())
	assert.Equal(t, arp.ProtocolNumber, eth.Type())
	a := header.ARP(req.Data())
	assert.Equal(t, header.ARPRequest, a.Op())
	assert.Equal(t, localIP, a.SenderAddress())
	assert.Equal(t, peerIP, a.TargetAddress())

	select {
	case err := <-done:
		t.Fatalf("send returned before resolution: %v", err)
	default:
	}
	assert.Len(t, ep.C, 0)

	ep.Inject(arpReply(peerMAC, peerIP, localMAC, localIP))

	select {
	case err := <-done:
		require.Nil(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("send did not complete")
	}

	out := recv(t, ep)
	eth = header.Ethernet(out.Bytes())
	assert.Equal(t, peerMAC, eth.DestinationAddress())
	assert.Equal(t, localMAC, eth.SourceAddress())
	assert.Equal(t, ipv4.ProtocolNumber, eth.Type())

	ip := header.IPv4(out.Data())
	assert.Equal(t, uint16(0), ip.VerifyChecksum())
	assert.Equal(t, []byte("hello"), ip.Payload())

	h, err := xipv4.ParseHeader(out.Data())
	require.NoError(t, err)
	assert.Equal(t, 25, h.TotalLen)
	assert.Equal(t, stack.DefaultTTL, h.TTL)
	assert.Equal(t, 17, h.Protocol)
	assert.Equal(t, xipv4.DontFragment, h.Flags)
	assert.NotZero(t, h.ID)
	assert.True(t, h.Src.Equal(net.IP(localIP)))
	assert.True(t, h.Dst.Equal(net.IP(peerIP)))

	e, ok := s.ARPTable().Lookup(peerIP)
	require.True(t, ok)
	assert.Equal(t, peerMAC, e.LinkAddress)
}

func TestSendUnresolvedFails(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s := stack.New([]string{arp.ProtocolName, ipv4.ProtocolName}, nil, stack.Options{
		Logger:         logger.WithField("component", "stack"),
		ResolveTimeout: 20 * time.Millisecond,
		PollInterval:   time.Millisecond,
	})
	defer s.Close()
	ep := channel.New(8, localMAC)
	require.Nil(t, s.CreateNIC(1, ep))
	require.Nil(t, s.AddressTable().Assign(1, localIP, subnet))
	require.Nil(t, s.RouteTable().Add(stack.RouteEntry{Destination: localIP.Mask(subnet), Mask: subnet, Flags: stack.RouteUp, NIC: 1}))

	f := ipv4.NewPacket()
	require.Nil(t, ipv4.SetPayload(&f, 17, peerIP, []byte("x")))
	_, err := ipv4.Send(s, peerIP, &f, 0)
	assert.Equal(t, tcpip.ErrNoLinkAddress, err)

	_, err = ipv4.Send(s, tcpip.Address("\xc0\xa8\x01\x01"), &f, 0)
	assert.Equal(t, tcpip.ErrNoRoute, err)
}

func TestSendBroadcastSkipsResolution(t *testing.T) {
	s, ep := newStack(t, localMAC, localIP)

	f := ipv4.NewPacket()
	require.Nil(t, ipv4.SetPayload(&f, 17, header.IPv4Broadcast, []byte("all")))
	nic := s.NIC(1)
	_, err := ipv4.WritePacket(s, nic, &f, 0)
	require.Nil(t, err)

	out := recv(t, ep)
	assert.Equal(t, header.EthernetBroadcast, header.Ethernet(out.Bytes()).DestinationAddress())
	assert.Equal(t, 0, s.ARPTable().Len())
}

func TestWritePacketResize(t *testing.T) {
	s, ep := newStack(t, localMAC, localIP)
	require.Nil(t, s.ARPTable().AddStatic(1, peerIP, peerMAC))

	f := ipv4.NewPacket()
	require.Nil(t, ipv4.SetPayload(&f, 17, peerIP, []byte("abc")))
	_, err := ipv4.WritePacket(s, s.NIC(1), &f, 100)
	require.Nil(t, err)

	out := recv(t, ep)
	ip := header.IPv4(out.Data())
	assert.Equal(t, uint16(100), ip.TotalLength())
	assert.Equal(t, buffer.HeaderSize+100+buffer.TailSize, out.Size())
	assert.Equal(t, uint16(0), ip.VerifyChecksum())
}

// echo请求原样带回 identifier/sequence/数据，地址互换
func TestEchoRequestAnswered(t *testing.T) {
	s, ep := newStack(t, localMAC, localIP)
	require.Nil(t, s.ARPTable().AddStatic(1, peerIP, peerMAC))

	payload := []byte("0123456789abcdef")
	ep.Inject(echoRequest(0x1234, 1, payload))

	out := recv(t, ep)
	assert.Equal(t, peerMAC, header.Ethernet(out.Bytes()).DestinationAddress())
	ip := header.IPv4(out.Data())
	assert.Equal(t, uint16(0), ip.VerifyChecksum())
	assert.Equal(t, localIP, ip.SourceAddress())
	assert.Equal(t, peerIP, ip.DestinationAddress())
	assert.Equal(t, header.ICMPv4ProtocolNumber, ip.TransportProtocol())

	msg := header.ICMPv4(ip.Payload())
	assert.Equal(t, header.ICMPv4EchoReply, msg.Type())
	assert.Equal(t, uint16(0), msg.VerifyChecksum())

	m, err := icmp.ParseMessage(1, ip.Payload())
	require.NoError(t, err)
	assert.Equal(t, xipv4.ICMPTypeEchoReply, m.Type)
	echo, ok := m.Body.(*icmp.Echo)
	require.True(t, ok)
	assert.Equal(t, 0x1234, echo.ID)
	assert.Equal(t, 1, echo.Seq)
	assert.Equal(t, payload, echo.Data)
}

func TestEchoForOtherHostIgnored(t *testing.T) {
	s, ep := newStack(t, localMAC, localIP)
	require.Nil(t, s.ARPTable().AddStatic(1, peerIP, peerMAC))

	f := echoRequest(1, 1, []byte("x"))
	ip := header.IPv4(f.Data())
	ip.SetDestinationAddress(tcpip.Address("\x0a\x00\x00\x09"))
	ip.SetChecksum(0)
	ip.SetChecksum(^ip.CalculateChecksum())
	ep.Inject(f)

	select {
	case <-ep.C:
		t.Fatal("unexpected reply")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEchoRateLimited(t *testing.T) {
	s, ep := newStack(t, localMAC, localIP)
	require.Nil(t, s.ARPTable().AddStatic(1, peerIP, peerMAC))
	require.Nil(t, s.SetNetworkProtocolOption(ipv4.ProtocolNumber, ipv4.EchoRateOption{Limit: 0.001, Burst: 1}))

	var got ipv4.EchoRateOption
	require.Nil(t, s.NetworkProtocolOption(ipv4.ProtocolNumber, &got))
	assert.Equal(t, ipv4.EchoRateOption{Limit: 0.001, Burst: 1}, got)

	ep.Inject(echoRequest(1, 1, []byte("a")))
	ep.Inject(echoRequest(1, 2, []byte("b")))

	out := recv(t, ep)
	assert.Equal(t, uint16(1), header.ICMPv4(header.IPv4(out.Data()).Payload()).Sequence())
	select {
	case <-ep.C:
		t.Fatal("second echo should be limited")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestProtocolOptions(t *testing.T) {
	s, _ := newStack(t, localMAC, localIP)
	n := ipv4.ProtocolNumber

	assert.Equal(t, tcpip.ErrInvalidOptionValue, s.SetNetworkProtocolOption(n, ipv4.EchoCountOption(0)))
	assert.Equal(t, tcpip.ErrInvalidOptionValue, s.SetNetworkProtocolOption(n, ipv4.EchoTimeoutOption(0)))
	assert.Equal(t, tcpip.ErrInvalidOptionValue, s.SetNetworkProtocolOption(n, ipv4.EchoRateOption{Limit: -1}))
	assert.Equal(t, tcpip.ErrUnknownProtocolOption, s.SetNetworkProtocolOption(n, "bogus"))

	require.Nil(t, s.SetNetworkProtocolOption(n, ipv4.EchoCountOption(3)))
	var count ipv4.EchoCountOption
	require.Nil(t, s.NetworkProtocolOption(n, &count))
	assert.Equal(t, ipv4.EchoCountOption(3), count)

	var timeout ipv4.EchoTimeoutOption
	require.Nil(t, s.NetworkProtocolOption(n, &timeout))
	assert.Equal(t, ipv4.EchoTimeoutOption(ipv4.DefaultEchoTimeout), timeout)
}

// 两个协议栈用两根Pipe连起来
func connect(t *testing.T, a, b *channel.Endpoint) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go channel.Pipe(ctx, a, b)
	go channel.Pipe(ctx, b, a)
}

func TestPingPeer(t *testing.T) {
	a, epA := newStack(t, localMAC, localIP)
	_, epB := newStack(t, peerMAC, peerIP)
	connect(t, epA, epB)

	require.Nil(t, a.SetNetworkProtocolOption(ipv4.ProtocolNumber, ipv4.EchoCountOption(2)))
	pg, err := ipv4.PingerFor(a)
	require.Nil(t, err)

	var out bytes.Buffer
	res, err := pg.Ping(context.Background(), peerIP, &out)
	require.Nil(t, err)
	assert.Equal(t, ipv4.PingResult{Sent: 2, Received: 2, SuccessRate: 100}, res)

	size := buffer.HeaderSize + header.IPv4MinimumSize + header.ICMPv4MinimumSize + len(ipv4.UnixPayload) + buffer.TailSize
	want := fmt.Sprintf("Sending 2, %d-byte ICMP Echoes to 10.0.0.2\n", size) +
		"!!\n" +
		"Success rate is 100 percent (2/2)\n"
	assert.Equal(t, want, out.String())
}

func TestPingUnreachable(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s := stack.New([]string{arp.ProtocolName, ipv4.ProtocolName}, nil, stack.Options{
		Logger:         logger.WithField("component", "stack"),
		ResolveTimeout: 10 * time.Millisecond,
		PollInterval:   time.Millisecond,
	})
	defer s.Close()
	ep := channel.New(8, localMAC)
	require.Nil(t, s.CreateNIC(1, ep))
	require.Nil(t, s.AddressTable().Assign(1, localIP, subnet))
	require.Nil(t, s.RouteTable().Add(stack.RouteEntry{Destination: localIP.Mask(subnet), Mask: subnet, Flags: stack.RouteUp, NIC: 1}))
	require.Nil(t, s.SetNetworkProtocolOption(ipv4.ProtocolNumber, ipv4.EchoCountOption(1)))

	pg, err := ipv4.PingerFor(s)
	require.Nil(t, err)
	pg.SetPayload(ipv4.WindowsPayload)

	var out bytes.Buffer
	res, err := pg.Ping(context.Background(), peerIP, &out)
	require.Nil(t, err)
	assert.Equal(t, ipv4.PingResult{Sent: 1}, res)
	assert.Equal(t, "Sending 1, 78-byte ICMP Echoes to 10.0.0.2\n*\nSuccess rate is 0 percent (0/1)\n", out.String())

	_, err = pg.Ping(context.Background(), tcpip.Address("\xc0\xa8\x01\x01"), &out)
	assert.Equal(t, tcpip.ErrNoRoute, err)
}
