package arp_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qxcheng/kernel-net/pkg/buffer"
	tcpip "github.com/qxcheng/kernel-net/protocol"
	"github.com/qxcheng/kernel-net/protocol/header"
	"github.com/qxcheng/kernel-net/protocol/link/channel"
	"github.com/qxcheng/kernel-net/protocol/network/arp"
	"github.com/qxcheng/kernel-net/protocol/stack"
)

const (
	localMAC = tcpip.LinkAddress("\x02\x00\x00\x00\x00\x01")
	peerMAC  = tcpip.LinkAddress("\xaa\xbb\xcc\xdd\xee\xff")
	otherMAC = tcpip.LinkAddress("\x02\x00\x00\x00\x00\x09")
)

var (
	localIP = tcpip.Address("\x0a\x00\x00\x01")
	peerIP  = tcpip.Address("\x0a\x00\x00\x02")
	strayIP = tcpip.Address("\x0a\x00\x00\x63")
	subnet  = tcpip.AddressMask("\xff\xff\xff\x00")
)

func newStack(t *testing.T, mac tcpip.LinkAddress, ip tcpip.Address) (*stack.Stack, *channel.Endpoint) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	s := stack.New([]string{arp.ProtocolName}, nil, stack.Options{
		Logger:         logger.WithField("component", "stack"),
		ResolveTimeout: 2 * time.Second,
		PollInterval:   time.Millisecond,
	})
	t.Cleanup(s.Close)

	ep := channel.New(16, mac)
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

func packet(op header.ARPOp, srcMAC tcpip.LinkAddress, src tcpip.Address, dstMAC tcpip.LinkAddress, dst tcpip.Address) buffer.Frame {
	f := buffer.NewFrame()
	h := arp.Prepare(&f, op)
	copy(h.HardwareAddressSender(), srcMAC)
	copy(h.ProtocolAddressSender(), src)
	copy(h.ProtocolAddressTarget(), dst)
	ethDst := header.EthernetBroadcast
	if op == header.ARPReply {
		copy(h.HardwareAddressTarget(), dstMAC)
		ethDst = dstMAC
	}
	header.Ethernet(f.Bytes()).Encode(&header.EthernetFields{SrcAddr: srcMAC, DstAddr: ethDst, Type: arp.ProtocolNumber})
	return f
}

func TestPrepare(t *testing.T) {
	f := buffer.NewFrame()
	h := arp.Prepare(&f, header.ARPRequest)
	assert.Equal(t, arp.ProtocolNumber, header.Ethernet(f.Bytes()).Type())
	assert.Equal(t, uint16(1), h.HardwareType())
	assert.Equal(t, uint16(header.IPv4ProtocolNumber), h.ProtocolType())
	assert.Equal(t, 6, h.HardwareAddressSize())
	assert.Equal(t, 4, h.ProtocolAddressSize())
	assert.Equal(t, header.ARPRequest, h.Op())
	assert.Equal(t, buffer.MinFrameSize, f.Size())
}

func TestRequestForUsIsAnswered(t *testing.T) {
	s, ep := newStack(t, localMAC, localIP)

	ep.Inject(packet(header.ARPRequest, peerMAC, peerIP, "", localIP))

	require.Len(t, ep.C, 1)
	rep := <-ep.C
	eth := header.Ethernet(rep.Bytes())
	assert.Equal(t, peerMAC, eth.DestinationAddress())
	assert.Equal(t, localMAC, eth.SourceAddress())

	h := header.ARP(rep.Data())
	require.True(t, h.IsValid())
	assert.Equal(t, header.ARPReply, h.Op())
	assert.Equal(t, localMAC, h.SenderLinkAddress())
	assert.Equal(t, localIP, h.SenderAddress())
	assert.Equal(t, peerMAC, h.TargetLinkAddress())
	assert.Equal(t, peerIP, h.TargetAddress())

	e, ok := s.ARPTable().Lookup(peerIP)
	require.True(t, ok)
	assert.Equal(t, peerMAC, e.LinkAddress)
	assert.Equal(t, tcpip.NICID(1), e.NIC)
}

// 目标不是本机的请求：不应答，也不新增表项
func TestRequestForOtherHostIgnored(t *testing.T) {
	s, ep := newStack(t, localMAC, localIP)

	ep.Inject(packet(header.ARPRequest, peerMAC, peerIP, "", strayIP))

	assert.Len(t, ep.C, 0)
	assert.Equal(t, 0, s.ARPTable().Len())
}

func TestSenderRefreshedEvenWhenNotTarget(t *testing.T) {
	s, ep := newStack(t, localMAC, localIP)
	require.Nil(t, s.ARPTable().Insert(1, peerIP, 1, otherMAC))

	ep.Inject(packet(header.ARPRequest, peerMAC, peerIP, "", strayIP))

	assert.Len(t, ep.C, 0)
	assert.Equal(t, 1, s.ARPTable().Len())
	e, ok := s.ARPTable().Lookup(peerIP)
	require.True(t, ok)
	assert.Equal(t, peerMAC, e.LinkAddress)
}

func TestReplyIsNotAnswered(t *testing.T) {
	s, ep := newStack(t, localMAC, localIP)

	ep.Inject(packet(header.ARPReply, peerMAC, peerIP, localMAC, localIP))

	assert.Len(t, ep.C, 0)
	_, ok := s.ARPTable().Lookup(peerIP)
	assert.True(t, ok)
}

func TestInvalidPacketDropped(t *testing.T) {
	s, ep := newStack(t, localMAC, localIP)

	f := packet(header.ARPRequest, peerMAC, peerIP, "", localIP)
	f.Set(0, 6, 2, true) // 硬件类型改成IEEE 802
	ep.Inject(f)

	assert.Len(t, ep.C, 0)
	assert.Equal(t, 0, s.ARPTable().Len())
}

func TestResolve(t *testing.T) {
	s, ep := newStack(t, localMAC, localIP)
	nic := s.NIC(1)

	mac, err := s.GetLinkAddress(nic, header.IPv4Broadcast, header.IPv4ProtocolNumber)
	require.Nil(t, err)
	assert.Equal(t, header.EthernetBroadcast, mac)
	assert.Len(t, ep.C, 0)

	require.Nil(t, s.ARPTable().AddStatic(1, peerIP, peerMAC))
	mac, err = s.GetLinkAddress(nic, peerIP, header.IPv4ProtocolNumber)
	require.Nil(t, err)
	assert.Equal(t, peerMAC, mac)
	assert.Len(t, ep.C, 0)
}

func TestResolveTimesOut(t *testing.T) {
	logger, hook := test.NewNullLogger()
	s := stack.New([]string{arp.ProtocolName}, nil, stack.Options{
		Logger:         logger.WithField("component", "stack"),
		ResolveTimeout: 20 * time.Millisecond,
		PollInterval:   time.Millisecond,
	})
	defer s.Close()
	ep := channel.New(4, localMAC)
	require.Nil(t, s.CreateNIC(1, ep))

	_, err := s.GetLinkAddress(s.NIC(1), peerIP, header.IPv4ProtocolNumber)
	assert.Equal(t, tcpip.ErrBadLocalAddress, err)

	require.Nil(t, s.AddressTable().Assign(1, localIP, subnet))
	_, err = s.GetLinkAddress(s.NIC(1), peerIP, header.IPv4ProtocolNumber)
	assert.Equal(t, tcpip.ErrNoLinkAddress, err)

	require.Len(t, ep.C, 1)
	req := <-ep.C
	assert.Equal(t, header.EthernetBroadcast, header.Ethernet(req.Bytes()).DestinationAddress())
	assert.Equal(t, peerIP, header.ARP(req.Data()).TargetAddress())
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "arp resolution timed out", hook.LastEntry().Message)
}

func TestTesterOption(t *testing.T) {
	s, _ := newStack(t, localMAC, localIP)

	var d arp.TesterTimeoutOption
	require.Nil(t, s.NetworkProtocolOption(arp.ProtocolNumber, &d))
	assert.Equal(t, arp.TesterTimeoutOption(arp.DefaultTesterTimeout), d)

	assert.Equal(t, tcpip.ErrInvalidOptionValue, s.SetNetworkProtocolOption(arp.ProtocolNumber, arp.TesterTimeoutOption(0)))
	require.Nil(t, s.SetNetworkProtocolOption(arp.ProtocolNumber, arp.TesterTimeoutOption(time.Second)))
	require.Nil(t, s.NetworkProtocolOption(arp.ProtocolNumber, &d))
	assert.Equal(t, arp.TesterTimeoutOption(time.Second), d)
}

func TestTesterPassed(t *testing.T) {
	a, epA := newStack(t, localMAC, localIP)
	_, epB := newStack(t, peerMAC, peerIP)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go channel.Pipe(ctx, epA, epB)
	go channel.Pipe(ctx, epB, epA)

	tester, err := arp.TesterFor(a)
	require.Nil(t, err)

	var out bytes.Buffer
	report, err := tester.Ping(context.Background(), peerIP, &out)
	require.Nil(t, err)
	assert.Equal(t, arp.Report{Result: arp.Passed, Sent: 1, Received: 1}, report)
	assert.Equal(t, arp.Completed, tester.State())
	assert.Equal(t, "ARPING 10.0.0.2\n"+
		"64 bytes from aa:bb:cc:dd:ee:ff (10.0.0.2)\n"+
		"\n--- 10.0.0.2 statistics ---\n"+
		"1 packets transmitted, 1 packets received, 0% unanswered\n", out.String())
}

func TestTesterTimeout(t *testing.T) {
	s, ep := newStack(t, localMAC, localIP)
	require.Nil(t, s.SetNetworkProtocolOption(arp.ProtocolNumber, arp.TesterTimeoutOption(30*time.Millisecond)))
	tester, err := arp.TesterFor(s)
	require.Nil(t, err)

	var out bytes.Buffer
	report, err := tester.Ping(context.Background(), strayIP, &out)
	require.Nil(t, err)
	assert.Equal(t, arp.Report{Result: arp.Timeout, Sent: 1, Unanswered: 100}, report)
	assert.Equal(t, arp.TimedOut, tester.State())
	assert.Equal(t, "ARPING 10.0.0.99\n"+
		"Timeout\n"+
		"\n--- 10.0.0.99 statistics ---\n"+
		"1 packets transmitted, 0 packets received, 100% unanswered\n", out.String())

	req := <-ep.C
	assert.Equal(t, strayIP, header.ARP(req.Data()).TargetAddress())
}

func TestTesterIPNotFound(t *testing.T) {
	s, ep := newStack(t, localMAC, localIP)
	tester, err := arp.TesterFor(s)
	require.Nil(t, err)

	var out bytes.Buffer
	report, err := tester.Ping(context.Background(), tcpip.Address("\xc0\xa8\x01\x01"), &out)
	require.Nil(t, err)
	assert.Equal(t, arp.IPNotFound, report.Result)
	assert.Equal(t, "ARPING 192.168.1.1\nLocal machine has no available IP address.\n", out.String())
	assert.Len(t, ep.C, 0)
	assert.Equal(t, "ip not found", report.Result.String())
}

func TestTesterBusy(t *testing.T) {
	s, _ := newStack(t, localMAC, localIP)
	tester, err := arp.TesterFor(s)
	require.Nil(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan arp.Report, 1)
	go func() {
		r, _ := tester.Ping(ctx, strayIP, &bytes.Buffer{})
		done <- r
	}()

	require.Eventually(t, func() bool {
		return tester.State() == arp.AwaitingReply
	}, time.Second, time.Millisecond)

	_, err = tester.Ping(context.Background(), peerIP, &bytes.Buffer{})
	assert.Equal(t, tcpip.ErrBusy, err)

	cancel()
	select {
	case r := <-done:
		assert.Equal(t, arp.Timeout, r.Result)
	case <-time.After(5 * time.Second):
		t.Fatal("arping did not stop after cancel")
	}
}

func TestTesterForWithoutARP(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s := stack.New(nil, nil, stack.Options{Logger: logger.WithField("component", "stack")})
	_, err := arp.TesterFor(s)
	assert.Equal(t, tcpip.ErrUnknownProtocol, err)
}
