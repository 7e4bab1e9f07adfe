package sniffer_test

import (
	"bytes"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qxcheng/kernel-net/pkg/buffer"
	tcpip "github.com/qxcheng/kernel-net/protocol"
	"github.com/qxcheng/kernel-net/protocol/header"
	"github.com/qxcheng/kernel-net/protocol/link/channel"
	"github.com/qxcheng/kernel-net/protocol/link/sniffer"
	"github.com/qxcheng/kernel-net/protocol/network/arp"
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

func arpRequest() buffer.Frame {
	f := buffer.NewFrame()
	h := arp.Prepare(&f, header.ARPRequest)
	copy(h.HardwareAddressSender(), peerMAC)
	copy(h.ProtocolAddressSender(), peerIP)
	copy(h.ProtocolAddressTarget(), localIP)
	header.Ethernet(f.Bytes()).Encode(&header.EthernetFields{
		SrcAddr: peerMAC,
		DstAddr: header.EthernetBroadcast,
		Type:    arp.ProtocolNumber,
	})
	return f
}

func readAll(t *testing.T, r io.Reader) []gopacket.Packet {
	t.Helper()
	pr, err := pcapgo.NewReader(r)
	require.NoError(t, err)
	assert.Equal(t, layers.LinkTypeEthernet, pr.LinkType())

	var pkts []gopacket.Packet
	for {
		data, ci, err := pr.ReadPacketData()
		if err == io.EOF {
			return pkts
		}
		require.NoError(t, err)
		assert.Equal(t, ci.Length, len(data))
		pkts = append(pkts, gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default))
	}
}

func TestCapturesBothDirections(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s := stack.New([]string{arp.ProtocolName}, nil, stack.Options{
		Logger:       logger.WithField("component", "stack"),
		PollInterval: time.Millisecond,
	})
	t.Cleanup(s.Close)

	var out bytes.Buffer
	ep := channel.New(4, localMAC)
	a, err := sniffer.New(ep, &out)
	require.NoError(t, err)
	assert.Same(t, ep, a.Lower())

	require.Nil(t, s.CreateNIC(1, a))
	require.Nil(t, s.AddressTable().Assign(1, localIP, subnet))

	ep.Inject(arpRequest())
	select {
	case <-ep.C:
	case <-time.After(5 * time.Second):
		t.Fatal("no arp reply")
	}

	pkts := readAll(t, &out)
	require.Len(t, pkts, 2)

	req := pkts[0].Layer(layers.LayerTypeARP).(*layers.ARP)
	assert.Equal(t, uint16(layers.ARPRequest), req.Operation)
	assert.Equal(t, net.IP([]byte(localIP)), net.IP(req.DstProtAddress))

	rep := pkts[1].Layer(layers.LayerTypeARP).(*layers.ARP)
	assert.Equal(t, uint16(layers.ARPReply), rep.Operation)
	assert.Equal(t, net.HardwareAddr([]byte(localMAC)), net.HardwareAddr(rep.SourceHwAddress))
	assert.Equal(t, net.HardwareAddr([]byte(peerMAC)), net.HardwareAddr(rep.DstHwAddress))

	eth := pkts[1].Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	assert.Equal(t, net.HardwareAddr([]byte(peerMAC)), eth.DstMAC)
}

func TestFailedTransmitNotRecorded(t *testing.T) {
	var out bytes.Buffer
	ep := channel.New(1, localMAC)
	a, err := sniffer.New(ep, &out)
	require.NoError(t, err)

	f := arpRequest()
	_, terr := a.Transmit(&f)
	assert.Equal(t, tcpip.ErrAdapterClosed, terr)
	assert.Empty(t, readAll(t, bytes.NewReader(out.Bytes())))

	require.Nil(t, a.Open())
	_, terr = a.Transmit(&f)
	require.Nil(t, terr)
	assert.Len(t, readAll(t, bytes.NewReader(out.Bytes())), 1)
}

func TestCaptureFileSharedByAdapters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "knet.pcap")
	c, err := sniffer.Create(path)
	require.NoError(t, err)

	first := c.Wrap(channel.New(4, localMAC))
	second := c.Wrap(channel.New(4, peerMAC))
	require.Nil(t, first.Open())
	require.Nil(t, second.Open())

	f := arpRequest()
	_, terr := first.Transmit(&f)
	require.Nil(t, terr)
	_, terr = second.Transmit(&f)
	require.Nil(t, terr)
	require.NoError(t, c.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, readAll(t, bytes.NewReader(data)), 2)
}
