//go:build linux

// Package node 按配置组装一个完整的协议栈：网卡、地址、路由、协议参数，
// 以及驱动中断的goroutine和管理控制台
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/qxcheng/kernel-net/internal/config"
	"github.com/qxcheng/kernel-net/internal/log"
	tcpip "github.com/qxcheng/kernel-net/protocol"
	"github.com/qxcheng/kernel-net/protocol/admin"
	"github.com/qxcheng/kernel-net/protocol/link/channel"
	"github.com/qxcheng/kernel-net/protocol/link/e1000"
	"github.com/qxcheng/kernel-net/protocol/link/sniffer"
	"github.com/qxcheng/kernel-net/protocol/link/tuntap"
	"github.com/qxcheng/kernel-net/protocol/network/arp"
	"github.com/qxcheng/kernel-net/protocol/network/ipv4"
	"github.com/qxcheng/kernel-net/protocol/stack"
)

// 8254x在用户态没有中断线，按这个间隔轮询
const e1000IRQInterval = time.Millisecond

// channel网卡发送队列的长度
const channelQueue = 256

type pump func(ctx context.Context) error

// Node 一个按配置组装好的协议栈
type Node struct {
	Stack *stack.Stack
	Admin *admin.Admin

	cfg      *config.Config
	log      *logrus.Entry
	pumps    []pump
	closers  []func() error
	channels map[tcpip.NICID]*channel.Endpoint
}

// Build 创建协议栈和全部网卡，配好地址和路由。管理命令的输出写到out
func Build(cfg *config.Config, out io.Writer) (n *Node, err error) {
	sc := cfg.Stack
	s := stack.New([]string{arp.ProtocolName, ipv4.ProtocolName}, nil, stack.Options{
		Logger:           log.WithComponent("stack"),
		ARPTableSize:     sc.ARPTableSize,
		AddressTableSize: sc.AddressTableSize,
		RouteTableSize:   sc.RouteTableSize,
		ARPEntryTTL:      sc.ARPEntryTTL,
		ResolveTimeout:   sc.ResolveTimeout,
		PollInterval:     sc.PollInterval,
		RxBufferFrames:   sc.RxBufferFrames,
		DefaultTTL:       uint8(sc.DefaultTTL),
	})
	n = &Node{
		Stack:    s,
		Admin:    admin.New(s, out),
		cfg:      cfg,
		log:      log.WithComponent("node"),
		channels: make(map[tcpip.NICID]*channel.Endpoint),
	}
	defer func() {
		if err != nil {
			n.Close()
			n = nil
		}
	}()

	if err := n.applyOptions(); err != nil {
		return n, err
	}

	var capture *sniffer.Capture
	if cfg.Pcap.Path != "" {
		if capture, err = sniffer.Create(cfg.Pcap.Path); err != nil {
			return n, err
		}
		n.closers = append(n.closers, capture.Close)
	}

	for i, ac := range cfg.Adapters {
		id := tcpip.NICID(i)
		ad, err := n.openAdapter(id, ac)
		if err != nil {
			return n, fmt.Errorf("adapter %s: %w", ac.Name, err)
		}
		if capture != nil {
			ad = capture.Wrap(ad)
		}
		if err := s.CreateNamedNIC(id, ac.Name, ad); err != nil {
			return n, fmt.Errorf("adapter %s: %w", ac.Name, err)
		}
		if ac.Address == "" {
			continue
		}
		addr, _ := tcpip.ParseAddress(ac.Address)
		mask, _ := tcpip.ParseMask(ac.Mask)
		if code := n.Admin.SetIPAddress(id, addr, mask); code != admin.CodeOK {
			return n, fmt.Errorf("adapter %s: assign %s: %v", ac.Name, ac.Address, code)
		}
	}

	for i, rc := range cfg.Routes {
		dst, _ := tcpip.ParseAddress(rc.Destination)
		mask, _ := tcpip.ParseMask(rc.Mask)
		via := tcpip.IPv4Zero
		if rc.Gateway != "" {
			via, _ = tcpip.ParseAddress(rc.Gateway)
		}
		if code := n.Admin.RTAddStatic(dst, mask, via, rc.Device); code != admin.CodeOK {
			return n, fmt.Errorf("routes[%d]: %v", i, code)
		}
	}
	return n, nil
}

func (n *Node) applyOptions() error {
	sc := n.cfg.Stack
	opts := []struct {
		proto tcpip.NetworkProtocolNumber
		opt   interface{}
	}{
		{arp.ProtocolNumber, arp.TesterTimeoutOption(sc.ARPingTimeout)},
		{ipv4.ProtocolNumber, ipv4.EchoTimeoutOption(sc.EchoTimeout)},
		{ipv4.ProtocolNumber, ipv4.EchoCountOption(sc.EchoCount)},
		{ipv4.ProtocolNumber, ipv4.EchoRateOption{Limit: sc.EchoRateLimit, Burst: sc.EchoBurst}},
	}
	for _, o := range opts {
		if err := n.Stack.SetNetworkProtocolOption(o.proto, o.opt); err != nil {
			return fmt.Errorf("set %T: %w", o.opt, err)
		}
	}
	return nil
}

func (n *Node) openAdapter(id tcpip.NICID, ac config.AdapterConfig) (stack.NetworkAdapter, error) {
	var mac tcpip.LinkAddress
	if ac.MAC != "" {
		var err error
		if mac, err = tcpip.ParseLinkAddress(ac.MAC); err != nil {
			return nil, err
		}
	}
	l := log.WithComponent(ac.Driver).WithField("nic", id)

	switch ac.Driver {
	case config.DriverChannel:
		if mac == "" {
			mac = tuntap.RandomMAC()
		}
		ep := channel.New(channelQueue, mac)
		n.channels[id] = ep
		return ep, nil

	case config.DriverTap:
		dev, err := tuntap.New(tuntap.Options{
			Name:        ac.Device,
			MAC:         mac,
			HostAddress: ac.HostAddress,
			Logger:      l,
		})
		if err != nil {
			return nil, err
		}
		n.pumps = append(n.pumps, dev.Run)
		n.closers = append(n.closers, dev.Release)
		return dev, nil

	case config.DriverE1000:
		vendor, device, err := e1000.ProbePCI(filepath.Dir(ac.Resource))
		if err != nil {
			return nil, fmt.Errorf("probe: %w", err)
		}
		if !stack.MatchAdapter(vendor, device) {
			return nil, fmt.Errorf("no driver for device %04x:%04x", vendor, device)
		}
		regs, err := e1000.MapBAR(ac.Resource, e1000.BARSize)
		if err != nil {
			return nil, err
		}
		n.closers = append(n.closers, regs.Close)
		dma := e1000.NewPagemapDMA()
		n.closers = append(n.closers, dma.Close)

		ad, err := e1000.New(regs, dma, e1000.Options{
			ResetTimeout: ac.ResetTimeout,
			PollInterval: n.cfg.Stack.PollInterval,
			Logger:       l,
		})
		if err != nil {
			return nil, err
		}
		if err := ad.Start(); err != nil {
			return nil, err
		}
		n.pumps = append(n.pumps, func(ctx context.Context) error {
			return ad.Poll(ctx, e1000IRQInterval)
		})
		return ad, nil
	}
	return nil, fmt.Errorf("unknown driver %q", ac.Driver)
}

// Channel 返回channel驱动的网卡，用于测试或者把两个节点连起来
func (n *Node) Channel(id tcpip.NICID) *channel.Endpoint {
	return n.channels[id]
}

// Run 运行所有网卡的中断泵，直到ctx结束或者某个泵出错
func (n *Node) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range n.pumps {
		p := p
		g.Go(func() error {
			if err := p(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	n.log.WithField("pumps", len(n.pumps)).Info("node running")
	return g.Wait()
}

// Close 关闭协议栈和所有网卡资源，倒序释放
func (n *Node) Close() error {
	n.Stack.Close()
	var errs []error
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	n.closers = nil
	return errors.Join(errs...)
}
