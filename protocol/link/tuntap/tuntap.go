//go:build linux

// Package tuntap 打开Linux的TAP设备，并用netlink配置宿主机一侧
package tuntap

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/qxcheng/kernel-net/internal/log"
	tcpip "github.com/qxcheng/kernel-net/protocol"
	"github.com/qxcheng/kernel-net/protocol/link/fdbased"
)

const cloneDevice = "/dev/net/tun"

// OpenTAP 打开名为name的TAP设备（不存在则创建），返回非阻塞的fd
func OpenTAP(name string) (int, error) {
	fd, err := unix.Open(cloneDevice, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("open %s: %w", cloneDevice, err)
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("tap %q: %w", name, err)
	}
	ifr.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("TUNSETIFF %q: %w", name, err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("set nonblock: %w", err)
	}
	return fd, nil
}

// Configure 把宿主机一侧的接口拉起来，hostCIDR非空时再配上地址，比如 "10.0.0.2/24"
func Configure(name, hostCIDR string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("find link %q: %w", name, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("set %q up: %w", name, err)
	}
	if hostCIDR == "" {
		return nil
	}
	addr, err := netlink.ParseAddr(hostCIDR)
	if err != nil {
		return fmt.Errorf("parse host address %q: %w", hostCIDR, err)
	}
	if err := netlink.AddrReplace(link, addr); err != nil {
		return fmt.Errorf("assign %s to %q: %w", hostCIDR, name, err)
	}
	return nil
}

// RandomMAC 本地管理的单播mac，协议栈用它和宿主机区分开
func RandomMAC() tcpip.LinkAddress {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		b = [6]byte{0, 0, 0, 0, 0, 1}
	}
	b[0] = b[0]&^0x01 | 0x02
	return tcpip.LinkAddress(b[:])
}

// Device 一个打开的TAP设备，嵌入fdbased网卡
type Device struct {
	*fdbased.Endpoint

	name string
	log  *logrus.Entry
}

// Options TAP设备的参数
type Options struct {
	Name string
	// MAC 为空时随机生成
	MAC tcpip.LinkAddress
	// HostAddress 宿主机一侧的地址，为空只拉起接口
	HostAddress string
	PollTimeout time.Duration
	Logger      *logrus.Entry
}

// New 打开并配置TAP设备
func New(opts Options) (*Device, error) {
	l := opts.Logger
	if l == nil {
		l = log.WithComponent("tap")
	}
	fd, err := OpenTAP(opts.Name)
	if err != nil {
		return nil, err
	}
	if err := Configure(opts.Name, opts.HostAddress); err != nil {
		unix.Close(fd)
		return nil, err
	}

	mac := opts.MAC
	if mac == "" {
		mac = RandomMAC()
	}
	d := &Device{
		Endpoint: fdbased.New(&fdbased.Options{
			FD:          fd,
			MAC:         mac,
			PollTimeout: opts.PollTimeout,
			Logger:      l,
		}),
		name: opts.Name,
		log:  l,
	}
	l.WithFields(logrus.Fields{"dev": opts.Name, "mac": mac, "host": opts.HostAddress}).Info("tap opened")
	return d, nil
}

// Name 宿主机上的接口名
func (d *Device) Name() string {
	return d.name
}

// Release 关闭fd，之后设备不能再用
func (d *Device) Release() error {
	d.Endpoint.Close()
	return unix.Close(d.FD())
}
