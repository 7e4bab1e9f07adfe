package admin

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tcpip "github.com/qxcheng/kernel-net/protocol"
)

// ErrUsage 命令行语法错误
var ErrUsage = errors.New("usage")

// Usage 控制台支持的命令
const Usage = `ip addr
ip addr add IP MASK dev N
ip addr del dev N
ip route
ip route add default via GW dev N
ip route add IP MASK [via GW] [dev N]
ip route del IP MASK
arp
arping IP
ping IP
`

func usagef(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrUsage, fmt.Sprintf(format, args...))
}

func parseAddr(s string) (tcpip.Address, error) {
	a, err := tcpip.ParseAddress(s)
	if err != nil {
		return "", usagef("%v", err)
	}
	return a, nil
}

func parseMask(s string) (tcpip.AddressMask, error) {
	m, err := tcpip.ParseMask(s)
	if err != nil {
		return "", usagef("%v", err)
	}
	if m.Prefix() < 0 {
		return "", usagef("non-contiguous mask %s", s)
	}
	return m, nil
}

// options 解析 "via GW" 和 "dev N" 这样的可选参数，未知的词报错
func options(args []string) (via tcpip.Address, dev int, err error) {
	dev = -1
	for i := 0; i < len(args); i++ {
		if i+1 >= len(args) {
			return "", 0, usagef("%q needs a value", args[i])
		}
		switch args[i] {
		case "via":
			if via, err = parseAddr(args[i+1]); err != nil {
				return "", 0, err
			}
		case "dev":
			if dev, err = strconv.Atoi(args[i+1]); err != nil || dev < 0 {
				return "", 0, usagef("bad device %q", args[i+1])
			}
		default:
			return "", 0, usagef("unexpected %q", args[i])
		}
		i++
	}
	return via, dev, nil
}

// Exec 执行一行控制台命令。语法错误返回ErrUsage，否则返回命令的结果码
func (a *Admin) Exec(ctx context.Context, line string) (Code, error) {
	f := strings.Fields(line)
	if len(f) == 0 {
		return CodeOK, nil
	}

	switch f[0] {
	case "ip":
		if len(f) < 2 {
			return 0, usagef("ip needs an object")
		}
		switch f[1] {
		case "a", "addr", "address":
			return a.execAddr(f[2:])
		case "r", "route":
			return a.execRoute(f[2:])
		}
		return 0, usagef("unknown object %q", f[1])
	case "arp":
		return a.PrintARPTable(), nil
	case "arping":
		if len(f) != 2 {
			return 0, usagef("arping IP")
		}
		addr, err := parseAddr(f[1])
		if err != nil {
			return 0, err
		}
		return Code(a.ARPRequest(ctx, addr)), nil
	case "ping":
		if len(f) != 2 {
			return 0, usagef("ping IP")
		}
		addr, err := parseAddr(f[1])
		if err != nil {
			return 0, err
		}
		return a.Ping(ctx, addr), nil
	}
	return 0, usagef("unknown command %q", f[0])
}

func (a *Admin) execAddr(args []string) (Code, error) {
	if len(args) == 0 || args[0] == "show" {
		return a.ShowIPAddress(), nil
	}
	switch args[0] {
	case "add":
		if len(args) < 3 {
			return 0, usagef("ip addr add IP MASK dev N")
		}
		addr, err := parseAddr(args[1])
		if err != nil {
			return 0, err
		}
		mask, err := parseMask(args[2])
		if err != nil {
			return 0, err
		}
		_, dev, err := options(args[3:])
		if err != nil {
			return 0, err
		}
		if dev < 0 {
			return 0, usagef("ip addr add needs dev")
		}
		return a.SetIPAddress(tcpip.NICID(dev), addr, mask), nil
	case "del":
		_, dev, err := options(args[1:])
		if err != nil {
			return 0, err
		}
		if dev < 0 {
			return 0, usagef("ip addr del needs dev")
		}
		return a.DelIPAddress(tcpip.NICID(dev)), nil
	}
	return 0, usagef("unknown addr command %q", args[0])
}

func (a *Admin) execRoute(args []string) (Code, error) {
	if len(args) == 0 || args[0] == "show" {
		return a.RTPrint(), nil
	}
	switch args[0] {
	case "add":
		if len(args) < 2 {
			return 0, usagef("ip route add default|IP MASK ...")
		}
		dst, mask := tcpip.IPv4Zero, tcpip.AddressMask(tcpip.IPv4Zero)
		rest := args[2:]
		if args[1] != "default" {
			if len(args) < 3 {
				return 0, usagef("ip route add IP MASK ...")
			}
			var err error
			if dst, err = parseAddr(args[1]); err != nil {
				return 0, err
			}
			if mask, err = parseMask(args[2]); err != nil {
				return 0, err
			}
			rest = args[3:]
		}
		via, dev, err := options(rest)
		if err != nil {
			return 0, err
		}
		if via == "" {
			via = tcpip.IPv4Zero
		}
		return a.RTAddStatic(dst, mask, via, dev), nil
	case "del":
		if len(args) != 3 {
			return 0, usagef("ip route del IP MASK")
		}
		dst, err := parseAddr(args[1])
		if err != nil {
			return 0, err
		}
		mask, err := parseMask(args[2])
		if err != nil {
			return 0, err
		}
		return a.RTDelete(dst, mask), nil
	}
	return 0, usagef("unknown route command %q", args[0])
}
