package stack

import (
	"strings"

	tcpip "github.com/qxcheng/kernel-net/protocol"
)

// RouteFlags 路由标志，取值同route(8)的RTF_*
type RouteFlags uint16

const (
	RouteUp        RouteFlags = 0x0001 // U 路由可用
	RouteGateway   RouteFlags = 0x0002 // G 目的地需要经过网关
	RouteHost      RouteFlags = 0x0004 // H 主机路由
	RouteReinstate RouteFlags = 0x0008 // R
	RouteDynamic   RouteFlags = 0x0010 // D
	RouteModified  RouteFlags = 0x0020 // M
	RouteMTU       RouteFlags = 0x0040
	RouteWindow    RouteFlags = 0x0080
	RouteIRTT      RouteFlags = 0x0100
	RouteReject    RouteFlags = 0x0200 // ! 拒绝
)

// routeFlagSymbols 第i个字符对应第i位，空格表示该位不显示
const routeFlagSymbols = "UGHRDM   !"

func (f RouteFlags) String() string {
	var b strings.Builder
	for i := 0; i < len(routeFlagSymbols); i++ {
		if f&(1<<uint(i)) != 0 && routeFlagSymbols[i] != ' ' {
			b.WriteByte(routeFlagSymbols[i])
		}
	}
	return b.String()
}

// RouteEntry 一条路由
type RouteEntry struct {
	Destination tcpip.Address
	Gateway     tcpip.Address
	Mask        tcpip.AddressMask
	Flags       RouteFlags
	Metric      int
	Ref         int
	Use         int
	NIC         tcpip.NICID
}

// Matches target & mask == destination & mask
func (r *RouteEntry) Matches(target tcpip.Address) bool {
	return target.Mask(r.Mask) == r.Destination.Mask(r.Mask)
}

// NextHop 网关路由的下一跳是网关，否则是目的地址本身
func (r *RouteEntry) NextHop(target tcpip.Address) tcpip.Address {
	if r.Flags&RouteGateway != 0 && !r.Gateway.IsZero() {
		return r.Gateway
	}
	return target
}

// RouteTable ipv4路由表
type RouteTable struct {
	table *Table[RouteEntry]
}

func NewRouteTable(capacity int) *RouteTable {
	return &RouteTable{table: NewTable[RouteEntry](capacity)}
}

func (t *RouteTable) Add(r RouteEntry) *tcpip.Error {
	return t.table.Add(r)
}

// Match 最长前缀匹配：掩码越长越优先，其次metric越小越优先，再其次先插入的优先。
// 命中的路由Use加1；命中拒绝路由返回ErrNetworkUnreachable
func (t *RouteTable) Match(target tcpip.Address) (RouteEntry, *tcpip.Error) {
	r, ok := t.table.SelectBest(
		func(r *RouteEntry) bool { return r.Matches(target) },
		func(a, b *RouteEntry) bool {
			ao, bo := a.Mask.Ones(), b.Mask.Ones()
			if ao != bo {
				return ao > bo
			}
			return a.Metric < b.Metric
		},
		func(r *RouteEntry) { r.Use++ },
	)
	if !ok {
		return RouteEntry{}, tcpip.ErrNoRoute
	}
	if r.Flags&RouteReject != 0 {
		return r, tcpip.ErrNetworkUnreachable
	}
	return r, nil
}

// Remove 删除满足pred的路由
func (t *RouteTable) Remove(pred func(*RouteEntry) bool) int {
	return t.table.Remove(pred)
}

// Find 第一个满足pred的路由
func (t *RouteTable) Find(pred func(*RouteEntry) bool) (RouteEntry, bool) {
	return t.table.FindIf(pred)
}

// PurgeNIC 删除经过某个网卡的全部路由
func (t *RouteTable) PurgeNIC(nic tcpip.NICID) int {
	return t.table.Remove(func(r *RouteEntry) bool { return r.NIC == nic })
}

func (t *RouteTable) Entries() []RouteEntry {
	return t.table.Snapshot()
}
