package stack

import (
	"strings"
	"time"

	tcpip "github.com/qxcheng/kernel-net/protocol"
)

// ARPFlags arp表项的标志位，取值同linux的ATF_*
type ARPFlags uint8

const (
	ARPIncomplete ARPFlags = 0x00
	ARPComplete   ARPFlags = 0x02 // mac地址有效
	ARPPermanent  ARPFlags = 0x04 // 静态表项，不过期也不会被报文覆盖
	ARPPublished  ARPFlags = 0x08
)

func (f ARPFlags) String() string {
	var b strings.Builder
	if f&ARPComplete != 0 {
		b.WriteByte('C')
	}
	if f&ARPPermanent != 0 {
		b.WriteByte('M')
	}
	if f&ARPPublished != 0 {
		b.WriteByte('P')
	}
	if b.Len() == 0 {
		return "-"
	}
	return b.String()
}

// DefaultARPEntryTTL 非静态表项的有效期
const DefaultARPEntryTTL = 300 * time.Second

// ARPEntry 一条 ip -> mac 的映射
type ARPEntry struct {
	Address      tcpip.Address
	HardwareType uint16
	Flags        ARPFlags
	LinkAddress  tcpip.LinkAddress
	NIC          tcpip.NICID
	Updated      time.Time
}

// ARPTable arp缓存。过期的表项查不到，在下一次插入时被清掉；
// 表满时淘汰最久没有更新的非静态表项
type ARPTable struct {
	table *Table[ARPEntry]
	ttl   time.Duration // 0表示永不过期
	now   func() time.Time
}

// NewARPTable now为nil时使用time.Now
func NewARPTable(capacity int, ttl time.Duration, now func() time.Time) *ARPTable {
	if now == nil {
		now = time.Now
	}
	t := &ARPTable{
		table: NewTable[ARPEntry](capacity),
		ttl:   ttl,
		now:   now,
	}
	t.table.SetEvictor(evictOldestDynamic)
	return t
}

func evictOldestDynamic(entries []ARPEntry) int {
	victim := -1
	for i := range entries {
		if entries[i].Flags&ARPPermanent != 0 {
			continue
		}
		if victim < 0 || entries[i].Updated.Before(entries[victim].Updated) {
			victim = i
		}
	}
	return victim
}

func (t *ARPTable) stale(e *ARPEntry, now time.Time) bool {
	return t.ttl > 0 && e.Flags&ARPPermanent == 0 && now.Sub(e.Updated) > t.ttl
}

func matchAddress(addr tcpip.Address) func(*ARPEntry) bool {
	return func(e *ARPEntry) bool { return e.Address == addr }
}

// Lookup 查找已完成且未过期的表项
func (t *ARPTable) Lookup(addr tcpip.Address) (ARPEntry, bool) {
	now := t.now()
	return t.table.FindIf(func(e *ARPEntry) bool {
		return e.Address == addr && e.Flags&ARPComplete != 0 && !t.stale(e, now)
	})
}

// Refresh 表项存在时原地更新mac和时间，返回表项是否存在。静态表项只报告存在，不修改
func (t *ARPTable) Refresh(addr tcpip.Address, mac tcpip.LinkAddress) bool {
	now := t.now()
	return t.table.Modify(matchAddress(addr), func(e *ARPEntry) {
		if e.Flags&ARPPermanent != 0 {
			return
		}
		e.LinkAddress = mac
		e.Flags |= ARPComplete
		e.Updated = now
	})
}

// Insert 插入或更新一条已完成的动态表项，同一地址只保留一条
func (t *ARPTable) Insert(nic tcpip.NICID, addr tcpip.Address, hwType uint16, mac tcpip.LinkAddress) *tcpip.Error {
	now := t.now()
	t.purgeStale(now)
	return t.table.Upsert(matchAddress(addr), func(e *ARPEntry) {
		if e.Flags&ARPPermanent != 0 {
			return
		}
		e.NIC = nic
		e.HardwareType = hwType
		e.LinkAddress = mac
		e.Flags |= ARPComplete
		e.Updated = now
	}, func() (ARPEntry, bool) {
		return ARPEntry{
			Address:      addr,
			HardwareType: hwType,
			Flags:        ARPComplete,
			LinkAddress:  mac,
			NIC:          nic,
			Updated:      now,
		}, true
	})
}

// AddStatic 添加静态表项，覆盖已有的同地址表项
func (t *ARPTable) AddStatic(nic tcpip.NICID, addr tcpip.Address, mac tcpip.LinkAddress) *tcpip.Error {
	entry := ARPEntry{
		Address:      addr,
		HardwareType: 1,
		Flags:        ARPComplete | ARPPermanent,
		LinkAddress:  mac,
		NIC:          nic,
		Updated:      t.now(),
	}
	return t.table.Upsert(matchAddress(addr), func(e *ARPEntry) {
		*e = entry
	}, func() (ARPEntry, bool) {
		return entry, true
	})
}

func (t *ARPTable) purgeStale(now time.Time) {
	if t.ttl <= 0 {
		return
	}
	t.table.Remove(func(e *ARPEntry) bool { return t.stale(e, now) })
}

// Delete 删除地址对应的表项
func (t *ARPTable) Delete(addr tcpip.Address) bool {
	return t.table.Remove(matchAddress(addr)) > 0
}

// PurgeNIC 删除某个网卡学到的所有表项
func (t *ARPTable) PurgeNIC(nic tcpip.NICID) int {
	return t.table.Remove(func(e *ARPEntry) bool { return e.NIC == nic })
}

// Entries 按插入顺序返回所有表项（包括已过期但还没清理的）
func (t *ARPTable) Entries() []ARPEntry {
	return t.table.Snapshot()
}

func (t *ARPTable) Len() int {
	return t.table.Len()
}
