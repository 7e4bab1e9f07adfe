package stack

import (
	tcpip "github.com/qxcheng/kernel-net/protocol"
)

// AddressEntry 网卡上配置的ipv4地址，网卡只按id弱引用
type AddressEntry struct {
	NIC     tcpip.NICID
	Address tcpip.Address
	Mask    tcpip.AddressMask
}

// Broadcast 子网广播地址
func (e AddressEntry) Broadcast() tcpip.Address {
	return tcpip.BroadcastAddress(e.Address, e.Mask)
}

// Network 网络地址
func (e AddressEntry) Network() tcpip.Address {
	return tcpip.NetAddress(e.Address, e.Mask)
}

// Contains addr是否和该地址处于同一子网
func (e AddressEntry) Contains(addr tcpip.Address) bool {
	return addr.Mask(e.Mask) == e.Network()
}

// AddressTable 网卡地址表。一个网卡一个地址的约束由上层（admin）保证
type AddressTable struct {
	table *Table[AddressEntry]
}

func NewAddressTable(capacity int) *AddressTable {
	return &AddressTable{table: NewTable[AddressEntry](capacity)}
}

// Assign 给网卡分配地址
func (t *AddressTable) Assign(nic tcpip.NICID, addr tcpip.Address, mask tcpip.AddressMask) *tcpip.Error {
	return t.table.Add(AddressEntry{NIC: nic, Address: addr, Mask: mask})
}

// Find 网卡的地址
func (t *AddressTable) Find(nic tcpip.NICID) (AddressEntry, bool) {
	return t.table.FindIf(func(e *AddressEntry) bool { return e.NIC == nic })
}

// Owner 哪个网卡拥有该地址
func (t *AddressTable) Owner(addr tcpip.Address) (AddressEntry, bool) {
	return t.table.FindIf(func(e *AddressEntry) bool { return e.Address == addr })
}

// Has 网卡是否配置了该地址
func (t *AddressTable) Has(nic tcpip.NICID, addr tcpip.Address) bool {
	_, ok := t.table.FindIf(func(e *AddressEntry) bool { return e.NIC == nic && e.Address == addr })
	return ok
}

// Remove 删除网卡的全部地址
func (t *AddressTable) Remove(nic tcpip.NICID) int {
	return t.table.Remove(func(e *AddressEntry) bool { return e.NIC == nic })
}

func (t *AddressTable) Entries() []AddressEntry {
	return t.table.Snapshot()
}
