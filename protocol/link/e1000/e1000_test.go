package e1000

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qxcheng/kernel-net/pkg/buffer"
	tcpip "github.com/qxcheng/kernel-net/protocol"
	"github.com/qxcheng/kernel-net/protocol/header"
	"github.com/qxcheng/kernel-net/protocol/stack"
)

// simDevice 模拟8254x的寄存器文件：复位、RAL/RAH、发送完成和接收投递
type simDevice struct {
	mu   sync.Mutex
	regs map[uint32]uint32
	dma  *HeapDMA
	mac  tcpip.LinkAddress

	stuckReset     bool
	dropCompletion bool
	sent           [][]byte
}

func newSimDevice(mac tcpip.LinkAddress) *simDevice {
	d := &simDevice{dma: NewHeapDMA(0x10000000), mac: mac}
	d.powerOn()
	return d
}

func (d *simDevice) powerOn() {
	m := []byte(d.mac)
	d.regs = map[uint32]uint32{
		RegRAL0: binary.LittleEndian.Uint32(m[0:4]),
		RegRAH0: uint32(binary.LittleEndian.Uint16(m[4:6])) | rahAV,
	}
	// 上电后MTA的内容是不确定的
	for i := uint32(0); i < mtaEntries; i++ {
		d.regs[RegMTA+i*4] = 0xdeadbeef
	}
}

func (d *simDevice) Read32(off uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	v := d.regs[off]
	if off == RegICR {
		d.regs[RegICR] = 0
	}
	return v
}

func (d *simDevice) Write32(off uint32, v uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch off {
	case RegCTRL:
		if v&CtrlRST != 0 && !d.stuckReset {
			d.powerOn()
			v &^= CtrlRST
		}
		d.regs[RegCTRL] = v
	case RegIMS:
		d.regs[RegIMS] |= v
	case RegIMC:
		d.regs[RegIMS] &^= v
	case RegTDT:
		d.regs[RegTDT] = v
		d.transmit()
	default:
		d.regs[off] = v
	}
}

func (d *simDevice) desc(base uint32, i uint32) []byte {
	b, ok := d.dma.Resolve(uint64(d.regs[base])|uint64(d.regs[base+4])<<32+uint64(i*DescSize), DescSize)
	if !ok {
		panic("descriptor outside dma memory")
	}
	return b
}

// transmit 把TDH到TDT之间的描述符发出去
func (d *simDevice) transmit() {
	for h := d.regs[RegTDH]; h != d.regs[RegTDT]; h = (h + 1) % RingSize {
		desc := d.desc(RegTDBAL, h)
		n := int(binary.LittleEndian.Uint16(desc[8:]))
		data, ok := d.dma.Resolve(binary.LittleEndian.Uint64(desc[0:]), n)
		if !ok {
			panic("tx buffer outside dma memory")
		}
		d.sent = append(d.sent, append([]byte(nil), data...))
		if !d.dropCompletion {
			desc[12] |= TxStatusDD
		}
		d.regs[RegTDH] = (h + 1) % RingSize
	}
}

// deliver 把帧写进RDH指向的槽位，length<0时用len(frame)
func (d *simDevice) deliver(frame []byte, length int, status, errs uint8) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := d.regs[RegRDH]
	if h == d.regs[RegRDT] {
		return false
	}
	desc := d.desc(RegRDBAL, h)
	data, ok := d.dma.Resolve(binary.LittleEndian.Uint64(desc[0:]), RxBufferSize)
	if !ok {
		panic("rx buffer outside dma memory")
	}
	copy(data, frame)
	if length < 0 {
		length = len(frame)
	}
	binary.LittleEndian.PutUint16(desc[8:], uint16(length))
	desc[13] = errs
	desc[12] = status
	d.regs[RegRDH] = (h + 1) % RingSize
	d.regs[RegICR] |= IntRXT0
	return true
}

func (d *simDevice) reg(off uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regs[off]
}

func (d *simDevice) sentFrames() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.sent...)
}

var simMAC = tcpip.LinkAddress("\x52\x54\x00\x12\x34\x56")

func newAdapter(t *testing.T, dev *simDevice) *Adapter {
	t.Helper()
	logger, _ := test.NewNullLogger()
	a, err := New(dev, dev.dma, Options{
		ResetTimeout: 20 * time.Millisecond,
		TxTimeout:    20 * time.Millisecond,
		PollInterval: time.Millisecond,
		Logger:       logger.WithField("component", "e1000"),
	})
	require.NoError(t, err)
	return a
}

func startedAdapter(t *testing.T) (*Adapter, *simDevice) {
	t.Helper()
	dev := newSimDevice(simMAC)
	a := newAdapter(t, dev)
	require.NoError(t, a.Start())
	require.Nil(t, a.Open())
	return a, dev
}

func testFrame(n int, fill byte) []byte {
	b := make([]byte, n)
	copy(b, header.EthernetBroadcast)
	copy(b[6:], "\x02\x00\x00\x00\x00\x01")
	binary.BigEndian.PutUint16(b[12:], 0x0800)
	for i := 14; i < n; i++ {
		b[i] = fill
	}
	return b
}

func TestStartProgramsDevice(t *testing.T) {
	dev := newSimDevice(simMAC)
	a := newAdapter(t, dev)
	require.NoError(t, a.Start())

	assert.Equal(t, simMAC, a.LinkAddress())
	assert.Equal(t, uint32(CtrlASDE|CtrlSLU), dev.reg(RegCTRL)&(CtrlASDE|CtrlSLU|CtrlRST))
	assert.Equal(t, uint32(IntRXT0), dev.reg(RegIMS))
	for i := uint32(0); i < mtaEntries; i++ {
		require.Zero(t, dev.reg(RegMTA+i*4))
	}

	assert.Equal(t, uint32(RingSize*DescSize), dev.reg(RegTDLEN))
	assert.Equal(t, uint32(a.tx.desc.Phys), dev.reg(RegTDBAL))
	assert.Zero(t, dev.reg(RegTDH))
	assert.Zero(t, dev.reg(RegTDT))
	assert.Equal(t, uint32(TctlEN|TctlPSP), dev.reg(RegTCTL))

	assert.Equal(t, uint32(RingSize*DescSize), dev.reg(RegRDLEN))
	assert.Equal(t, uint32(a.rx.desc.Phys), dev.reg(RegRDBAL))
	assert.Zero(t, dev.reg(RegRDH))
	assert.Equal(t, uint32(RingSize-1), dev.reg(RegRDT))
	want := uint32(RctlEN | RctlSBP | RctlUPE | RctlMPE | RctlLPE | RctlBAM | RctlSECRC)
	assert.Equal(t, want, dev.reg(RegRCTL))
	assert.Zero(t, dev.reg(RegRCTL)&(3<<16), "2048-byte buffers")
}

func TestStartResetTimeout(t *testing.T) {
	dev := newSimDevice(simMAC)
	dev.stuckReset = true
	a := newAdapter(t, dev)
	assert.Equal(t, tcpip.ErrResetTimeout, a.Start())
}

func TestOpenClose(t *testing.T) {
	a, dev := startedAdapter(t)

	a.Close()
	assert.Zero(t, dev.reg(RegIMS)&IntRXT0)
	assert.Zero(t, dev.reg(RegTCTL)&TctlEN)
	assert.Zero(t, dev.reg(RegRCTL)&RctlEN)
	assert.Zero(t, dev.reg(RegCTRL)&CtrlSLU)

	require.Nil(t, a.Open())
	assert.NotZero(t, dev.reg(RegIMS)&IntRXT0)
	assert.NotZero(t, dev.reg(RegTCTL)&TctlEN)
	assert.NotZero(t, dev.reg(RegRCTL)&RctlEN)
	assert.NotZero(t, dev.reg(RegCTRL)&CtrlSLU)
}

func TestTransmitAdvancesRing(t *testing.T) {
	a, dev := startedAdapter(t)

	for i := 0; i < RingSize+2; i++ {
		f := buffer.FrameFrom(testFrame(100, byte(i)))
		n, err := a.Transmit(&f)
		require.Nil(t, err)
		assert.Equal(t, 100, n)
		assert.Equal(t, uint32((i+1)%RingSize), dev.reg(RegTDT))

		d := a.tx.slot(uint32(i % RingSize))
		assert.Equal(t, uint8(TxCmdEOP|TxCmdIFCS|TxCmdRS), d[11])
		assert.NotZero(t, loadStatus(d)&TxStatusDD)
	}

	sent := dev.sentFrames()
	require.Len(t, sent, RingSize+2)
	assert.Equal(t, testFrame(100, 3), sent[3])
}

func TestTransmitTimeout(t *testing.T) {
	a, dev := startedAdapter(t)
	dev.dropCompletion = true

	f := buffer.FrameFrom(testFrame(60, 1))
	_, err := a.Transmit(&f)
	assert.Equal(t, tcpip.ErrTimeout, err)
}

func TestReceive(t *testing.T) {
	a, dev := startedAdapter(t)

	assert.False(t, a.HasInterrupt())
	require.True(t, dev.deliver(testFrame(60, 0xaa), -1, RxStatusDD|RxStatusEOP, 0))
	require.True(t, dev.deliver(testFrame(200, 0xbb), -1, RxStatusDD|RxStatusEOP, 0))
	assert.True(t, a.HasInterrupt())
	assert.False(t, a.HasInterrupt(), "ICR is read-to-clear")

	frames := make([]buffer.Frame, 8)
	n, err := a.Receive(frames)
	require.Nil(t, err)
	require.Equal(t, 2, n)
	assert.Equal(t, testFrame(60, 0xaa), frames[0].Wire())
	assert.Equal(t, testFrame(200, 0xbb), frames[1].Wire())
	assert.Equal(t, uint32(1), dev.reg(RegRDT))

	n, err = a.Receive(frames)
	require.Nil(t, err)
	assert.Zero(t, n)
}

func TestReceiveStopsWhenBufferFull(t *testing.T) {
	a, dev := startedAdapter(t)
	for i := 0; i < 3; i++ {
		require.True(t, dev.deliver(testFrame(64, byte(i)), -1, RxStatusDD|RxStatusEOP, 0))
	}

	frames := make([]buffer.Frame, 2)
	n, err := a.Receive(frames)
	require.Nil(t, err)
	assert.Equal(t, 2, n)

	n, err = a.Receive(frames)
	require.Nil(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, testFrame(64, 2), frames[0].Wire())
}

func TestReceiveSentinels(t *testing.T) {
	tests := []struct {
		name   string
		length int
		status uint8
		errs   uint8
		want   *tcpip.Error
	}{
		{"short", 40, RxStatusDD | RxStatusEOP, 0, tcpip.ErrShortPacket},
		{"no eop", -1, RxStatusDD, 0, tcpip.ErrNoEndOfPacket},
		{"device error", -1, RxStatusDD | RxStatusEOP, 0x01, tcpip.ErrDeviceError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, dev := startedAdapter(t)
			require.True(t, dev.deliver(testFrame(64, 1), -1, RxStatusDD|RxStatusEOP, 0))
			require.True(t, dev.deliver(testFrame(64, 2), tt.length, tt.status, tt.errs))

			frames := make([]buffer.Frame, 4)
			n, err := a.Receive(frames)
			assert.Equal(t, tt.want, err)
			assert.Zero(t, n)

			// 坏槽位已经还给网卡，后面的帧照常收
			require.True(t, dev.deliver(testFrame(64, 3), -1, RxStatusDD|RxStatusEOP, 0))
			n, err = a.Receive(frames)
			require.Nil(t, err)
			require.Equal(t, 1, n)
			assert.Equal(t, testFrame(64, 3), frames[0].Wire())
		})
	}
}

func TestRingWrapsAround(t *testing.T) {
	a, dev := startedAdapter(t)
	frames := make([]buffer.Frame, 1)
	for i := 0; i < 3*RingSize; i++ {
		require.True(t, dev.deliver(testFrame(64, byte(i)), -1, RxStatusDD|RxStatusEOP, 0), i)
		n, err := a.Receive(frames)
		require.Nil(t, err)
		require.Equal(t, 1, n)
		require.Equal(t, testFrame(64, byte(i)), frames[0].Wire())
	}
}

// 挂到协议栈上：中断处理把帧交给网络层
func TestAdapterOnStack(t *testing.T) {
	dev := newSimDevice(simMAC)
	a := newAdapter(t, dev)
	require.NoError(t, a.Start())
	assert.True(t, stack.MatchAdapter(a.VendorID(), a.DeviceID()))

	logger, _ := test.NewNullLogger()
	s := stack.New(nil, nil, stack.Options{Logger: logger.WithField("component", "stack")})
	require.Nil(t, s.CreateNIC(0, a))

	require.True(t, dev.deliver(testFrame(64, 1), -1, RxStatusDD|RxStatusEOP, 0))
	// ipv4没有注册，帧被丢弃，但槽位要被消费掉
	assert.Zero(t, s.NIC(0).HandleInterrupt())
	assert.Equal(t, uint32(0), dev.reg(RegRDT))
	assert.False(t, a.HasInterrupt())

	f := buffer.NewFrame()
	n, err := s.NIC(0).WriteFrame(&f, header.EthernetBroadcast, 0x0806)
	require.Nil(t, err)
	assert.Equal(t, buffer.MinFrameSize-buffer.TailSize, n)
	sent := dev.sentFrames()
	require.Len(t, sent, 1)
	assert.Equal(t, simMAC, header.Ethernet(sent[0]).SourceAddress())
}

func TestHeapDMAAlignment(t *testing.T) {
	d := NewHeapDMA(0x1000)
	r1, err := d.Alloc(10, 1)
	require.NoError(t, err)
	r2, err := d.Alloc(100, 128)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1000), r1.Phys)
	assert.Equal(t, uint64(0x1080), r2.Phys)
	assert.Len(t, r2.Bytes, 100)

	b, ok := d.Resolve(0x1084, 4)
	require.True(t, ok)
	b[0] = 7
	assert.Equal(t, byte(7), r2.Bytes[4])
	_, ok = d.Resolve(0x10e0, 8)
	assert.False(t, ok)

	_, err = d.Alloc(0, 1)
	assert.Error(t, err)
}

func TestMMIO(t *testing.T) {
	mem := make([]uint32, 4)
	m := NewMMIO(unsafeBytes(mem))
	m.Write32(8, 0xcafef00d)
	assert.Equal(t, uint32(0xcafef00d), m.Read32(8))
	assert.Equal(t, uint32(0xcafef00d), mem[2])
	assert.Panics(t, func() { m.Read32(16) })
	assert.Panics(t, func() { m.Read32(2) })
	assert.NoError(t, m.Close())
}

func unsafeBytes(words []uint32) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*4)
}
