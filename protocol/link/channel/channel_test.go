package channel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qxcheng/kernel-net/pkg/buffer"
	tcpip "github.com/qxcheng/kernel-net/protocol"
)

const mac = tcpip.LinkAddress("\x02\x00\x00\x00\x00\x01")

func TestTransmit(t *testing.T) {
	ep := New(1, mac)
	f := buffer.NewFrame()

	_, err := ep.Transmit(&f)
	assert.Equal(t, tcpip.ErrAdapterClosed, err)

	require.Nil(t, ep.Open())
	n, err := ep.Transmit(&f)
	require.Nil(t, err)
	assert.Equal(t, buffer.MinFrameSize-buffer.TailSize, n)

	// C已满
	_, err = ep.Transmit(&f)
	assert.Equal(t, tcpip.ErrWouldBlock, err)
	assert.Equal(t, uint64(1), ep.Dropped())
	assert.Len(t, ep.C, 1)
}

func TestInjectRaisesInterrupt(t *testing.T) {
	ep := New(1, mac)
	raised := 0
	ep.SetInterruptHandler(func() { raised++ })

	// 关闭状态下注入的帧被丢弃
	ep.InjectBytes([]byte{1, 2, 3})
	assert.False(t, ep.HasInterrupt())
	assert.Equal(t, 0, raised)

	require.Nil(t, ep.Open())
	ep.InjectBytes([]byte{1, 2, 3})
	ep.InjectBytes([]byte{4, 5, 6})
	assert.True(t, ep.HasInterrupt())
	assert.Equal(t, 2, raised)

	frames := make([]buffer.Frame, 1)
	n, err := ep.Receive(frames)
	require.Nil(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []byte{1, 2, 3}, frames[0].Wire()[:3])
	assert.Equal(t, buffer.MinFrameSize, frames[0].Size())

	n, _ = ep.Receive(frames)
	assert.Equal(t, 1, n)
	assert.False(t, ep.HasInterrupt())

	ep.InjectBytes([]byte{7})
	ep.Close()
	assert.False(t, ep.HasInterrupt())
}

func TestPipe(t *testing.T) {
	a, b := New(4, mac), New(4, mac)
	require.Nil(t, a.Open())
	require.Nil(t, b.Open())
	got := make(chan struct{}, 1)
	b.SetInterruptHandler(func() { got <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Pipe(ctx, a, b)

	f := buffer.FrameFrom([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	_, err := a.Transmit(&f)
	require.Nil(t, err)

	select {
	case <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("frame not piped")
	}
	frames := make([]buffer.Frame, 2)
	n, _ := b.Receive(frames)
	require.Equal(t, 1, n)
	assert.Equal(t, f.Wire(), frames[0].Wire())
}
