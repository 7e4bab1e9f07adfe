package buffer

import (
	"encoding/binary"
	"fmt"
	"io"
)

// 以太网帧的尺寸常量，逻辑长度包含4字节的CRC尾部（由网卡计算，软件不填）
const (
	HeaderSize   = 6 + 6 + 2 // 目的mac + 源mac + 类型
	TailSize     = 4         // CRC
	MinDataSize  = 46
	MaxDataSize  = 1500
	MinFrameSize = HeaderSize + MinDataSize + TailSize // 64
	MaxFrameSize = HeaderSize + MaxDataSize + TailSize // 1518
)

// Frame 定长的以太网帧缓冲区，值类型，拷贝即复制全部字节
type Frame struct {
	data [MaxFrameSize]byte
	size int
}

// NewFrame 返回一个全0的最小帧
func NewFrame() Frame {
	return Frame{size: MinFrameSize}
}

// FrameFrom 从线上收到的字节（不含CRC）构造帧，过长截断，过短补0
func FrameFrom(b []byte) Frame {
	var f Frame
	n := copy(f.data[:MaxFrameSize-TailSize], b)
	f.size = clampSize(n + TailSize)
	return f
}

func clampSize(size int) int {
	if size < MinFrameSize {
		return MinFrameSize
	}
	if size > MaxFrameSize {
		return MaxFrameSize
	}
	return size
}

// Size 帧的逻辑长度（含尾部）
func (f *Frame) Size() int {
	return f.size
}

// Bytes 返回整个逻辑帧，包括尾部
func (f *Frame) Bytes() []byte {
	return f.data[:f.size]
}

// Wire 返回需要交给网卡发送的字节，不含CRC
func (f *Frame) Wire() []byte {
	return f.data[:f.size-TailSize]
}

// Data 返回负载区域 [HeaderSize, size-TailSize)
func (f *Frame) Data() []byte {
	return f.data[HeaderSize : f.size-TailSize]
}

// DataSize 负载的长度
func (f *Frame) DataSize() int {
	return f.size - HeaderSize - TailSize
}

// grow 保证负载区至少覆盖到end，返回实际可用的end
func (f *Frame) grow(end int) int {
	if end > MaxDataSize {
		end = MaxDataSize
	}
	if need := HeaderSize + end + TailSize; need > f.size {
		f.size = clampSize(need)
	}
	return end
}

// Set 在负载偏移off处写入size字节（1/2/4/8）的整数。
// reversed为false时按主机序（小端）写，为true时翻转成网络序
func (f *Frame) Set(off int, value uint64, size int, reversed bool) {
	var b [8]byte
	if reversed {
		binary.BigEndian.PutUint64(b[:], value)
		f.SetData(b[8-size:], off)
		return
	}
	binary.LittleEndian.PutUint64(b[:], value)
	f.SetData(b[:size], off)
}

// Get 读取负载偏移off处size字节的整数，reversed含义同Set
func (f *Frame) Get(off int, size int, reversed bool) uint64 {
	var b [8]byte
	if reversed {
		f.GetData(b[8-size:], off)
		return binary.BigEndian.Uint64(b[:])
	}
	f.GetData(b[:size], off)
	return binary.LittleEndian.Uint64(b[:])
}

// SetData 把src拷贝到负载偏移off处，必要时增大逻辑长度，超过最大帧的部分丢弃
func (f *Frame) SetData(src []byte, off int) {
	if off < 0 || off >= MaxDataSize {
		return
	}
	end := f.grow(off + len(src))
	copy(f.data[HeaderSize+off:HeaderSize+end], src)
}

// GetData 从负载偏移off处读出到dst，返回读取的字节数
func (f *Frame) GetData(dst []byte, off int) int {
	if off < 0 || off >= f.DataSize() {
		return 0
	}
	return copy(dst, f.data[HeaderSize+off:f.size-TailSize])
}

// InsertData 在负载偏移off处插入src，后面的字节整体后移
func (f *Frame) InsertData(off int, src []byte) {
	dataSize := f.DataSize()
	if off < 0 || off > dataSize || len(src) == 0 {
		return
	}
	end := f.grow(dataSize + len(src))
	// 后移，落到最大帧之外的字节直接丢弃
	if off+len(src) < end {
		copy(f.data[HeaderSize+off+len(src):HeaderSize+end], f.data[HeaderSize+off:HeaderSize+dataSize])
	}
	copy(f.data[HeaderSize+off:HeaderSize+end], src)
}

// EraseData 删除负载偏移off处的n个字节，后面的字节前移，空出来的位置清0
func (f *Frame) EraseData(off, n int) {
	dataSize := f.DataSize()
	if off < 0 || off >= dataSize || n <= 0 {
		return
	}
	if off+n > dataSize {
		n = dataSize - off
	}
	copy(f.data[HeaderSize+off:], f.data[HeaderSize+off+n:HeaderSize+dataSize])
	clear(f.data[HeaderSize+dataSize-n : HeaderSize+dataSize])
	f.size = clampSize(f.size - n)
}

// Resize 调整整个帧的逻辑长度（含头和尾），缩小时多出来的字节清0
func (f *Frame) Resize(size int) {
	size = clampSize(size)
	if size < f.size {
		clear(f.data[size-TailSize : f.size])
	}
	f.size = size
}

// ResizeData 按负载长度调整帧
func (f *Frame) ResizeData(n int) {
	f.Resize(HeaderSize + n + TailSize)
}

// Clear 清空成最小的全0帧
func (f *Frame) Clear() {
	*f = NewFrame()
}

// Dump 以十六进制表格输出整个帧
func (f *Frame) Dump(w io.Writer) {
	const border = "+------+-------------------------------------------------+------------------+\n"
	src := f.Bytes()
	fmt.Fprint(w, border)
	for off := 0; off < len(src); off += 16 {
		fmt.Fprintf(w, "| %04x | ", off)
		for i := 0; i < 16; i++ {
			if off+i < len(src) {
				fmt.Fprintf(w, "%02x ", src[off+i])
			} else {
				fmt.Fprint(w, "   ")
			}
		}
		fmt.Fprint(w, "| ")
		for i := 0; i < 16; i++ {
			switch {
			case off+i >= len(src):
				fmt.Fprint(w, " ")
			case src[off+i] > 0x1f && src[off+i] < 0x7f:
				fmt.Fprintf(w, "%c", src[off+i])
			default:
				fmt.Fprint(w, ".")
			}
		}
		fmt.Fprint(w, " |\n")
	}
	fmt.Fprint(w, border)
}
