//go:build linux

// Package rawfile contains utilities for using the stack with raw host
// files on Linux hosts.
package rawfile

import (
	"unsafe"

	"golang.org/x/sys/unix"

	tcpip "github.com/qxcheng/kernel-net/protocol"
)

var translations = map[unix.Errno]*tcpip.Error{
	unix.EEXIST:        tcpip.ErrDuplicateAddress,
	unix.ENETUNREACH:   tcpip.ErrNoRoute,
	unix.EADDRNOTAVAIL: tcpip.ErrBadLocalAddress,
	unix.EWOULDBLOCK:   tcpip.ErrWouldBlock,
	unix.ETIMEDOUT:     tcpip.ErrTimeout,
	unix.ENOTSUP:       tcpip.ErrNotSupported,
	unix.EMSGSIZE:      tcpip.ErrMessageTooLong,
	unix.ENOBUFS:       tcpip.ErrNoBufferSpace,
	unix.EBADF:         tcpip.ErrAdapterClosed,
	unix.EIO:           tcpip.ErrDeviceError,
}

// TranslateErrno translate an errno from the unix package into a
// *tcpip.Error. Unknown errnos become ErrDeviceError.
func TranslateErrno(e unix.Errno) *tcpip.Error {
	if err, ok := translations[e]; ok {
		return err
	}
	return tcpip.ErrDeviceError
}

// NonBlockingWrite writes the given buffer to a file descriptor. It fails if
// partial data is written.
func NonBlockingWrite(fd int, buf []byte) *tcpip.Error {
	var ptr unsafe.Pointer
	if len(buf) > 0 {
		ptr = unsafe.Pointer(&buf[0])
	}
	_, _, e := unix.RawSyscall(unix.SYS_WRITE, uintptr(fd), uintptr(ptr), uintptr(len(buf)))
	if e != 0 {
		return TranslateErrno(e)
	}
	return nil
}

// NonBlockingRead 非阻塞地读一个帧，没有数据时返回ErrWouldBlock
func NonBlockingRead(fd int, b []byte) (int, *tcpip.Error) {
	n, _, e := unix.RawSyscall(unix.SYS_READ, uintptr(fd), uintptr(unsafe.Pointer(&b[0])), uintptr(len(b)))
	if e != 0 {
		return 0, TranslateErrno(e)
	}
	return int(n), nil
}

// BlockingRead reads from a file descriptor that is set up as non-blocking. If
// no data is available, it will block in a poll() syscall until the file
// descriptor becomes readable.
func BlockingRead(fd int, b []byte) (int, *tcpip.Error) {
	for {
		n, err := NonBlockingRead(fd, b)
		if err != tcpip.ErrWouldBlock {
			return n, err
		}
		if _, err := PollReadable(fd, -1); err != nil {
			return 0, err
		}
	}
}

// PollReadable 等待fd可读，最多timeoutMs毫秒（-1表示一直等）
func PollReadable(fd int, timeoutMs int) (bool, *tcpip.Error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, timeoutMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, TranslateErrno(err.(unix.Errno))
		}
		if n == 0 {
			return false, nil
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			return false, tcpip.ErrAdapterClosed
		}
		return fds[0].Revents&unix.POLLIN != 0, nil
	}
}

// GetMTU determines the MTU of a network interface device.
func GetMTU(name string) (uint32, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return 0, err
	}
	defer unix.Close(fd)

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return 0, err
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCGIFMTU, ifr); err != nil {
		return 0, err
	}
	return ifr.Uint32(), nil
}
