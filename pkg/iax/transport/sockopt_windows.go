//go:build windows

package transport

import "golang.org/x/sys/windows"

func setBuffers(fd uintptr, size int) error {
	h := windows.Handle(fd)
	if err := windows.SetsockoptInt(h, windows.SOL_SOCKET, windows.SO_RCVBUF, size); err != nil {
		return err
	}
	return windows.SetsockoptInt(h, windows.SOL_SOCKET, windows.SO_SNDBUF, size)
}

// setDSCP Windows часто требует прав администратора, ошибку не возвращаем
func setDSCP(fd uintptr, dscp int) error {
	_ = windows.SetsockoptInt(windows.Handle(fd), windows.IPPROTO_IP, windows.IP_TOS, dscp<<2)
	return nil
}

// setReusePort SO_REUSEPORT на Windows нет, используется SO_REUSEADDR
func setReusePort(fd uintptr) error {
	return windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
}

func setPriority(uintptr) error { return nil }
