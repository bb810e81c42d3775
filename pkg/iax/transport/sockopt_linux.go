//go:build linux

package transport

import "golang.org/x/sys/unix"

func setBuffers(fd uintptr, size int) error {
	if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, size); err != nil {
		return err
	}
	return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, size)
}

// setDSCP DSCP занимает старшие 6 бит поля TOS
func setDSCP(fd uintptr, dscp int) error {
	tos := dscp << 2
	if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, tos); err != nil {
		return err
	}
	// для IPv4 сокета IPV6_TCLASS недоступен
	_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
	return nil
}

func setReusePort(fd uintptr) error {
	return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
}

// setPriority приоритет 6 для интерактивного голоса; в контейнерах может быть запрещен
func setPriority(fd uintptr) error {
	_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_PRIORITY, 6)
	return nil
}
