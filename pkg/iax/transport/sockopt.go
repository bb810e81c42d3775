package transport

import (
	"fmt"
	"syscall"
)

// socketControl возвращает функцию для net.ListenConfig, которая
// устанавливает буферы, DSCP и SO_REUSEPORT до bind.
// Ошибки параметров не мешают открыть сокет, они передаются в report.
// Реализация setsockopt зависит от платформы (см. sockopt_*.go).
func socketControl(cfg Config, report func(error)) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var optErr error
		err := c.Control(func(fd uintptr) {
			optErr = applyFd(fd, cfg)
		})
		if err != nil {
			return fmt.Errorf("socket control: %w", err)
		}
		if optErr != nil && report != nil {
			report(optErr)
		}
		return nil
	}
}

func applyFd(fd uintptr, cfg Config) error {
	if cfg.ReusePort {
		if err := setReusePort(fd); err != nil {
			return fmt.Errorf("SO_REUSEPORT: %w", err)
		}
	}
	if err := setBuffers(fd, cfg.BufferSize); err != nil {
		return fmt.Errorf("buffers: %w", err)
	}
	if cfg.DSCP > 0 {
		if err := setDSCP(fd, cfg.DSCP); err != nil {
			return fmt.Errorf("DSCP %d: %w", cfg.DSCP, err)
		}
	}
	return setPriority(fd)
}
