//go:build darwin

package transport

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// setSockOptReusePort включает переиспользование порта на macOS.
// SO_REUSEADDR стабильнее, SO_REUSEPORT добавляется best-effort.
func setSockOptReusePort(fd int) error {
	if err := syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1); err != nil {
		return err
	}
	syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, unix.SO_REUSEPORT, 1) //nolint:errcheck
	return nil
}

// setSockOptBindToDevice заглушка: macOS не поддерживает SO_BINDTODEVICE
func setSockOptBindToDevice(fd int, device string) error {
	return nil
}

// setSockOptDSCP устанавливает DSCP маркировку для QoS (macOS)
func setSockOptDSCP(fd, dscp int) error {
	tos := dscp << 2
	if err := syscall.SetsockoptInt(fd, syscall.IPPROTO_IP, syscall.IP_TOS, tos); err != nil {
		return nil
	}
	syscall.SetsockoptInt(fd, syscall.IPPROTO_IPV6, unix.IPV6_TCLASS, tos) //nolint:errcheck
	return nil
}

// setSockOptAudioOptimizations применяет macOS-специфичные оптимизации
func setSockOptAudioOptimizations(fd int) error {
	syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_RCVBUF, 1<<16) //nolint:errcheck
	syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_SNDBUF, 1<<16) //nolint:errcheck
	return nil
}
