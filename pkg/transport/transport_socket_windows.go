//go:build windows

package transport

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// setSockOptReusePort Windows поддерживает только SO_REUSEADDR
func setSockOptReusePort(fd int) error {
	return windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
}

// setSockOptBindToDevice заглушка: Windows требует привязки через IP
// адрес интерфейса, а не имя устройства
func setSockOptBindToDevice(fd int, device string) error {
	return nil
}

// setSockOptDSCP устанавливает TOS поле (Windows может игнорировать его
// без настройки QoS политики)
func setSockOptDSCP(fd, dscp int) error {
	tos := dscp << 2
	windows.SetsockoptInt(windows.Handle(fd), windows.IPPROTO_IP, windows.IP_TOS, tos) //nolint:errcheck
	return nil
}

// setSockOptAudioOptimizations применяет Windows-специфичные оптимизации
func setSockOptAudioOptimizations(fd int) error {
	syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_RCVBUF, 1<<16) //nolint:errcheck
	syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_SNDBUF, 1<<16) //nolint:errcheck
	return nil
}
