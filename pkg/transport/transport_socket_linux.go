//go:build linux

package transport

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// setSockOptReusePort включает SO_REUSEPORT для множественных сокетов на
// одном порту (Linux). Ядро распределяет нагрузку между ними само.
func setSockOptReusePort(fd int) error {
	return syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, unix.SO_REUSEPORT, 1)
}

// setSockOptBindToDevice привязывает сокет к сетевому интерфейсу (только
// Linux). Полезно для многодомных источников.
func setSockOptBindToDevice(fd int, device string) error {
	return syscall.SetsockoptString(fd, syscall.SOL_SOCKET, unix.SO_BINDTODEVICE, device)
}

// setSockOptDSCP устанавливает DSCP маркировку для QoS (Linux)
func setSockOptDSCP(fd, dscp int) error {
	// DSCP занимает старшие 6 бит поля TOS
	tos := dscp << 2

	if err := syscall.SetsockoptInt(fd, syscall.IPPROTO_IP, syscall.IP_TOS, tos); err != nil {
		// Некоторые контейнеры запрещают установку TOS
		return nil
	}
	syscall.SetsockoptInt(fd, syscall.IPPROTO_IPV6, unix.IPV6_TCLASS, tos) //nolint:errcheck
	return nil
}

// setSockOptAudioOptimizations применяет Linux-специфичные оптимизации
// для аудио трафика
func setSockOptAudioOptimizations(fd int) error {
	// Высокий приоритет сокета для интерактивного аудио
	syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, unix.SO_PRIORITY, 6) //nolint:errcheck

	// Увеличенные буферы против дропов в пиковые моменты
	syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_RCVBUF, 1<<16) //nolint:errcheck
	syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_SNDBUF, 1<<16) //nolint:errcheck
	return nil
}
