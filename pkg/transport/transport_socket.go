package transport

import "syscall"

// applySocketOptions применяет сокетные опции до bind.
// Опции best-effort: контейнеры и урезанные системы могут не поддерживать
// часть из них, это не мешает работе транспорта.
func applySocketOptions(c syscall.RawConn, cfg TransportConfig) error {
	return c.Control(func(fd uintptr) {
		if cfg.ReusePort {
			setSockOptReusePort(int(fd)) //nolint:errcheck
		}
		if cfg.DSCP > 0 {
			setSockOptDSCP(int(fd), cfg.DSCP) //nolint:errcheck
		}
		if cfg.Device != "" {
			setSockOptBindToDevice(int(fd), cfg.Device) //nolint:errcheck
		}
		setSockOptAudioOptimizations(int(fd)) //nolint:errcheck
	})
}
