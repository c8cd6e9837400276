// Утилита ручной проверки транспортного тракта: источник стримит
// тестовый тон на колонки, колонка принимает и печатает статистику.
//
// Запуск приемной стороны:
//
//	wavesync -mode recv -listen 127.0.0.1:7000 -clock system
//
// Запуск источника:
//
//	wavesync -mode send -target 127.0.0.1:7000 -duration 10s
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arzzra/wavesync/pkg/clock"
	"github.com/arzzra/wavesync/pkg/transport"
)

func main() {
	var (
		mode        = flag.String("mode", "recv", "Режим: send, recv")
		listenAddr  = flag.String("listen", "127.0.0.1:7000", "Локальный адрес")
		target      = flag.String("target", "", "Адрес колонки для отправки")
		clockKind   = flag.String("clock", "system", "Источник времени: system, ntp, ptp")
		clockPeer   = flag.String("clock-peer", "", "Пир синхронизации времени (host:port)")
		delay       = flag.Duration("delay", 0, "Настроенная задержка колонки")
		duration    = flag.Duration("duration", 10*time.Second, "Длительность отправки")
		metricsAddr = flag.String("metrics", "", "Адрес HTTP экспорта метрик (пусто = выключен)")
		debug       = flag.Bool("debug", false, "Подробное логирование")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	var metrics *transport.MetricsCollector
	if *metricsAddr != "" {
		metrics = transport.NewMetricsCollector(prometheus.DefaultRegisterer)
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
				log.Printf("Ошибка HTTP экспорта метрик: %v", err)
			}
		}()
	}

	clockCfg := clock.DefaultConfig()
	clockCfg.Peer = *clockPeer
	switch *clockKind {
	case "system":
		clockCfg.Kind = clock.KindSystem
	case "ntp":
		clockCfg.Kind = clock.KindNTP
	case "ptp":
		clockCfg.Kind = clock.KindPTP
	default:
		fmt.Printf("Неизвестный источник времени: %s\n", *clockKind)
		os.Exit(1)
	}

	switch *mode {
	case "recv":
		runReceiver(*listenAddr, *delay, clockCfg, metrics, logger)
	case "send":
		runSender(*listenAddr, *target, *duration, clockCfg, metrics, logger)
	default:
		fmt.Printf("Неизвестный режим: %s\n", *mode)
		fmt.Println("Доступные режимы: send, recv")
		os.Exit(1)
	}
}

// runReceiver принимает стрим и раз в секунду печатает статистику
func runReceiver(listenAddr string, delay time.Duration, clockCfg clock.Config, metrics *transport.MetricsCollector, logger *slog.Logger) {
	cfg := transport.DefaultSessionConfig()
	cfg.StreamID = "wavesync-recv"
	cfg.Direction = transport.DirectionRecv
	cfg.Transport.LocalAddr = listenAddr
	cfg.Receiver.SpeakerID = "local"
	cfg.Receiver.ConfiguredDelay = delay
	cfg.Clock = clockCfg
	cfg.Metrics = metrics
	cfg.Logger = logger

	frames := 0
	concealed := 0
	cfg.OnFrame = func(f transport.Frame) {
		frames++
		if f.Concealed {
			concealed++
		}
	}

	session, err := transport.NewSession(cfg)
	if err != nil {
		log.Fatalf("Ошибка создания сессии: %v", err)
	}
	if err := session.Start(context.Background()); err != nil {
		log.Fatalf("Ошибка запуска сессии: %v", err)
	}
	defer session.Stop() //nolint:errcheck

	log.Printf("Прием на %s, состояние %s", session.LocalAddr(), session.State())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sig:
			log.Printf("Остановка: кадров %d, из них concealed %d", frames, concealed)
			return
		case <-ticker.C:
			s := session.Stats()
			log.Printf("состояние=%s потеряно=%d восстановлено=%d concealed=%d jitter=%.1fms цель=%.0fms offset=%.2fms",
				session.State(), s.PacketsLost, s.PacketsRecovered, s.ConcealedFrames,
				s.JitterMs, s.TargetDelayMs, s.SyncOffsetMs)
		}
	}
}

// runSender стримит синусоиду 440 Гц кадрами по 20 мс
func runSender(listenAddr, target string, duration time.Duration, clockCfg clock.Config, metrics *transport.MetricsCollector, logger *slog.Logger) {
	if target == "" {
		log.Fatal("Для режима send требуется -target")
	}

	cfg := transport.DefaultSessionConfig()
	cfg.StreamID = "wavesync-send"
	cfg.Direction = transport.DirectionSend
	cfg.Transport.LocalAddr = listenAddr
	cfg.Transport.RemoteAddr = target
	cfg.Clock = clockCfg
	cfg.Metrics = metrics
	cfg.Logger = logger

	session, err := transport.NewSession(cfg)
	if err != nil {
		log.Fatalf("Ошибка создания сессии: %v", err)
	}
	if err := session.Start(context.Background()); err != nil {
		log.Fatalf("Ошибка запуска сессии: %v", err)
	}
	defer session.Stop() //nolint:errcheck

	log.Printf("Отправка на %s в течение %s", target, duration)

	// 48 кГц, s16le, моно: 960 сэмплов на 20 мс кадр
	const sampleRate = 48000
	const samplesPerFrame = sampleRate / 50
	block := make([]byte, samplesPerFrame*2)

	deadline := time.Now().Add(duration)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	phase := 0.0
	for now := range ticker.C {
		if now.After(deadline) {
			break
		}
		for i := 0; i < samplesPerFrame; i++ {
			v := int16(10000 * math.Sin(phase))
			block[2*i] = byte(v)
			block[2*i+1] = byte(v >> 8)
			phase += 2 * math.Pi * 440 / sampleRate
		}
		if err := session.SendBlock(block, samplesPerFrame); err != nil {
			log.Printf("Ошибка отправки блока: %v", err)
		}
	}

	s := session.Stats()
	log.Printf("Готово: отправлено %d пакетов", s.PacketsSent)
}
