package wire

import "errors"

// Ошибки разбора пакетов.
// Все ошибки формата не фатальны для потока: пакет отбрасывается и считается,
// битые данные от сети или злонамеренного пира не должны останавливать стрим.
var (
	// ErrTruncated данных меньше размера заголовка
	ErrTruncated = errors.New("wire: пакет обрезан")

	// ErrUnknownVersion версия протокола не распознана
	ErrUnknownVersion = errors.New("wire: неизвестная версия протокола")

	// ErrUnknownPayloadType тип payload не распознан
	ErrUnknownPayloadType = errors.New("wire: неизвестный тип payload")
)
