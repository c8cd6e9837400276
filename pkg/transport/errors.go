package transport

import (
	"errors"
	"fmt"
)

// ErrorCode определяет типизированные коды ошибок транспортного слоя.
// Позволяет классифицировать ошибки по категориям и обрабатывать их
// соответствующим образом: фатальные ошибки жизненного цикла сессии
// пробрасываются наружу, все per-packet сбои обрабатываются локально
// и считаются.
type ErrorCode int

const (
	// Ошибки сессии
	ErrorCodeSessionNotStarted ErrorCode = iota + 2000
	ErrorCodeSessionAlreadyStarted
	ErrorCodeSessionClosed
	ErrorCodeSessionInvalidConfig
	ErrorCodeSessionInvalidState

	// Ошибки транспорта (фатальные на старте)
	ErrorCodeTransportResolveFailed
	ErrorCodeTransportBindFailed
	ErrorCodeTransportClosed
	ErrorCodeTransportSendFailed

	// Ошибки управления колонками
	ErrorCodeSpeakerNotFound
	ErrorCodeSpeakerAlreadyExists

	// Ошибки данных
	ErrorCodeBlockTooLarge
)

// String возвращает строковое представление кода ошибки
func (code ErrorCode) String() string {
	switch code {
	case ErrorCodeSessionNotStarted:
		return "SessionNotStarted"
	case ErrorCodeSessionAlreadyStarted:
		return "SessionAlreadyStarted"
	case ErrorCodeSessionClosed:
		return "SessionClosed"
	case ErrorCodeSessionInvalidConfig:
		return "SessionInvalidConfig"
	case ErrorCodeSessionInvalidState:
		return "SessionInvalidState"
	case ErrorCodeTransportResolveFailed:
		return "TransportResolveFailed"
	case ErrorCodeTransportBindFailed:
		return "TransportBindFailed"
	case ErrorCodeTransportClosed:
		return "TransportClosed"
	case ErrorCodeTransportSendFailed:
		return "TransportSendFailed"
	case ErrorCodeSpeakerNotFound:
		return "SpeakerNotFound"
	case ErrorCodeSpeakerAlreadyExists:
		return "SpeakerAlreadyExists"
	case ErrorCodeBlockTooLarge:
		return "BlockTooLarge"
	default:
		return fmt.Sprintf("Unknown(%d)", int(code))
	}
}

// TransportError базовая структура ошибок транспортного слоя.
// Несет типизированный код, идентификатор стрима для сопоставления
// с логами и контекстную информацию.
type TransportError struct {
	Code     ErrorCode
	Message  string
	StreamID string
	Context  map[string]interface{}
	Wrapped  error
}

// Error реализует интерфейс error
func (e *TransportError) Error() string {
	base := fmt.Sprintf("[%s]", e.Code)
	if e.StreamID != "" {
		base += fmt.Sprintf(" stream=%s", e.StreamID)
	}
	base += " " + e.Message
	if e.Wrapped != nil {
		base += ": " + e.Wrapped.Error()
	}
	return base
}

// Unwrap возвращает обернутую ошибку для errors.Is/As
func (e *TransportError) Unwrap() error {
	return e.Wrapped
}

// WithContext добавляет контекстную пару к ошибке
func (e *TransportError) WithContext(key string, value interface{}) *TransportError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewError создает ошибку транспортного слоя
func NewError(code ErrorCode, streamID, message string) *TransportError {
	return &TransportError{
		Code:     code,
		Message:  message,
		StreamID: streamID,
	}
}

// WrapError оборачивает ошибку нижнего слоя
func WrapError(code ErrorCode, streamID, message string, err error) *TransportError {
	return &TransportError{
		Code:     code,
		Message:  message,
		StreamID: streamID,
		Wrapped:  err,
	}
}

// IsCode проверяет принадлежность ошибки коду
func IsCode(err error, code ErrorCode) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Code == code
	}
	return false
}

// ErrReceiveTimeout сигнальная ошибка: датаграмма не пришла за таймаут
// чтения. Receive цикл продолжает ожидание, это не сбой.
var ErrReceiveTimeout = errors.New("transport: таймаут приема")
