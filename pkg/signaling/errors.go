package signaling

import (
	"errors"
	"fmt"
)

// ErrorCode код ошибки, видимой вызывающему слою
type ErrorCode int

const (
	// ErrorCodeInvalidArgument некорректная или неполная конфигурация сессии
	ErrorCodeInvalidArgument ErrorCode = iota + 1
	// ErrorCodeInvalidHandle handle не существует или уже закрыт
	ErrorCodeInvalidHandle
	// ErrorCodeEngineInitFailure движок не удалось инициализировать
	ErrorCodeEngineInitFailure
	// ErrorCodeAlreadySubscribed на handle уже есть подписка
	ErrorCodeAlreadySubscribed
	// ErrorCodeResourceExhausted нет свободного RTP порта в диапазоне
	ErrorCodeResourceExhausted
)

// String возвращает строковое представление кода ошибки
func (code ErrorCode) String() string {
	switch code {
	case ErrorCodeInvalidArgument:
		return "InvalidArgument"
	case ErrorCodeInvalidHandle:
		return "InvalidHandle"
	case ErrorCodeEngineInitFailure:
		return "EngineInitFailure"
	case ErrorCodeAlreadySubscribed:
		return "AlreadySubscribed"
	case ErrorCodeResourceExhausted:
		return "ResourceExhausted"
	default:
		return fmt.Sprintf("Unknown(%d)", int(code))
	}
}

// Error ошибка операций контроллера сессий.
// Сравнение через errors.Is выполняется по коду.
type Error struct {
	Code    ErrorCode
	Handle  Handle
	Message string
	Wrapped error
}

// Error реализует интерфейс error
func (e *Error) Error() string {
	msg := e.Code.String()
	if e.Handle != 0 {
		msg = fmt.Sprintf("%s [handle %d]", msg, e.Handle)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Wrapped != nil {
		msg += ": " + e.Wrapped.Error()
	}
	return msg
}

// Unwrap возвращает обернутую ошибку
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// Is сравнивает ошибки по коду
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// Значения для сравнения через errors.Is
var (
	ErrInvalidArgument   = &Error{Code: ErrorCodeInvalidArgument}
	ErrInvalidHandle     = &Error{Code: ErrorCodeInvalidHandle}
	ErrEngineInitFailure = &Error{Code: ErrorCodeEngineInitFailure}
	ErrAlreadySubscribed = &Error{Code: ErrorCodeAlreadySubscribed}
	ErrResourceExhausted = &Error{Code: ErrorCodeResourceExhausted}
)

func newError(code ErrorCode, h Handle, wrapped error, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Handle:  h,
		Message: fmt.Sprintf(format, args...),
		Wrapped: wrapped,
	}
}

func invalidArgument(format string, args ...any) *Error {
	return newError(ErrorCodeInvalidArgument, 0, nil, format, args...)
}

func invalidHandle(h Handle) *Error {
	return newError(ErrorCodeInvalidHandle, h, nil, "сессия не найдена")
}

// CodeOf возвращает код ошибки или 0, если err не является *Error
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}
