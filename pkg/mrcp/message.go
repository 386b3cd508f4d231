// Package mrcp реализует модель сообщений MRCPv2 (RFC 6787): разбор стартовой
// строки запросов, ответов и событий, заголовки, тело и сериализацию с
// корректным self-inclusive message-length.
//
// Пакет не зависит от транспорта: канал управления (TCP/TLS) читает байты и
// передает их в StreamParser, который выделяет из потока целые сообщения.
package mrcp

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Version версия протокола, которую формирует и принимает пакет
const Version = "MRCP/2.0"

// MessageType тип MRCP сообщения
type MessageType int

const (
	MessageTypeRequest MessageType = iota
	MessageTypeResponse
	MessageTypeEvent
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeRequest:
		return "request"
	case MessageTypeResponse:
		return "response"
	case MessageTypeEvent:
		return "event"
	default:
		return "unknown"
	}
}

// RequestState состояние запроса в ответах и событиях
type RequestState string

const (
	RequestStateComplete   RequestState = "COMPLETE"
	RequestStateInProgress RequestState = "IN-PROGRESS"
	RequestStatePending    RequestState = "PENDING"
)

// Методы и события ресурса speechrecog, используемые мостом
const (
	MethodRecognize          = "RECOGNIZE"
	MethodStop               = "STOP"
	MethodDefineGrammar      = "DEFINE-GRAMMAR"
	MethodSetParams          = "SET-PARAMS"
	EventStartOfInput        = "START-OF-INPUT"
	EventRecognitionComplete = "RECOGNITION-COMPLETE"
	EventRecognitionInterim  = "INTERIM-RESULT"
)

// Имена заголовков
const (
	HeaderChannelIdentifier = "Channel-Identifier"
	HeaderCompletionCause   = "Completion-Cause"
	HeaderContentType       = "Content-Type"
	HeaderContentLength     = "Content-Length"
)

// Header один заголовок MRCP сообщения. Порядок заголовков сохраняется.
type Header struct {
	Name  string
	Value string
}

// Message MRCPv2 сообщение.
//
// Для запроса заполняются Method и RequestID, для ответа - RequestID,
// StatusCode и RequestState, для события - Method (имя события), RequestID
// и RequestState.
type Message struct {
	Type         MessageType
	Version      string
	Length       int // message-length из стартовой строки (0 для собранных вручную)
	Method       string
	RequestID    uint32
	StatusCode   int
	RequestState RequestState
	Headers      []Header
	Body         []byte
}

// NewRequest создает запрос к ресурсу канала
func NewRequest(method string, requestID uint32, channelID string) *Message {
	m := &Message{
		Type:      MessageTypeRequest,
		Version:   Version,
		Method:    method,
		RequestID: requestID,
	}
	if channelID != "" {
		m.SetHeader(HeaderChannelIdentifier, channelID)
	}
	return m
}

// Header возвращает значение заголовка без учета регистра имени
func (m *Message) Header(name string) (string, bool) {
	for _, h := range m.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// SetHeader заменяет значение заголовка или добавляет новый
func (m *Message) SetHeader(name, value string) {
	for i, h := range m.Headers {
		if strings.EqualFold(h.Name, name) {
			m.Headers[i].Value = value
			return
		}
	}
	m.Headers = append(m.Headers, Header{Name: name, Value: value})
}

// ChannelID возвращает Channel-Identifier
func (m *Message) ChannelID() string {
	v, _ := m.Header(HeaderChannelIdentifier)
	return v
}

// IsEvent проверяет, что сообщение является событием с указанным именем
func (m *Message) IsEvent(name string) bool {
	return m.Type == MessageTypeEvent && strings.EqualFold(m.Method, name)
}

// CompletionCause разбирает заголовок Completion-Cause
func (m *Message) CompletionCause() (CompletionCause, bool) {
	v, ok := m.Header(HeaderCompletionCause)
	if !ok {
		return CompletionCause{}, false
	}
	cc, err := ParseCompletionCause(v)
	if err != nil {
		return CompletionCause{}, false
	}
	return cc, true
}

// Marshal сериализует сообщение. message-length вычисляется заново и
// включает собственные цифры.
func (m *Message) Marshal() []byte {
	var tail bytes.Buffer
	hasLength := false
	for _, h := range m.Headers {
		if strings.EqualFold(h.Name, HeaderContentLength) {
			hasLength = true
			tail.WriteString(h.Name + ": " + strconv.Itoa(len(m.Body)) + "\r\n")
			continue
		}
		tail.WriteString(h.Name + ": " + h.Value + "\r\n")
	}
	if !hasLength && len(m.Body) > 0 {
		tail.WriteString(HeaderContentLength + ": " + strconv.Itoa(len(m.Body)) + "\r\n")
	}
	tail.WriteString("\r\n")
	tail.Write(m.Body)

	version := m.Version
	if version == "" {
		version = Version
	}
	prefix := version + " "
	suffix := " " + m.startLineSuffix() + "\r\n"

	base := len(prefix) + len(suffix) + tail.Len()
	total := base + 1
	for base+len(strconv.Itoa(total)) != total {
		total = base + len(strconv.Itoa(total))
	}

	out := make([]byte, 0, total)
	out = append(out, prefix...)
	out = strconv.AppendInt(out, int64(total), 10)
	out = append(out, suffix...)
	out = append(out, tail.Bytes()...)
	return out
}

func (m *Message) startLineSuffix() string {
	switch m.Type {
	case MessageTypeResponse:
		return fmt.Sprintf("%d %03d %s", m.RequestID, m.StatusCode, m.RequestState)
	case MessageTypeEvent:
		return fmt.Sprintf("%s %d %s", m.Method, m.RequestID, m.RequestState)
	default:
		return fmt.Sprintf("%s %d", m.Method, m.RequestID)
	}
}

// String краткое описание для логов
func (m *Message) String() string {
	switch m.Type {
	case MessageTypeResponse:
		return fmt.Sprintf("response %d %03d %s", m.RequestID, m.StatusCode, m.RequestState)
	case MessageTypeEvent:
		return fmt.Sprintf("event %s %d %s", m.Method, m.RequestID, m.RequestState)
	default:
		return fmt.Sprintf("request %s %d", m.Method, m.RequestID)
	}
}

// CompletionCause значение заголовка Completion-Cause, например "000 success"
type CompletionCause struct {
	Code int
	Text string
}

// Success возвращает true для кода 000
func (c CompletionCause) Success() bool { return c.Code == 0 }

// ParseCompletionCause разбирает "NNN text"
func ParseCompletionCause(v string) (CompletionCause, error) {
	v = strings.TrimSpace(v)
	code, text, _ := strings.Cut(v, " ")
	n, err := strconv.Atoi(code)
	if err != nil || n < 0 {
		return CompletionCause{}, fmt.Errorf("некорректный Completion-Cause: %q", v)
	}
	return CompletionCause{Code: n, Text: strings.TrimSpace(text)}, nil
}
