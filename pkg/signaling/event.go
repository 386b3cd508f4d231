package signaling

import (
	"github.com/arzzra/mrcp_bridge/pkg/mrcp"
)

// EventType тип события для потребителя
type EventType string

const (
	EventResult  EventType = "result"
	EventClosed  EventType = "closed"
	EventError   EventType = "error"
	EventMessage EventType = "message"
)

// Stage стадия результата распознавания
type Stage string

const (
	StagePartial Stage = "partial"
	StageFinal   Stage = "final"
)

// Коды событий error
const (
	EventCodeRTPListenFailed = "RTP_LISTEN_FAILED"
	EventCodeRecognition     = "RECOGNITION_FAILED"
)

// Event событие, доставляемое подписчику handle
type Event struct {
	Type   EventType
	Handle Handle

	// result
	Stage           Stage
	Text            string
	LatencyMs       int64
	CompletionCause string

	// closed
	Reason string

	// error
	Code    string
	Message string

	// message
	MRCP *mrcp.Message
}

// ResultEvent событие с результатом распознавания
func ResultEvent(stage Stage, text string, latencyMs int64) Event {
	return Event{Type: EventResult, Stage: stage, Text: text, LatencyMs: latencyMs}
}

// ClosedEvent событие закрытия сессии
func ClosedEvent(reason string) Event {
	return Event{Type: EventClosed, Reason: reason}
}

// ErrorEvent событие ошибки на стороне производителя
func ErrorEvent(code, message string) Event {
	return Event{Type: EventError, Code: code, Message: message}
}

// eventFromMessage переводит входящее MRCP сообщение в событие.
// RECOGNITION-COMPLETE становится финальным результатом, остальное message.
func eventFromMessage(msg *mrcp.Message) Event {
	if !msg.IsEvent(mrcp.EventRecognitionComplete) {
		return Event{Type: EventMessage, MRCP: msg}
	}

	cc, ok := msg.CompletionCause()
	if ok && !cc.Success() {
		return Event{
			Type:            EventError,
			Code:            EventCodeRecognition,
			Message:         cc.Text,
			CompletionCause: cc.Text,
			MRCP:            msg,
		}
	}

	ev := ResultEvent(StageFinal, string(msg.Body), 0)
	if ok {
		ev.CompletionCause = cc.Text
	}
	ev.MRCP = msg
	return ev
}
