// Package engine описывает движок сигнализации и согласования медиа, с которым
// работает мост: клиент, сессии, каналы распознавания и асинхронные обратные
// вызовы на потоке движка.
//
// Пакет содержит только контракт и общую инфраструктуру (счетчик
// инициализации рантайма, раскладку каталогов, коррелятор). Реальный адаптер
// находится в пакете sip_binding, детерминированный двойник для тестов в
// mockEngine.
package engine

import (
	"fmt"

	"github.com/arzzra/mrcp_bridge/pkg/mrcp"
)

// Status результат операции сигнализации, сообщаемый движком
type Status int

const (
	StatusSuccess Status = iota
	StatusFailure
	StatusTerminated
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	case StatusTerminated:
		return "terminated"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MediaEndpoint одна сторона RTP потока из описания канала
type MediaEndpoint struct {
	IP      string
	Port    int
	PtimeMs int
}

// RTPDescriptor описание RTP терминации канала после согласования.
// Любая из сторон может отсутствовать.
type RTPDescriptor struct {
	Local  *MediaEndpoint
	Remote *MediaEndpoint
}

// ChannelParams параметры создаваемого канала распознавания
type ChannelParams struct {
	Resource    string // "speechrecog"
	Codec       string
	SampleRate  int
	PayloadType uint8
	PtimeMs     int
	LocalIP     string
	LocalPort   int
}

// SessionParams параметры создаваемой сессии
type SessionParams struct {
	ProfileID string
	// Endpoint адрес сервера host:port, если он отличается от профиля
	Endpoint string
}

// Handler обратные вызовы движка. Вызываются на потоках движка, возможно
// конкурентно с вызовами API и друг с другом.
type Handler interface {
	OnChannelAdd(c *Correlator, ch Channel, status Status, desc *RTPDescriptor)
	OnMessage(c *Correlator, ch Channel, msg *mrcp.Message)
	OnTerminate(c *Correlator, ch Channel)
}

// Binding точка входа в движок. Init и Deinit вызываются через Runtime,
// который считает ссылки открытых сессий.
type Binding interface {
	Init(layout DirLayout) error
	Deinit()
	NewClient(layout DirLayout) (Client, error)
}

// Client экземпляр клиентского стека движка
type Client interface {
	Start() error
	CreateSession(params SessionParams, c *Correlator, h Handler) (Session, error)
	Shutdown() error
}

// Session сессия сигнализации. Результат AddChannel сообщается
// асинхронно через Handler.OnChannelAdd.
type Session interface {
	CreateChannel(params ChannelParams) (Channel, error)
	AddChannel(ch Channel) error
	SendMessage(ch Channel, msg *mrcp.Message) error
	Terminate() error
	Destroy() error
}

// Channel непрозрачный канал ресурса
type Channel interface {
	ID() string
}
