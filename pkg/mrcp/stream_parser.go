package mrcp

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
)

const (
	// DefaultMaxMessageSize ограничение на размер одного сообщения
	DefaultMaxMessageSize = 512 * 1024
	// DefaultMaxStartLine ограничение на длину стартовой строки
	DefaultMaxStartLine = 1024
)

// StreamParser выделяет MRCPv2 сообщения из потока байт канала управления.
// Границы сообщений определяются по message-length из стартовой строки,
// поэтому в одном куске может прийти несколько сообщений или часть одного.
//
// После ошибки кадрирования буфер сбрасывается, и разбор продолжается со
// следующего куска. StreamParser не потокобезопасен.
type StreamParser struct {
	MaxMessageSize int

	buf []byte
}

// NewStreamParser создает парсер с ограничениями по умолчанию
func NewStreamParser() *StreamParser {
	return &StreamParser{MaxMessageSize: DefaultMaxMessageSize}
}

// Buffered количество байт, ожидающих продолжения сообщения
func (p *StreamParser) Buffered() int { return len(p.buf) }

// Push добавляет кусок потока и возвращает все сообщения, ставшие полными.
// Кадр с ошибкой разбора пропускается, разбор продолжается со следующего;
// возвращается первая ошибка.
func (p *StreamParser) Push(chunk []byte) ([]*Message, error) {
	p.buf = append(p.buf, chunk...)

	var (
		out      []*Message
		firstErr error
	)
	for {
		total, err := p.frameLength()
		if err != nil {
			p.buf = nil
			if firstErr == nil {
				firstErr = err
			}
			return out, firstErr
		}
		if total == 0 || len(p.buf) < total {
			return out, firstErr
		}

		raw := p.buf[:total]
		msg, err := Parse(raw)
		p.buf = append([]byte(nil), p.buf[total:]...)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out = append(out, msg)
	}
}

// frameLength возвращает message-length очередного сообщения или 0, если
// стартовая строка еще не получена
func (p *StreamParser) frameLength() (int, error) {
	end := bytes.Index(p.buf, []byte("\r\n"))
	if end < 0 {
		if len(p.buf) > DefaultMaxStartLine {
			return 0, fmt.Errorf("mrcp: стартовая строка длиннее %d байт", DefaultMaxStartLine)
		}
		return 0, nil
	}

	fields := bytes.Fields(p.buf[:end])
	if len(fields) < 2 || !bytes.HasPrefix(fields[0], []byte("MRCP/")) {
		return 0, fmt.Errorf("mrcp: потеряна синхронизация потока: %q", p.buf[:end])
	}
	n, err := strconv.Atoi(string(fields[1]))
	if err != nil || n <= end {
		return 0, fmt.Errorf("mrcp: некорректный message-length %q", fields[1])
	}

	limit := p.MaxMessageSize
	if limit <= 0 {
		limit = DefaultMaxMessageSize
	}
	if n > limit {
		return 0, fmt.Errorf("mrcp: сообщение %d байт превышает лимит %d", n, limit)
	}
	return n, nil
}

// ReadMessages читает поток r до EOF или ошибки и вызывает fn для каждого
// сообщения. Ошибки разбора передаются в onError и не прерывают чтение.
func ReadMessages(r io.Reader, fn func(*Message), onError func(error)) error {
	p := NewStreamParser()
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			msgs, perr := p.Push(buf[:n])
			for _, m := range msgs {
				fn(m)
			}
			if perr != nil && onError != nil {
				onError(perr)
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}
