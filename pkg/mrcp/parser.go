package mrcp

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrIncomplete сообщение еще не получено целиком
var ErrIncomplete = errors.New("mrcp: неполное сообщение")

// Parse разбирает одно полное MRCPv2 сообщение
func Parse(raw []byte) (*Message, error) {
	boundary := bytes.Index(raw, []byte("\r\n\r\n"))
	if boundary < 0 {
		return nil, fmt.Errorf("mrcp: нет границы заголовков: %w", ErrIncomplete)
	}

	lines := strings.Split(string(raw[:boundary]), "\r\n")
	msg, err := parseStartLine(lines[0])
	if err != nil {
		return nil, err
	}

	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("mrcp: некорректный заголовок %q", line)
		}
		msg.Headers = append(msg.Headers, Header{
			Name:  strings.TrimSpace(name),
			Value: strings.TrimSpace(value),
		})
	}

	body := raw[boundary+4:]
	if v, ok := msg.Header(HeaderContentLength); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("mrcp: некорректный Content-Length %q", v)
		}
		if len(body) < n {
			return nil, fmt.Errorf("mrcp: тело %d из %d байт: %w", len(body), n, ErrIncomplete)
		}
		body = body[:n]
	}
	if len(body) > 0 {
		msg.Body = append([]byte(nil), body...)
	}

	return msg, nil
}

// parseStartLine определяет тип сообщения по стартовой строке:
//
//	request:  MRCP/2.0 length method request-id
//	response: MRCP/2.0 length request-id status-code request-state
//	event:    MRCP/2.0 length event-name request-id request-state
func parseStartLine(line string) (*Message, error) {
	tokens := strings.Fields(line)
	if len(tokens) < 4 {
		return nil, fmt.Errorf("mrcp: некорректная стартовая строка %q", line)
	}
	if !strings.HasPrefix(tokens[0], "MRCP/") {
		return nil, fmt.Errorf("mrcp: неизвестная версия %q", tokens[0])
	}

	length, err := strconv.Atoi(tokens[1])
	if err != nil || length <= 0 {
		return nil, fmt.Errorf("mrcp: некорректный message-length %q", tokens[1])
	}

	msg := &Message{Version: tokens[0], Length: length}

	switch len(tokens) {
	case 4:
		id, err := parseRequestID(tokens[3])
		if err != nil {
			return nil, err
		}
		msg.Type = MessageTypeRequest
		msg.Method = tokens[2]
		msg.RequestID = id
	case 5:
		if id, err := strconv.ParseUint(tokens[2], 10, 32); err == nil {
			status, err := strconv.Atoi(tokens[3])
			if err != nil {
				return nil, fmt.Errorf("mrcp: некорректный status-code %q", tokens[3])
			}
			msg.Type = MessageTypeResponse
			msg.RequestID = uint32(id)
			msg.StatusCode = status
		} else {
			id, err := parseRequestID(tokens[3])
			if err != nil {
				return nil, err
			}
			msg.Type = MessageTypeEvent
			msg.Method = tokens[2]
			msg.RequestID = id
		}
		msg.RequestState = RequestState(tokens[4])
	default:
		return nil, fmt.Errorf("mrcp: некорректная стартовая строка %q", line)
	}

	return msg, nil
}

func parseRequestID(s string) (uint32, error) {
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("mrcp: некорректный request-id %q", s)
	}
	return uint32(id), nil
}
