package gateway

import (
	"bufio"
	"bytes"
	"errors"
	"net/http"
	"strings"
)

// Kind is the classification of a public connection.
type Kind int

const (
	KindInvalid Kind = iota
	KindHTTP
	KindUpgrade
)

func (k Kind) String() string {
	switch k {
	case KindHTTP:
		return "http"
	case KindUpgrade:
		return "upgrade"
	default:
		return "invalid"
	}
}

var errHeadTooLarge = errors.New("gateway: request head too large")

// Classify inspects a buffered request head (request line plus headers).
// A parseable request whose Upgrade header lists the websocket token is an
// upgrade; any other parseable request is plain HTTP.
func Classify(head []byte) Kind {
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(head)))
	if err != nil {
		return KindInvalid
	}
	for _, v := range req.Header.Values("Upgrade") {
		for _, tok := range strings.Split(v, ",") {
			name, _, _ := strings.Cut(strings.TrimSpace(tok), "/")
			if strings.EqualFold(name, "websocket") {
				return KindUpgrade
			}
		}
	}
	return KindHTTP
}

// peekHead peeks at br until the blank line ending the request head is
// buffered. Nothing is consumed. max bounds the head size and must not exceed
// br's buffer size.
func peekHead(br *bufio.Reader, max int) ([]byte, error) {
	for {
		buf, _ := br.Peek(br.Buffered())
		if end := headEnd(buf); end > 0 {
			return buf[:end], nil
		}
		if br.Buffered() >= max {
			return nil, errHeadTooLarge
		}
		if _, err := br.Peek(br.Buffered() + 1); err != nil {
			return nil, err
		}
	}
}

func headEnd(buf []byte) int {
	if i := bytes.Index(buf, []byte("\r\n\r\n")); i >= 0 {
		return i + 4
	}
	if i := bytes.Index(buf, []byte("\n\n")); i >= 0 {
		return i + 2
	}
	return -1
}
