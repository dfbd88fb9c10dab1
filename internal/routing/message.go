package routing

import (
	"bufio"
	"bytes"
	"mime"
	"net/mail"
	"net/textproto"
	"strings"
)

// Message is the part of a queued message routing rules can look at
type Message struct {
	From          string
	Subject       string
	Headers       textproto.MIMEHeader
	Size          int64
	HasAttachment bool
}

// ParseMessage extracts rule inputs from a raw message. Unparseable headers
// leave the header-based fields empty.
func ParseMessage(from string, raw []byte) *Message {
	msg := &Message{
		From:    from,
		Size:    int64(len(raw)),
		Headers: textproto.MIMEHeader{},
	}

	parsed, err := mail.ReadMessage(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return msg
	}
	msg.Headers = textproto.MIMEHeader(parsed.Header)
	msg.Subject = decodeHeader(parsed.Header.Get("Subject"))

	ct := strings.ToLower(parsed.Header.Get("Content-Type"))
	msg.HasAttachment = strings.HasPrefix(ct, "multipart/mixed") ||
		bytes.Contains(bytes.ToLower(raw), []byte("content-disposition: attachment"))
	return msg
}

func decodeHeader(v string) string {
	dec := new(mime.WordDecoder)
	if s, err := dec.DecodeHeader(v); err == nil {
		return s
	}
	return v
}
