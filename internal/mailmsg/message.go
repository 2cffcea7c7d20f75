// Package mailmsg decodes raw RFC 5322 payloads into the flat message
// model the pipeline steps operate on.
package mailmsg

import (
	"bytes"
	"io"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/pkg/errors"
)

func init() {
	gomessage.CharsetReader = charset.Reader
}

// Attachment is one decoded message part that is not the main body.
type Attachment struct {
	Filename string
	MIMEType string
	Data     []byte
	Inline   bool
}

// Message is the decoded form of one mail message.
type Message struct {
	MessageID   string
	InReplyTo   []string
	References  []string
	Subject     string
	From        string
	FromName    string
	To          []string
	Cc          []string
	Date        time.Time
	AutoReply   bool
	Body        string
	HTMLBody    string
	Attachments []Attachment
	Raw         []byte
}

// Size returns the on-wire size of the message in bytes.
func (m *Message) Size() int64 {
	return int64(len(m.Raw))
}

// AllReferences returns In-Reply-To and References merged, earliest
// reference first, without duplicates.
func (m *Message) AllReferences() []string {
	seen := make(map[string]struct{}, len(m.InReplyTo)+len(m.References))
	var out []string
	for _, ref := range append(append([]string{}, m.References...), m.InReplyTo...) {
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		out = append(out, ref)
	}
	return out
}

// Decode parses a raw message. It tolerates unknown charsets but fails
// on structurally broken payloads; such failures route through the
// reduced violation path instead of the full pipeline.
func Decode(raw []byte) (*Message, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return nil, errors.Wrap(err, "decode message")
	}

	msg := &Message{Raw: raw}
	header := mr.Header

	if id, err := header.MessageID(); err == nil && id != "" {
		msg.MessageID = "<" + id + ">"
	}
	if ids, err := header.MsgIDList("In-Reply-To"); err == nil {
		for _, id := range ids {
			msg.InReplyTo = append(msg.InReplyTo, "<"+id+">")
		}
	}
	if ids, err := header.MsgIDList("References"); err == nil {
		for _, id := range ids {
			msg.References = append(msg.References, "<"+id+">")
		}
	}
	if subject, err := header.Subject(); err == nil {
		msg.Subject = subject
	}
	if date, err := header.Date(); err == nil {
		msg.Date = date
	}
	if from, err := header.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = strings.ToLower(from[0].Address)
		msg.FromName = from[0].Name
	}
	msg.To = addressValues(header, "To")
	msg.Cc = addressValues(header, "Cc")
	msg.AutoReply = isAutoReply(header)

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if gomessage.IsUnknownCharset(err) {
				continue
			}
			return nil, errors.Wrap(err, "decode message part")
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			data, err := io.ReadAll(part.Body)
			if err != nil {
				return nil, errors.Wrap(err, "read message body")
			}
			mediaType, _, _ := h.ContentType()
			switch {
			case mediaType == "text/html":
				if msg.HTMLBody == "" {
					msg.HTMLBody = string(data)
				}
			case strings.HasPrefix(mediaType, "text/") || mediaType == "":
				if msg.Body == "" {
					msg.Body = string(data)
				}
			default:
				msg.Attachments = append(msg.Attachments, Attachment{
					MIMEType: mediaType,
					Data:     data,
					Inline:   true,
				})
			}
		case *mail.AttachmentHeader:
			data, err := io.ReadAll(part.Body)
			if err != nil {
				return nil, errors.Wrap(err, "read attachment")
			}
			filename, _ := h.Filename()
			mediaType, _, _ := h.ContentType()
			msg.Attachments = append(msg.Attachments, Attachment{
				Filename: filename,
				MIMEType: mediaType,
				Data:     data,
			})
		}
	}

	return msg, nil
}

func addressValues(header mail.Header, key string) []string {
	list, err := header.AddressList(key)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, addr := range list {
		out = append(out, strings.ToLower(addr.Address))
	}
	return out
}

// isAutoReply recognizes the usual auto-responder markers.
func isAutoReply(header mail.Header) bool {
	if v := header.Get("Auto-Submitted"); v != "" && !strings.EqualFold(v, "no") {
		return true
	}
	if v := header.Get("X-Autoreply"); strings.EqualFold(v, "yes") {
		return true
	}
	if v := header.Get("X-Autorespond"); v != "" {
		return true
	}
	if v := header.Get("Precedence"); strings.EqualFold(v, "auto_reply") {
		return true
	}
	return false
}
