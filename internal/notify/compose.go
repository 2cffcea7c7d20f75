package notify

import (
	"bytes"
	"io"
	"time"

	"aaronromeo.com/mailclerk/pkg/base"
	"github.com/emersion/go-message/mail"
	"github.com/pkg/errors"
)

// Compose renders a notification as an RFC 5322 message with a plain
// text body and an optional attachment.
func Compose(n base.Notification) ([]byte, error) {
	var buf bytes.Buffer

	var header mail.Header
	header.SetDate(time.Now())
	header.SetSubject(n.Subject)
	if err := setAddress(&header, "From", n.From); err != nil {
		return nil, err
	}
	if err := setAddress(&header, "To", n.To); err != nil {
		return nil, err
	}
	header.Set("Auto-Submitted", "auto-replied")

	w, err := mail.CreateWriter(&buf, header)
	if err != nil {
		return nil, errors.Wrap(err, "create message writer")
	}

	var textHeader mail.InlineHeader
	textHeader.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	tw, err := w.CreateSingleInline(textHeader)
	if err != nil {
		return nil, errors.Wrap(err, "create text part")
	}
	if _, err := io.WriteString(tw, n.Body); err != nil {
		return nil, errors.Wrap(err, "write text part")
	}
	if err := tw.Close(); err != nil {
		return nil, errors.Wrap(err, "close text part")
	}

	if len(n.Attachment) > 0 {
		var attHeader mail.AttachmentHeader
		attHeader.SetFilename(n.AttachmentName)
		aw, err := w.CreateAttachment(attHeader)
		if err != nil {
			return nil, errors.Wrap(err, "create attachment part")
		}
		if _, err := aw.Write(n.Attachment); err != nil {
			return nil, errors.Wrap(err, "write attachment part")
		}
		if err := aw.Close(); err != nil {
			return nil, errors.Wrap(err, "close attachment part")
		}
	}

	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "close message writer")
	}
	return buf.Bytes(), nil
}

func setAddress(header *mail.Header, field, addr string) error {
	if addr == "" {
		return errors.Errorf("notification %s address is empty", field)
	}
	header.SetAddressList(field, []*mail.Address{{Address: addr}})
	return nil
}
