package mailmsg

import (
	"bufio"
	"bytes"
	"net/textproto"
	"strings"
)

// DeliveryStatus holds the per-recipient fields of a
// message/delivery-status report part.
type DeliveryStatus struct {
	Action         string
	Status         string
	DiagnosticCode string
	FinalRecipient string
}

// Permanent reports whether the status code signals a permanent
// failure (5.x.x).
func (d *DeliveryStatus) Permanent() bool {
	return strings.HasPrefix(d.Status, "5.")
}

// DeliveryStatus extracts the delivery-status report from a
// non-delivery notification, or nil when the message carries none.
func (m *Message) DeliveryStatus() *DeliveryStatus {
	for _, att := range m.Attachments {
		if att.MIMEType != "message/delivery-status" {
			continue
		}
		if ds := parseDeliveryStatus(att.Data); ds != nil {
			return ds
		}
	}
	return nil
}

// parseDeliveryStatus reads the field groups of a delivery-status
// body. The first group describes the reporting MTA; recipient groups
// follow, each separated by a blank line. The first recipient group
// that carries a Status field wins.
func parseDeliveryStatus(data []byte) *DeliveryStatus {
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(data)))
	for {
		hdr, err := tp.ReadMIMEHeader()
		if len(hdr) == 0 {
			if err != nil {
				return nil
			}
			continue
		}
		if status := hdr.Get("Status"); status != "" {
			return &DeliveryStatus{
				Action:         hdr.Get("Action"),
				Status:         status,
				DiagnosticCode: hdr.Get("Diagnostic-Code"),
				FinalRecipient: recipientAddress(hdr.Get("Final-Recipient")),
			}
		}
		if err != nil {
			return nil
		}
	}
}

// recipientAddress strips the "rfc822;" prefix from a Final-Recipient
// value.
func recipientAddress(value string) string {
	if i := strings.Index(value, ";"); i >= 0 {
		value = value[i+1:]
	}
	return strings.ToLower(strings.TrimSpace(value))
}
