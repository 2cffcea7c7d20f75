package replica

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// LinkReference records that a message UID (a Message-ID or one of the
// references it carried) belongs to a ticket. Duplicate links are
// ignored.
func (s *Store) LinkReference(ctx context.Context, mailboxID int64, messageUID string, ticketID int64) error {
	if messageUID == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO message_references (mailbox_id, message_uid, ticket_id, created_at)
VALUES (?, ?, ?, ?)`,
		mailboxID, messageUID, ticketID, time.Now())
	return errors.Wrap(err, "link reference")
}

// FindTicketByReferences resolves the first known ticket any of the
// given references points to, or 0 when none match. Lookup order
// follows the caller's reference order, so the earliest thread
// reference wins.
func (s *Store) FindTicketByReferences(ctx context.Context, mailboxID int64, refs []string) (int64, error) {
	if len(refs) == 0 {
		return 0, nil
	}
	placeholders := strings.Repeat("?,", len(refs)-1) + "?"
	query := `
SELECT message_uid, ticket_id FROM message_references
WHERE mailbox_id = ? AND message_uid IN (` + placeholders + `)`

	args := make([]any, 0, len(refs)+1)
	args = append(args, mailboxID)
	for _, ref := range refs {
		args = append(args, ref)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, errors.Wrap(err, "reference lookup")
	}
	defer rows.Close()

	found := map[string]int64{}
	for rows.Next() {
		var uid string
		var ticketID int64
		if err := rows.Scan(&uid, &ticketID); err != nil {
			return 0, errors.Wrap(err, "reference lookup")
		}
		if _, ok := found[uid]; !ok {
			found[uid] = ticketID
		}
	}
	if err := rows.Err(); err != nil {
		return 0, errors.Wrap(err, "reference lookup")
	}

	for _, ref := range refs {
		if ticketID, ok := found[ref]; ok {
			return ticketID, nil
		}
	}
	return 0, nil
}
