package store

import "github.com/matheus3301/palaver/internal/chat"

// SearchMessages performs a full-text search on cached message bodies,
// optionally limited to one conversation.
func (db *DB) SearchMessages(query string, partner chat.UserID, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT m.msg_id, m.client_temp_id, m.sender_id, m.receiver_id, m.body,
		       m.attachments, m.state, m.error_message, m.created_at,
		       m.partner_id, snippet(messages_fts, 0, '<<', '>>', '...', 32)
		FROM messages_fts f
		JOIN messages m ON m.id = f.rowid
		WHERE messages_fts MATCH ?`

	args := []any{query}
	if !partner.IsZero() {
		q += " AND m.partner_id = ?"
		args = append(args, partner.String())
	}
	q += " ORDER BY rank LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var (
			r       SearchResult
			partner string
		)
		m, err := scanMessage(rows, &partner, &r.Snippet)
		if err != nil {
			return nil, err
		}
		r.Message = m
		r.Partner = chat.UserID(partner)
		results = append(results, r)
	}
	return results, rows.Err()
}
