package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// SendEmail validates every participant, allocates the next id and
// delivers the email to the sender's sent view and each recipient's
// inbox in a single transaction. A rejected send has no side effects and
// consumes no id. Duplicate recipients are dropped, first occurrence
// wins.
func (s *Store) SendEmail(sender string, recipients []string, subject, body string) (*Email, error) {
	recipients = dedupe(recipients)
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}

	tx, err := s.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin send: %w", err)
	}
	defer tx.Rollback()

	// Existence checks happen inside the transaction, before the insert,
	// so a rejection never touches the id sequence.
	for _, participant := range append([]string{sender}, recipients...) {
		var one int
		err := tx.QueryRow("SELECT 1 FROM User WHERE username = ?", participant).Scan(&one)
		if err == sql.ErrNoRows {
			return nil, ErrUnknownParticipant
		}
		if err != nil {
			return nil, fmt.Errorf("failed to validate participant: %w", err)
		}
	}

	now := time.Now().UnixMilli()
	res, err := tx.Exec(
		"INSERT INTO Email (sender, subject, body, created_at) VALUES (?, ?, ?, ?)",
		sender, subject, body, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert email: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	for i, recipient := range recipients {
		if _, err := tx.Exec(
			"INSERT INTO EmailRecipient (email_id, recipient, position) VALUES (?, ?, ?)",
			id, recipient, i,
		); err != nil {
			return nil, fmt.Errorf("failed to insert recipient: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit send: %w", err)
	}

	return &Email{
		ID:         id,
		Sender:     sender,
		Recipients: recipients,
		Subject:    subject,
		Body:       body,
		CreatedAt:  now,
	}, nil
}

// ListInbox returns the user's received emails in insertion order.
// Returns an empty slice for unknown users.
func (s *Store) ListInbox(username string) ([]*Email, error) {
	return s.queryEmails(
		`SELECT e.id, e.sender, e.subject, e.body, e.created_at
		 FROM Email e
		 JOIN EmailRecipient r ON r.email_id = e.id
		 WHERE r.recipient = ?
		 ORDER BY e.id`,
		username,
	)
}

// ListSent returns the user's sent emails in insertion order.
// Returns an empty slice for unknown users.
func (s *Store) ListSent(username string) ([]*Email, error) {
	return s.queryEmails(
		`SELECT id, sender, subject, body, created_at
		 FROM Email
		 WHERE sender = ?
		 ORDER BY id`,
		username,
	)
}

// SearchInbox returns inbox emails whose sender, subject or body
// contains term, case-insensitively.
func (s *Store) SearchInbox(username, term string) ([]*Email, error) {
	emails, err := s.ListInbox(username)
	if err != nil {
		return nil, err
	}

	term = strings.ToLower(term)
	matches := make([]*Email, 0)
	for _, email := range emails {
		if containsFold(email.Sender, term) ||
			containsFold(email.Subject, term) ||
			containsFold(email.Body, term) {
			matches = append(matches, email)
		}
	}
	return matches, nil
}

// SearchSent returns sent emails whose recipients, subject or body
// contains term, case-insensitively.
func (s *Store) SearchSent(username, term string) ([]*Email, error) {
	emails, err := s.ListSent(username)
	if err != nil {
		return nil, err
	}

	term = strings.ToLower(term)
	matches := make([]*Email, 0)
	for _, email := range emails {
		if anyContainsFold(email.Recipients, term) ||
			containsFold(email.Subject, term) ||
			containsFold(email.Body, term) {
			matches = append(matches, email)
		}
	}
	return matches, nil
}

// GetEmail returns the email with the given id if the requesting user is
// its sender or one of its recipients; ErrEmailNotFound otherwise. For a
// recipient, the fetch marks the email viewed for that user; the mark is
// idempotent and the sender's fetches never change view state.
func (s *Store) GetEmail(id int64, requestingUser string) (*Email, error) {
	tx, err := s.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin read: %w", err)
	}
	defer tx.Rollback()

	email := &Email{}
	err = tx.QueryRow(
		"SELECT id, sender, subject, body, created_at FROM Email WHERE id = ?", id,
	).Scan(&email.ID, &email.Sender, &email.Subject, &email.Body, &email.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrEmailNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(
		"SELECT recipient FROM EmailRecipient WHERE email_id = ? ORDER BY position", id,
	)
	if err != nil {
		return nil, err
	}
	isRecipient := false
	for rows.Next() {
		var recipient string
		if err := rows.Scan(&recipient); err != nil {
			rows.Close()
			return nil, err
		}
		if recipient == requestingUser {
			isRecipient = true
		}
		email.Recipients = append(email.Recipients, recipient)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Ownership check: absent ids and foreign emails are
	// indistinguishable to the caller.
	if email.Sender != requestingUser && !isRecipient {
		return nil, ErrEmailNotFound
	}

	if isRecipient {
		if _, err := tx.Exec(
			"UPDATE EmailRecipient SET viewed = 1 WHERE email_id = ? AND recipient = ?",
			id, requestingUser,
		); err != nil {
			return nil, fmt.Errorf("failed to mark viewed: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return email, nil
}

// ViewStatus returns each recipient's viewed flag for the given email.
// Returns ErrEmailNotFound for unknown ids.
func (s *Store) ViewStatus(id int64) (map[string]bool, error) {
	rows, err := s.conn.Query(
		"SELECT recipient, viewed FROM EmailRecipient WHERE email_id = ? ORDER BY position", id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	status := make(map[string]bool)
	for rows.Next() {
		var recipient string
		var viewed bool
		if err := rows.Scan(&recipient, &viewed); err != nil {
			return nil, err
		}
		status[recipient] = viewed
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(status) == 0 {
		return nil, ErrEmailNotFound
	}
	return status, nil
}

// queryEmails runs an email query and loads each email's recipient list.
func (s *Store) queryEmails(query string, args ...interface{}) ([]*Email, error) {
	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query emails: %w", err)
	}

	emails := make([]*Email, 0)
	for rows.Next() {
		email := &Email{}
		if err := rows.Scan(&email.ID, &email.Sender, &email.Subject, &email.Body, &email.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		emails = append(emails, email)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, email := range emails {
		recipients, err := s.loadRecipients(email.ID)
		if err != nil {
			return nil, err
		}
		email.Recipients = recipients
	}
	return emails, nil
}

func (s *Store) loadRecipients(emailID int64) ([]string, error) {
	rows, err := s.conn.Query(
		"SELECT recipient FROM EmailRecipient WHERE email_id = ? ORDER BY position", emailID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recipients []string
	for rows.Next() {
		var recipient string
		if err := rows.Scan(&recipient); err != nil {
			return nil, err
		}
		recipients = append(recipients, recipient)
	}
	return recipients, rows.Err()
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

func containsFold(haystack, lowerNeedle string) bool {
	return strings.Contains(strings.ToLower(haystack), lowerNeedle)
}

func anyContainsFold(haystacks []string, lowerNeedle string) bool {
	for _, h := range haystacks {
		if containsFold(h, lowerNeedle) {
			return true
		}
	}
	return false
}
