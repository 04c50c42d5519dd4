package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/quillmail/quillmail/pkg/auth"
	"github.com/quillmail/quillmail/pkg/protocol"
	"github.com/quillmail/quillmail/pkg/store"
)

// handleLogin handles the LOGIN command.
func (s *Server) handleLogin(sess *Session, req *protocol.Request) {
	if req.Username == nil || req.Password == nil {
		s.sendError(sess, "Missing username or password")
		return
	}

	ok, err := s.store.Authenticate(*req.Username, *req.Password)
	if err != nil {
		s.logger.Error("authenticate failed", zap.Error(err))
		s.sendError(sess, "Internal server error")
		return
	}

	if !ok {
		s.metrics.RecordLogin(false)
		sess.Respond(&protocol.Response{Status: protocol.StatusLoginFailure})
		s.logger.Info("login failed", zap.String("username", *req.Username))
		return
	}

	sess.setAuthenticated(*req.Username)
	s.bindPresence(*req.Username, sess)
	s.metrics.RecordLogin(true)
	sess.Respond(&protocol.Response{
		Status:   protocol.StatusLoginSuccess,
		Username: *req.Username,
	})
	s.logger.Info("user logged in", zap.String("username", *req.Username))
}

// handleRegister handles the REGISTER command. A successful registration
// implicitly logs the user in.
func (s *Server) handleRegister(sess *Session, req *protocol.Request) {
	if req.Username == nil || req.Password == nil {
		s.sendError(sess, "Missing username or password")
		return
	}

	hash, err := auth.HashPassword(*req.Password)
	if err != nil {
		s.metrics.RecordRegistration(false)
		sess.Respond(&protocol.Response{
			Status: protocol.StatusRegisterFailure,
			Error:  "Invalid password",
		})
		return
	}

	ok, err := s.store.RegisterUser(*req.Username, hash)
	if err != nil {
		s.logger.Error("register failed", zap.Error(err))
		s.sendError(sess, "Internal server error")
		return
	}

	if !ok {
		s.metrics.RecordRegistration(false)
		sess.Respond(&protocol.Response{Status: protocol.StatusRegisterFailure})
		s.logger.Info("registration failed", zap.String("username", *req.Username))
		return
	}

	sess.setAuthenticated(*req.Username)
	s.bindPresence(*req.Username, sess)
	s.metrics.RecordRegistration(true)
	sess.Respond(&protocol.Response{
		Status:   protocol.StatusRegistered,
		Username: *req.Username,
	})
	s.logger.Info("user registered", zap.String("username", *req.Username))
}

// handleLogout handles the LOGOUT command.
func (s *Server) handleLogout(sess *Session) {
	username := sess.Username()
	s.sessions.UnbindUser(sess)
	sess.clearAuthenticated()
	sess.Respond(&protocol.Response{Status: protocol.StatusLogoutSuccess})
	s.logger.Info("user logged out", zap.String("username", username))
}

// handleExit handles the EXIT command in either state.
func (s *Server) handleExit(sess *Session) {
	sess.Respond(&protocol.Response{Status: protocol.StatusGoodbye})
	sess.terminate()
}

// handleSend handles the SEND command: validate, deliver, then push a
// best-effort notification to every online recipient.
func (s *Server) handleSend(sess *Session, req *protocol.Request) {
	if req.Recipient == nil || req.Subject == nil || req.Body == nil {
		s.sendError(sess, "Missing recipient, subject, or body")
		return
	}

	if s.config.MaxMessageLength > 0 && len(*req.Body) > s.config.MaxMessageLength {
		sess.Respond(&protocol.Response{
			Status: protocol.StatusSendFailure,
			Error:  fmt.Sprintf("Message too long (max %d bytes)", s.config.MaxMessageLength),
		})
		return
	}

	sender := sess.Username()
	recipients := parseRecipients(*req.Recipient)

	email, err := s.store.SendEmail(sender, recipients, *req.Subject, *req.Body)
	if err != nil {
		if errors.Is(err, store.ErrUnknownParticipant) || errors.Is(err, store.ErrNoRecipients) {
			s.metrics.RecordEmailRejected()
			sess.Respond(&protocol.Response{
				Status: protocol.StatusSendFailure,
				Error:  "One or more recipients not found",
			})
			s.logger.Info("send rejected",
				zap.String("sender", sender),
				zap.Strings("recipients", recipients))
			return
		}
		s.logger.Error("send failed", zap.Error(err))
		s.sendError(sess, "Internal server error")
		return
	}

	s.metrics.RecordEmailSent()
	sess.Respond(&protocol.Response{Status: protocol.StatusSent})
	s.logger.Info("email sent",
		zap.Int64("id", email.ID),
		zap.String("sender", sender),
		zap.Strings("recipients", email.Recipients))

	s.notifyRecipients(email)
}

// notifyRecipients pushes a NEW_EMAIL notification into each online
// recipient's output stream. Offline recipients are skipped; a full or
// closing peer drops the notification rather than blocking the sender.
func (s *Server) notifyRecipients(email *store.Email) {
	line, err := protocol.EncodeLine(&protocol.Notification{
		Notification: protocol.NotificationNewEmail,
		Sender:       email.Sender,
		Subject:      email.Subject,
	})
	if err != nil {
		s.logger.Error("failed to encode notification", zap.Error(err))
		return
	}

	for _, recipient := range email.Recipients {
		target, ok := s.sessions.LookupUser(recipient)
		if !ok {
			continue
		}
		delivered := target.TryNotify(line)
		s.metrics.RecordNotification(delivered)
		if !delivered {
			s.logger.Warn("notification dropped",
				zap.String("recipient", recipient),
				zap.Uint64("session", target.ID))
		}
	}
}

// handleListInbox handles the LIST_INBOX command.
func (s *Server) handleListInbox(sess *Session) {
	emails, err := s.store.ListInbox(sess.Username())
	if err != nil {
		s.logger.Error("list inbox failed", zap.Error(err))
		s.sendError(sess, "Internal server error")
		return
	}

	if len(emails) == 0 {
		sess.Respond(&protocol.Response{Status: protocol.StatusInboxEmpty})
		return
	}
	sess.Respond(&protocol.Response{
		Status: protocol.StatusInbox,
		Emails: inboxSummaries(emails),
	})
}

// handleSearchInbox handles the SEARCH_INBOX command.
func (s *Server) handleSearchInbox(sess *Session, req *protocol.Request) {
	if req.Term == nil {
		s.sendError(sess, "Missing search term")
		return
	}

	emails, err := s.store.SearchInbox(sess.Username(), *req.Term)
	if err != nil {
		s.logger.Error("search inbox failed", zap.Error(err))
		s.sendError(sess, "Internal server error")
		return
	}

	if len(emails) == 0 {
		sess.Respond(&protocol.Response{Status: protocol.StatusNoMatches})
		return
	}
	sess.Respond(&protocol.Response{
		Status: protocol.StatusSearchResults,
		Emails: inboxSummaries(emails),
	})
}

// handleListSent handles the LIST_SENT command. Each entry carries the
// per-recipient viewed map so the sender can render read receipts.
func (s *Server) handleListSent(sess *Session) {
	emails, err := s.store.ListSent(sess.Username())
	if err != nil {
		s.logger.Error("list sent failed", zap.Error(err))
		s.sendError(sess, "Internal server error")
		return
	}

	if len(emails) == 0 {
		sess.Respond(&protocol.Response{Status: protocol.StatusSentEmpty})
		return
	}

	summaries := make([]protocol.EmailSummary, 0, len(emails))
	for _, email := range emails {
		viewed, err := s.store.ViewStatus(email.ID)
		if err != nil {
			s.logger.Error("view status failed", zap.Int64("id", email.ID), zap.Error(err))
			s.sendError(sess, "Internal server error")
			return
		}
		summaries = append(summaries, sentSummary(email, viewed))
	}
	sess.Respond(&protocol.Response{
		Status: protocol.StatusSentList,
		Emails: summaries,
	})
}

// handleSearchSent handles the SEARCH_SENT command.
func (s *Server) handleSearchSent(sess *Session, req *protocol.Request) {
	if req.Term == nil {
		s.sendError(sess, "Missing search term")
		return
	}

	emails, err := s.store.SearchSent(sess.Username(), *req.Term)
	if err != nil {
		s.logger.Error("search sent failed", zap.Error(err))
		s.sendError(sess, "Internal server error")
		return
	}

	if len(emails) == 0 {
		sess.Respond(&protocol.Response{Status: protocol.StatusNoMatches})
		return
	}

	summaries := make([]protocol.EmailSummary, 0, len(emails))
	for _, email := range emails {
		summaries = append(summaries, sentSummary(email, nil))
	}
	sess.Respond(&protocol.Response{
		Status: protocol.StatusSearchSentResults,
		Emails: summaries,
	})
}

// handleRead handles the READ command. Fetching as a recipient marks the
// email viewed; the sender of a multi-recipient email additionally gets
// the per-recipient viewed map.
func (s *Server) handleRead(sess *Session, req *protocol.Request) {
	if req.ID == nil {
		s.sendError(sess, "Missing email ID")
		return
	}

	username := sess.Username()
	email, err := s.store.GetEmail(*req.ID, username)
	if err != nil {
		if errors.Is(err, store.ErrEmailNotFound) {
			sess.Respond(&protocol.Response{Status: protocol.StatusEmailNotFound})
			return
		}
		s.logger.Error("read failed", zap.Int64("id", *req.ID), zap.Error(err))
		s.sendError(sess, "Internal server error")
		return
	}

	detail := &protocol.EmailDetail{
		Sender:    email.Sender,
		Recipient: strings.Join(email.Recipients, ", "),
		Subject:   email.Subject,
		Body:      email.Body,
		Timestamp: formatTimestamp(email.CreatedAt),
	}

	if email.Sender == username && len(email.Recipients) > 1 {
		viewed, err := s.store.ViewStatus(email.ID)
		if err != nil {
			s.logger.Error("view status failed", zap.Int64("id", email.ID), zap.Error(err))
			s.sendError(sess, "Internal server error")
			return
		}
		detail.ViewedByRecipients = viewed
	}

	sess.Respond(&protocol.Response{
		Status: protocol.StatusEmailContent,
		Email:  detail,
	})
}

// sendError sends an ERROR response; transport failures surface through
// the session's own read loop, so the return value is deliberately
// dropped.
func (s *Server) sendError(sess *Session, message string) {
	sess.Respond(&protocol.Response{
		Status:  protocol.StatusError,
		Message: message,
	})
}

// bindPresence records sess as the live session for username and
// force-disconnects any superseded session for the same username.
func (s *Server) bindPresence(username string, sess *Session) {
	if previous := s.sessions.BindUser(username, sess); previous != nil {
		s.logger.Info("superseding live session",
			zap.String("username", username),
			zap.Uint64("old_session", previous.ID),
			zap.Uint64("new_session", sess.ID))
		previous.Disconnect()
	}
}

// parseRecipients splits the comma-separated recipient field, trimming
// whitespace. Empty elements are kept: they fail the directory check and
// reject the send, matching a recipient that does not exist.
func parseRecipients(raw string) []string {
	parts := strings.Split(raw, ",")
	for i, part := range parts {
		parts[i] = strings.TrimSpace(part)
	}
	return parts
}

func inboxSummaries(emails []*store.Email) []protocol.EmailSummary {
	summaries := make([]protocol.EmailSummary, 0, len(emails))
	for _, email := range emails {
		summaries = append(summaries, protocol.EmailSummary{
			ID:        email.ID,
			Sender:    email.Sender,
			Subject:   email.Subject,
			Timestamp: formatTimestamp(email.CreatedAt),
		})
	}
	return summaries
}

func sentSummary(email *store.Email, viewed map[string]bool) protocol.EmailSummary {
	return protocol.EmailSummary{
		ID:                 email.ID,
		Recipient:          strings.Join(email.Recipients, ", "),
		Subject:            email.Subject,
		Timestamp:          formatTimestamp(email.CreatedAt),
		ViewedByRecipients: viewed,
	}
}

func formatTimestamp(unixMilli int64) string {
	return time.UnixMilli(unixMilli).Format(protocol.TimestampFormat)
}
