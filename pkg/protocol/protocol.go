package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Commands a client may issue.
const (
	CmdLogin       = "LOGIN"
	CmdRegister    = "REGISTER"
	CmdSend        = "SEND"
	CmdListInbox   = "LIST_INBOX"
	CmdSearchInbox = "SEARCH_INBOX"
	CmdListSent    = "LIST_SENT"
	CmdSearchSent  = "SEARCH_SENT"
	CmdRead        = "READ"
	CmdLogout      = "LOGOUT"
	CmdExit        = "EXIT"
)

// Response status values.
const (
	StatusLoginSuccess      = "LOGIN_SUCCESS"
	StatusLoginFailure      = "LOGIN_FAILURE"
	StatusRegistered        = "REGISTERED"
	StatusRegisterFailure   = "REGISTER_FAILURE"
	StatusSent              = "SENT"
	StatusSendFailure       = "SEND_FAILURE"
	StatusInbox             = "INBOX"
	StatusInboxEmpty        = "INBOX_EMPTY"
	StatusSearchResults     = "SEARCH_RESULTS"
	StatusNoMatches         = "NO_MATCHES"
	StatusSentList          = "SENT_LIST"
	StatusSentEmpty         = "SENT_EMPTY"
	StatusSearchSentResults = "SEARCH_SENT_RESULTS"
	StatusEmailContent      = "EMAIL_CONTENT"
	StatusEmailNotFound     = "EMAIL_NOT_FOUND"
	StatusLogoutSuccess     = "LOGOUT_SUCCESS"
	StatusGoodbye           = "GOODBYE"
	StatusError             = "ERROR"
)

// NotificationNewEmail is the only out-of-band notification kind.
const NotificationNewEmail = "NEW_EMAIL"

// TimestampFormat is the wire format for email timestamps.
const TimestampFormat = "2006-01-02T15:04:05"

// MaxLineSize bounds a single request line (1MB).
const MaxLineSize = 1 << 20

var (
	// ErrMissingCommand indicates a request without a command field.
	ErrMissingCommand = errors.New("missing command field")
	// ErrLineTooLong indicates a request line exceeding MaxLineSize.
	ErrLineTooLong = errors.New("request line too long")
)

// Request is a single client request. Optional fields are pointers so
// handlers can distinguish a missing field from an empty string.
type Request struct {
	Command   string  `json:"command"`
	Username  *string `json:"username,omitempty"`
	Password  *string `json:"password,omitempty"`
	Recipient *string `json:"recipient,omitempty"`
	Subject   *string `json:"subject,omitempty"`
	Body      *string `json:"body,omitempty"`
	Term      *string `json:"term,omitempty"`
	ID        *int64  `json:"id,omitempty"`
}

// Response is a single server response. Status is always set; the
// remaining fields depend on the command that produced it.
type Response struct {
	Status   string         `json:"status"`
	Username string         `json:"username,omitempty"`
	Emails   []EmailSummary `json:"emails,omitempty"`
	Email    *EmailDetail   `json:"email,omitempty"`
	Error    string         `json:"error,omitempty"`
	Message  string         `json:"message,omitempty"`
}

// EmailSummary is one entry of a list or search response. Inbox entries
// carry the sender; sent entries carry the joined recipient list and,
// for sent lists, the per-recipient viewed map.
type EmailSummary struct {
	ID                 int64           `json:"id"`
	Sender             string          `json:"sender,omitempty"`
	Recipient          string          `json:"recipient,omitempty"`
	Subject            string          `json:"subject"`
	Timestamp          string          `json:"timestamp"`
	ViewedByRecipients map[string]bool `json:"viewedByRecipients,omitempty"`
}

// EmailDetail is the full email carried by an EMAIL_CONTENT response.
type EmailDetail struct {
	Sender             string          `json:"sender"`
	Recipient          string          `json:"recipient"`
	Subject            string          `json:"subject"`
	Body               string          `json:"body"`
	Timestamp          string          `json:"timestamp"`
	ViewedByRecipients map[string]bool `json:"viewedByRecipients,omitempty"`
}

// Notification is an unsolicited push announcing new mail. It may appear
// on the stream at any point between request/response pairs.
type Notification struct {
	Notification string `json:"notification"`
	Sender       string `json:"sender"`
	Subject      string `json:"subject"`
}

// ParseRequest parses one request line.
func ParseRequest(line []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if req.Command == "" {
		return nil, ErrMissingCommand
	}
	return &req, nil
}

// EncodeLine marshals v and appends the line terminator.
func EncodeLine(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// LineReader reads newline-delimited requests from a stream.
type LineReader struct {
	scanner *bufio.Scanner
}

// NewLineReader wraps r in a LineReader bounded by MaxLineSize.
func NewLineReader(r io.Reader) *LineReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), MaxLineSize)
	return &LineReader{scanner: scanner}
}

// ReadLine returns the next line without its terminator. The returned
// slice is only valid until the next call. Returns io.EOF when the
// stream ends cleanly and ErrLineTooLong for oversized lines.
func (lr *LineReader) ReadLine() ([]byte, error) {
	if lr.scanner.Scan() {
		return lr.scanner.Bytes(), nil
	}
	if err := lr.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, ErrLineTooLong
		}
		return nil, err
	}
	return nil, io.EOF
}
