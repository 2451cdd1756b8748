// Package history owns the ordered chat transcript of one conversation.
package history

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/PabloGalante/herdbot/internal/app/citation"
	"github.com/PabloGalante/herdbot/internal/domain"
)

// DefaultMaxMessages bounds a transcript when no limit is configured.
const DefaultMaxMessages = 30

// Turn is the handle of an assistant message that is still being written.
// It stays valid while the history is trimmed around it.
type Turn struct {
	owner *Manager
	msg   *domain.Message
	epoch uint64
	done  bool
}

// Completion carries what the router produced once streaming is over.
type Completion struct {
	// Text replaces the streamed text when non-empty.
	Text      string
	Citations []domain.Citation
}

// Manager is not safe for concurrent use; callers serialize turns.
type Manager struct {
	maxMessages int
	messages    []*domain.Message
	sessionID   string
	open        *Turn
	trimPending bool
	// epoch changes on Reset and Deserialize so stale handles are rejected.
	epoch uint64
}

func NewManager(maxMessages int) *Manager {
	if maxMessages < 2 {
		maxMessages = DefaultMaxMessages
	}
	return &Manager{maxMessages: maxMessages}
}

func (m *Manager) MaxMessages() int {
	return m.maxMessages
}

func (m *Manager) Len() int {
	return len(m.messages)
}

// Messages returns a deep copy of the transcript.
func (m *Manager) Messages() []domain.Message {
	out := make([]domain.Message, 0, len(m.messages))
	for _, msg := range m.messages {
		out = append(out, msg.Clone())
	}
	return out
}

func (m *Manager) SessionID() (string, bool) {
	return m.sessionID, m.sessionID != ""
}

func (m *Manager) SetSessionID(id string) {
	m.sessionID = id
}

// AppendUserTurn appends a user message. A trailing user message that never
// got a reply is replaced so roles keep alternating.
func (m *Manager) AppendUserTurn(text string) error {
	if m.open != nil {
		return domain.ErrTurnInProgress
	}
	if n := len(m.messages); n > 0 && m.messages[n-1].Role == domain.RoleUser {
		m.messages = m.messages[:n-1]
	}
	m.messages = append(m.messages, &domain.Message{Role: domain.RoleUser, Text: text})
	return nil
}

// BeginAssistantTurn appends an empty assistant placeholder.
func (m *Manager) BeginAssistantTurn() (*Turn, error) {
	if m.open != nil {
		return nil, domain.ErrTurnInProgress
	}
	msg := &domain.Message{Role: domain.RoleAssistant}
	m.messages = append(m.messages, msg)
	m.open = &Turn{owner: m, msg: msg, epoch: m.epoch}
	return m.open, nil
}

// ExtendAssistantTurn appends fragment to the placeholder text.
func (m *Manager) ExtendAssistantTurn(t *Turn, fragment string) error {
	if err := m.check(t); err != nil {
		return err
	}
	t.msg.Text += fragment
	return nil
}

// Text returns the placeholder text written so far.
func (t *Turn) Text() string {
	return t.msg.Text
}

// FinalizeAssistantTurn closes the turn. The streamed text is replaced by
// c.Text when set, citations are spliced in, and a trim requested while the
// turn was open runs now.
func (m *Manager) FinalizeAssistantTurn(t *Turn, c Completion) (domain.Message, error) {
	if err := m.check(t); err != nil {
		return domain.Message{}, err
	}

	if c.Text != "" {
		t.msg.Text = c.Text
	}
	if len(c.Citations) > 0 {
		t.msg.Citations = c.Citations
		*t.msg = citation.Rewrite(*t.msg, c.Citations)
	}

	t.done = true
	m.open = nil

	if m.trimPending {
		m.trimPending = false
		m.trim()
	}
	return t.msg.Clone(), nil
}

// Trim drops the oldest user+assistant pairs until the transcript fits. While
// an assistant turn is open the trim is deferred until it is finalized.
func (m *Manager) Trim() {
	if m.open != nil {
		m.trimPending = true
		return
	}
	m.trim()
}

func (m *Manager) trim() {
	for len(m.messages) > m.maxMessages {
		drop := 2
		if m.messages[0].Role != domain.RoleUser || len(m.messages) < 2 || m.messages[1].Role != domain.RoleAssistant {
			// Not a complete pair at the head; drop the stray message alone.
			drop = 1
		}
		m.messages = m.messages[drop:]
	}
}

// Reset clears the transcript and the session identifier.
func (m *Manager) Reset() {
	m.messages = nil
	m.sessionID = ""
	m.open = nil
	m.trimPending = false
	m.epoch++
}

func (m *Manager) check(t *Turn) error {
	if t == nil || t.owner != m || t.epoch != m.epoch {
		return domain.ErrForeignTurn
	}
	if t.done {
		return domain.ErrTurnClosed
	}
	return nil
}

// Serialize encodes the transcript as a JSON array of {role,text,citations}.
func (m *Manager) Serialize() (string, error) {
	return Encode(m.Messages())
}

// Deserialize replaces the transcript with the decoded data. The session
// identifier is left alone. On error the transcript is unchanged.
func (m *Manager) Deserialize(data string) error {
	msgs, err := Decode(data)
	if err != nil {
		return err
	}
	m.messages = make([]*domain.Message, 0, len(msgs))
	for i := range msgs {
		m.messages = append(m.messages, &msgs[i])
	}
	m.open = nil
	m.trimPending = false
	m.epoch++
	return nil
}

// Encode renders msgs in the persisted history format. An empty transcript
// encodes as "[]".
func Encode(msgs []domain.Message) (string, error) {
	if msgs == nil {
		msgs = []domain.Message{}
	}
	b, err := json.Marshal(msgs)
	if err != nil {
		return "", fmt.Errorf("encode history: %w", err)
	}
	return string(b), nil
}

// Decode parses the persisted history format. Empty input and JSON null
// decode to an empty transcript.
func Decode(data string) ([]domain.Message, error) {
	trimmed := strings.TrimSpace(data)
	if trimmed == "" || trimmed == "null" {
		return []domain.Message{}, nil
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(trimmed)))
	var msgs []domain.Message
	if err := dec.Decode(&msgs); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDataFormat, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after history array", domain.ErrDataFormat)
	}
	for i, msg := range msgs {
		if !msg.Role.Valid() {
			return nil, fmt.Errorf("%w: message %d has role %q", domain.ErrDataFormat, i, msg.Role)
		}
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return msgs, nil
}

// Dump writes one diagnostic line per message.
func (m *Manager) Dump(w io.Writer) error {
	return DumpMessages(w, m.Messages())
}

// DumpMessages writes msgs as "role: text, citations" lines.
func DumpMessages(w io.Writer, msgs []domain.Message) error {
	for _, msg := range msgs {
		cits, err := json.Marshal(msg.Citations)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s: %s, %s\n", msg.Role, msg.Text, cits); err != nil {
			return err
		}
	}
	return nil
}
