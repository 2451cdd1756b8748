package domain

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the roles a persisted history may hold.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

type LinkType string

const (
	LinkS3  LinkType = "S3"  // document stored in the knowledge base bucket
	LinkWeb LinkType = "WEB" // crawled web page
)

// Link points at one document backing a citation.
type Link struct {
	Type LinkType `json:"type"`
	Text string   `json:"text"`
	URL  string   `json:"url"`
}

// Citation annotates the span [Start, End] of an assistant message.
// Offsets count characters (runes), not bytes.
type Citation struct {
	Text  string `json:"text"`
	Start int    `json:"start"`
	End   int    `json:"end"`
	Links []Link `json:"links"`
}

// Message is one entry of a chat transcript.
type Message struct {
	Role      Role       `json:"role"`
	Text      string     `json:"text"`
	Citations []Citation `json:"citations"`
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	out := Message{Role: m.Role, Text: m.Text}
	if m.Citations != nil {
		out.Citations = make([]Citation, len(m.Citations))
		for i, c := range m.Citations {
			out.Citations[i] = c
			if c.Links != nil {
				out.Citations[i].Links = append([]Link(nil), c.Links...)
			}
		}
	}
	return out
}

// AnswerSource tells which provider produced an assistant turn.
type AnswerSource string

const (
	SourcePrimary  AnswerSource = "primary"
	SourceFallback AnswerSource = "fallback"
	SourceApology  AnswerSource = "apology"
)
