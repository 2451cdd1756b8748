package domain

// Wire shapes of the knowledge service citation payload. Every level is a
// pointer so a missing field can be told apart from a zero value.

type RawCitation struct {
	GeneratedResponsePart *RawResponsePart `json:"generatedResponsePart"`
	RetrievedReferences   []RawReference   `json:"retrievedReferences"`
}

type RawResponsePart struct {
	TextResponsePart *RawTextPart `json:"textResponsePart"`
}

type RawTextPart struct {
	Text string   `json:"text"`
	Span *RawSpan `json:"span"`
}

type RawSpan struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type RawReference struct {
	Content  *RawContent  `json:"content"`
	Location *RawLocation `json:"location"`
}

type RawContent struct {
	Text string `json:"text"`
}

type RawLocation struct {
	Type        string          `json:"type"`
	S3Location  *RawS3Location  `json:"s3Location,omitempty"`
	WebLocation *RawWebLocation `json:"webLocation,omitempty"`
}

type RawS3Location struct {
	URI string `json:"uri"`
}

type RawWebLocation struct {
	URL string `json:"url"`
}
