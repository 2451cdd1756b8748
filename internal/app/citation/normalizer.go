// Package citation turns knowledge-base citation payloads into domain
// citations and splices them into assistant text.
package citation

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/PabloGalante/herdbot/internal/domain"
)

const locationS3 = "S3"

// Normalize converts raw provider citations into domain citations.
//
// sources maps a knowledge-base document file name to its public URL; unknown
// files get an empty URL. Malformed records are skipped and reported through
// the returned error (joined ErrMalformedPayload values). The returned slice is
// usable even when err is non-nil.
func Normalize(raw []domain.RawCitation, sources map[string]string) ([]domain.Citation, error) {
	var (
		out  []domain.Citation
		errs []error
	)

	for i, rc := range raw {
		if len(rc.RetrievedReferences) == 0 {
			continue
		}

		part := textPart(rc)
		if part == nil {
			errs = append(errs, fmt.Errorf("%w: citation %d has no text span", domain.ErrMalformedPayload, i))
			continue
		}

		links := make([]domain.Link, 0, len(rc.RetrievedReferences))
		for j, ref := range rc.RetrievedReferences {
			link, err := toLink(ref, sources)
			if err != nil {
				errs = append(errs, fmt.Errorf("citation %d reference %d: %w", i, j, err))
				continue
			}
			links = append(links, link)
		}

		links = dedupeLinks(links)
		if len(links) == 0 {
			continue
		}

		out = append(out, domain.Citation{
			Text:  part.Text,
			Start: part.Span.Start,
			End:   part.Span.End,
			Links: links,
		})
	}

	return out, errors.Join(errs...)
}

func textPart(rc domain.RawCitation) *domain.RawTextPart {
	if rc.GeneratedResponsePart == nil || rc.GeneratedResponsePart.TextResponsePart == nil {
		return nil
	}
	part := rc.GeneratedResponsePart.TextResponsePart
	if part.Span == nil {
		return nil
	}
	return part
}

func toLink(ref domain.RawReference, sources map[string]string) (domain.Link, error) {
	loc := ref.Location
	if loc == nil {
		return domain.Link{}, fmt.Errorf("%w: missing location", domain.ErrMalformedPayload)
	}

	if loc.Type == locationS3 {
		if loc.S3Location == nil || loc.S3Location.URI == "" {
			return domain.Link{}, fmt.Errorf("%w: S3 reference without uri", domain.ErrMalformedPayload)
		}
		name := path.Base(loc.S3Location.URI)
		return domain.Link{
			Type: domain.LinkS3,
			Text: name,
			URL:  sources[name],
		}, nil
	}

	var text, url string
	if ref.Content != nil {
		text, _, _ = strings.Cut(ref.Content.Text, "|")
	}
	if loc.WebLocation != nil {
		url = normalizeWebURL(loc.WebLocation.URL)
	}
	return domain.Link{
		Type: domain.LinkWeb,
		Text: text,
		URL:  url,
	}, nil
}

func normalizeWebURL(u string) string {
	u = strings.ReplaceAll(u, ":443", "")
	return strings.ReplaceAll(u, "http://", "https://")
}

// dedupeLinks keeps the first link seen for every URL, in first-seen order.
func dedupeLinks(links []domain.Link) []domain.Link {
	seen := make(map[string]struct{}, len(links))
	out := links[:0]
	for _, l := range links {
		if _, ok := seen[l.URL]; ok {
			continue
		}
		seen[l.URL] = struct{}{}
		out = append(out, l)
	}
	return out
}
