package citation

import (
	"fmt"
	"sort"

	"github.com/PabloGalante/herdbot/internal/domain"
)

// Marker returns the text spliced after a cited span.
func Marker(url string) string {
	return fmt.Sprintf(" [Read More...]( %s) \n\n", url)
}

// Rewrite returns a copy of msg with a read-more marker inserted after every
// cited span. Citations are applied from the highest start offset down so an
// insertion never moves a span that is still to be processed. msg is not
// modified; the copy keeps its citation list.
func Rewrite(msg domain.Message, citations []domain.Citation) domain.Message {
	out := msg.Clone()
	if len(citations) == 0 {
		return out
	}

	ordered := make([]domain.Citation, len(citations))
	copy(ordered, citations)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Start != ordered[j].Start {
			return ordered[i].Start > ordered[j].Start
		}
		return ordered[i].End > ordered[j].End
	})

	text := []rune(out.Text)
	for _, c := range ordered {
		if len(c.Links) == 0 {
			continue
		}
		at := insertionPoint(c.End, len(text))
		marker := []rune(Marker(c.Links[0].URL))

		next := make([]rune, 0, len(text)+len(marker))
		next = append(next, text[:at]...)
		next = append(next, marker...)
		next = append(next, text[at:]...)
		text = next
	}
	out.Text = string(text)
	return out
}

// insertionPoint places the marker right after the last cited character,
// clamped to the text.
func insertionPoint(end, n int) int {
	at := end + 1
	if at > n {
		at = n
	}
	if at < 0 {
		at = 0
	}
	return at
}
