package dedup

import (
	"fmt"
	"sort"
	"strings"

	"github.com/viant/sqlite-dedup/index"
	"github.com/viant/sqlite-dedup/store"
)

// supergroupPrefix starts every Telegram supergroup and channel id; public
// message links omit it.
const supergroupPrefix = "-100"

// Reporter renders match outcomes.
type Reporter struct {
	// LinkFormat receives the short chat id (%s) and the message id (%d).
	LinkFormat string
}

// Link returns the message link for a chat and message.
func (r Reporter) Link(chat string, messageID int64) string {
	return fmt.Sprintf(r.LinkFormat, strings.TrimPrefix(chat, supergroupPrefix), messageID)
}

// Hit is a rendered match.
type Hit struct {
	MessageID int64
	Distance  int
	Exact     bool
	Link      string
}

// Report lists the earlier messages an image duplicates.
type Report struct {
	Chat      string
	MessageID int64
	Hits      []Hit
}

// Empty reports whether nothing matched.
func (r Report) Empty() bool { return len(r.Hits) == 0 }

// Lines returns one "Similar to <link>" line per hit.
func (r Report) Lines() []string {
	out := make([]string, len(r.Hits))
	for i, h := range r.Hits {
		out[i] = "Similar to " + h.Link
	}
	return out
}

// String joins Lines with newlines.
func (r Report) String() string { return strings.Join(r.Lines(), "\n") }

// Render builds the report for an outcome: the exact repost first, then near
// duplicates by distance and message id.
func (r Reporter) Render(chat string, messageID int64, out index.Outcome) Report {
	rep := Report{Chat: chat, MessageID: messageID}
	if out.Exact != nil {
		rep.Hits = append(rep.Hits, r.hit(chat, *out.Exact, true))
	}
	similar := append([]store.Match(nil), out.Similar...)
	sort.SliceStable(similar, func(i, j int) bool {
		if similar[i].Distance != similar[j].Distance {
			return similar[i].Distance < similar[j].Distance
		}
		return similar[i].Record.ID < similar[j].Record.ID
	})
	for _, m := range similar {
		rep.Hits = append(rep.Hits, r.hit(chat, m, false))
	}
	return rep
}

func (r Reporter) hit(chat string, m store.Match, exact bool) Hit {
	return Hit{
		MessageID: m.Record.ID,
		Distance:  m.Distance,
		Exact:     exact,
		Link:      r.Link(chat, m.Record.ID),
	}
}
