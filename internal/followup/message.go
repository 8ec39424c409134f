package followup

import (
	"fmt"
	"strings"
	"time"
)

const defaultTemplate = "Hi, it's the community support bot. We talked {when} and I wanted to check in. How are you doing?"

// relativeDay describes when ended was, as seen from now
func relativeDay(ended, now time.Time) string {
	ended = ended.In(now.Location())
	y1, m1, d1 := ended.Date()
	y2, m2, d2 := now.Date()
	days := int(time.Date(y2, m2, d2, 0, 0, 0, 0, time.UTC).Sub(time.Date(y1, m1, d1, 0, 0, 0, 0, time.UTC)).Hours() / 24)

	switch {
	case days <= 0:
		return "earlier today"
	case days == 1:
		return "yesterday"
	default:
		return fmt.Sprintf("%d days ago", days)
	}
}

// compose fills template variant idx with the relative session time
func compose(templates []string, idx int, ended, now time.Time) string {
	tmpl := defaultTemplate
	if len(templates) > 0 {
		tmpl = templates[idx%len(templates)]
	}
	return strings.ReplaceAll(tmpl, "{when}", relativeDay(ended, now))
}
