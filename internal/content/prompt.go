package content

import (
	"fmt"
	"strings"
)

// Channel kinds shape the prompt. Channel ids in config use the same names.
const (
	KindShortForm = "shortform"
	KindPage      = "page"
	KindPhoto     = "photo"
	KindVideo     = "video"
)

var styleLead = map[string]string{
	"funny":   "short, witty",
	"serious": "professional",
	"update":  "brief update-style",
}

var quotePairs = [][2]string{{`"`, `"`}, {"'", "'"}, {"“", "”"}}

// BuildPrompt renders the text-generation prompt for one job.
func BuildPrompt(kind, topic, style string) string {
	lead := styleLead[style]
	if lead == "" {
		lead = style
	}
	var b strings.Builder
	switch kind {
	case KindShortForm:
		fmt.Fprintf(&b, "Write a %s short social post about %s. Include a couple relevant hashtags at the end. Limit to 280 characters.", lead, topic)
	case KindPage:
		fmt.Fprintf(&b, "Write a %s Facebook-style page post about %s. Add a couple relevant hashtags at the end.", lead, topic)
	case KindPhoto:
		fmt.Fprintf(&b, "Write a %s photo caption about %s. Add a couple relevant hashtags at the end.", lead, topic)
	case KindVideo:
		fmt.Fprintf(&b, "Write a %s 15-second video script about %s. Make it friendly and end with a call to action.", lead, topic)
	default:
		fmt.Fprintf(&b, "Write a %s social media post about %s.", lead, topic)
	}
	return b.String()
}

// Clean trims whitespace and one pair of surrounding quotes.
func Clean(s string) string {
	s = strings.TrimSpace(s)
	for _, q := range quotePairs {
		if len(s) >= len(q[0])+len(q[1]) && strings.HasPrefix(s, q[0]) && strings.HasSuffix(s, q[1]) {
			return strings.TrimSpace(s[len(q[0]) : len(s)-len(q[1])])
		}
	}
	return s
}
