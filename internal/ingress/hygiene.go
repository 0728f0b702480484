package ingress

import (
	"strings"
)

// Payload hygiene. TradingView alert bodies are authored by users and
// relayed verbatim, so anything that smells like markup injection, SQL, or
// shell metacharacters is refused before parsing. False positives are
// acceptable here; a legitimate alert has no business containing any of
// these.
var suspectFragments = []string{
	"<script", "</script", "javascript:", "onerror=", "onload=",
	"--;", "/*", "*/", "union select", "drop table", "insert into",
	"; rm ", "$(", "`", "&&", "||", "\x00",
}

// scanHygiene returns a short reason when the body contains a suspect
// fragment, or "" when it is clean.
func scanHygiene(body []byte) string {
	lowered := strings.ToLower(string(body))
	for _, frag := range suspectFragments {
		if strings.Contains(lowered, frag) {
			return "payload contains suspect fragment " + strings.TrimSpace(frag)
		}
	}
	return ""
}
