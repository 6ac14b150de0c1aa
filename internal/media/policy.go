package media

import (
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const octetStream = "application/octet-stream"

// Policy is the MIME allow-list. Entries are exact types or prefixes
// ending in "*" ("image/*", "application/vnd.openxmlformats-officedocument.*").
type Policy struct {
	allowed []string
}

func NewPolicy(allowed []string) *Policy {
	out := make([]string, 0, len(allowed))
	for _, a := range allowed {
		if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
			out = append(out, a)
		}
	}
	return &Policy{allowed: out}
}

func (p *Policy) Allows(mime string) bool {
	mime = baseType(mime)
	for _, a := range p.allowed {
		if prefix, ok := strings.CutSuffix(a, "*"); ok {
			if strings.HasPrefix(mime, prefix) {
				return true
			}
			continue
		}
		if mime == a {
			return true
		}
	}
	return false
}

// Check sniffs the leading bytes of a file and returns the MIME type to
// store. When the detected type is not allowed its ancestors are tried, so
// "text/csv" content detected as a more specific text type still passes.
// The generic octet-stream root only matches when it is listed itself.
func (p *Policy) Check(head []byte) (string, bool) {
	detected := mimetype.Detect(head)
	for m := detected; m != nil; m = m.Parent() {
		t := baseType(m.String())
		if t == octetStream && m != detected {
			break
		}
		if p.Allows(t) {
			return t, true
		}
	}
	return baseType(detected.String()), false
}

func baseType(mime string) string {
	t, _, _ := strings.Cut(mime, ";")
	return strings.ToLower(strings.TrimSpace(t))
}
