package memory

import (
	"fmt"
	"strings"
)

// Section is one tier's block of injected context.
type Section struct {
	Tier    Tier
	Records []*Record
}

// FormatContext renders sections as a prompt block:
//
//	[core]
//	- content
//	  - predicate: object
//
// At most maxRelations relation lines follow each memory. resolve maps a
// referenced record id to its content; unresolved ids are printed as is.
func FormatContext(sections []Section, maxRelations int, resolve func(id string) (string, bool)) string {
	var b strings.Builder
	for _, sec := range sections {
		if len(sec.Records) == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[%s]\n", sec.Tier)
		for _, rec := range sec.Records {
			fmt.Fprintf(&b, "- %s\n", oneLine(rec.Content))
			for i, t := range rec.Relations {
				if i >= maxRelations {
					break
				}
				obj := t.Object
				if t.ObjectRef && resolve != nil {
					if content, ok := resolve(t.Object); ok {
						obj = oneLine(content)
					}
				}
				fmt.Fprintf(&b, "  - %s: %s\n", t.Predicate, obj)
			}
		}
	}
	return b.String()
}
