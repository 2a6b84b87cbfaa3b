package memory

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Op is one memory operation proposed by the judge. The concrete types are
// AddOp, UpdateOp, BoostOp, DeleteOp, PromoteOp and RelateOp.
type Op interface {
	// Kind names the operation, e.g. "add".
	Kind() string
	isOp()
}

// AddOp creates a record.
type AddOp struct {
	Content string
	Tier    Tier
}

// UpdateOp replaces the content of a record.
type UpdateOp struct {
	ID      string
	Content string
}

// BoostOp raises (or with a negative delta, lowers) the importance of a
// record. A zero Delta with HasDelta false means the configured default.
type BoostOp struct {
	ID       string
	Delta    float64
	HasDelta bool
}

// DeleteOp removes a record.
type DeleteOp struct {
	ID string
}

// PromoteOp moves a record to the core tier.
type PromoteOp struct {
	ID string
}

// RelateOp adds a triple with the record as subject.
type RelateOp struct {
	ID        string
	Predicate string
	Object    string
	ObjectRef bool
}

func (AddOp) Kind() string     { return "add" }
func (UpdateOp) Kind() string  { return "update" }
func (BoostOp) Kind() string   { return "boost" }
func (DeleteOp) Kind() string  { return "delete" }
func (PromoteOp) Kind() string { return "promote" }
func (RelateOp) Kind() string  { return "relate" }

func (AddOp) isOp()     {}
func (UpdateOp) isOp()  {}
func (BoostOp) isOp()   {}
func (DeleteOp) isOp()  {}
func (PromoteOp) isOp() {}
func (RelateOp) isOp()  {}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidID reports whether s can be a record id in an operation tag.
func ValidID(s string) bool { return idPattern.MatchString(s) }

// tags that carry a body, closed by [/NAME] or the end of the line.
var bodyTags = map[string]bool{"ADD": true, "UPDATE": true, "RELATE": true}

var knownTags = map[string]bool{
	"ADD": true, "UPDATE": true, "BOOST": true, "DELETE": true,
	"PROMOTE": true, "RELATE": true, "SKIP": true,
}

// ParseOps extracts operation tags from judge output. The grammar is:
//
//	[ADD]content[/ADD]            [ADD:tier]content[/ADD]
//	[UPDATE:id]content[/UPDATE]
//	[BOOST:id]                    [BOOST:id:delta]
//	[DELETE:id]
//	[PROMOTE:id]
//	[RELATE:id:predicate]object[/RELATE]   (object "@id" links a record)
//	[SKIP]
//
// Tag names are case-insensitive. A body without its closing tag runs to the
// end of the line. Bracketed text that is not a known tag is prose. Known
// tags with bad arguments are dropped and reported as *ParseError.
func ParseOps(text string) ([]Op, []error) {
	var (
		ops  []Op
		errs []error
	)

	pos := 0
	for {
		start, end, name, args, ok := nextTag(text, pos)
		if !ok {
			break
		}
		raw := text[start:end]
		pos = end

		var body string
		if bodyTags[name] {
			body, pos = readBody(text, end, name)
			raw = text[start:pos]
		}

		op, reason := buildOp(name, args, body)
		if reason != "" {
			errs = append(errs, &ParseError{Offset: start, Tag: raw, Reason: reason})
			continue
		}
		if op != nil {
			ops = append(ops, op)
		}
	}
	return ops, errs
}

// nextTag finds the next known opening tag at or after pos.
func nextTag(text string, pos int) (start, end int, name string, args []string, ok bool) {
	for pos < len(text) {
		i := strings.IndexByte(text[pos:], '[')
		if i < 0 {
			return 0, 0, "", nil, false
		}
		start = pos + i
		j := strings.IndexByte(text[start:], ']')
		if j < 0 {
			return 0, 0, "", nil, false
		}
		end = start + j + 1
		header := text[start+1 : end-1]
		if nl := strings.IndexByte(header, '\n'); nl >= 0 {
			pos = start + 1
			continue
		}
		parts := strings.Split(header, ":")
		name = strings.ToUpper(strings.TrimSpace(parts[0]))
		if !knownTags[name] {
			pos = start + 1
			continue
		}
		for _, p := range parts[1:] {
			args = append(args, strings.TrimSpace(p))
		}
		return start, end, name, args, true
	}
	return 0, 0, "", nil, false
}

// readBody returns the tag body starting at from and the position after it.
func readBody(text string, from int, name string) (string, int) {
	rest := text[from:]
	closing := "[/" + name + "]"
	stop := len(rest)
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		stop = nl
	}
	if s, _, _, _, ok := nextTag(rest[:stop], 0); ok {
		stop = s
	}

	if c := indexFold(rest, closing); c >= 0 {
		// A closing tag wins unless another tag opens first.
		if _, _, _, _, ok := nextTag(rest[:c], 0); !ok {
			return strings.TrimSpace(rest[:c]), from + c + len(closing)
		}
	}
	return strings.TrimSpace(rest[:stop]), from + stop
}

// indexFold is a case-insensitive strings.Index for an ASCII needle.
func indexFold(s, needle string) int {
	for i := 0; i+len(needle) <= len(s); i++ {
		if s[i] == needle[0] && strings.EqualFold(s[i:i+len(needle)], needle) {
			return i
		}
	}
	return -1
}

func buildOp(name string, args []string, body string) (Op, string) {
	switch name {
	case "SKIP":
		return nil, ""

	case "ADD":
		tier := TierSemantic
		if len(args) > 1 {
			return nil, "too many arguments"
		}
		if len(args) == 1 && args[0] != "" {
			tier = Tier(strings.ToLower(args[0]))
			if !tier.Valid() {
				return nil, "invalid tier"
			}
		}
		if body == "" {
			return nil, "empty content"
		}
		return AddOp{Content: body, Tier: tier}, ""

	case "UPDATE":
		id, reason := oneID(args)
		if reason != "" {
			return nil, reason
		}
		if body == "" {
			return nil, "empty content"
		}
		return UpdateOp{ID: id, Content: body}, ""

	case "BOOST":
		if len(args) == 0 || len(args) > 2 {
			return nil, "expected id and optional delta"
		}
		if !ValidID(args[0]) {
			return nil, "invalid id"
		}
		op := BoostOp{ID: args[0]}
		if len(args) == 2 {
			d, err := strconv.ParseFloat(args[1], 64)
			if err != nil || math.IsNaN(d) || d < -1 || d > 1 {
				return nil, "invalid delta"
			}
			op.Delta, op.HasDelta = d, true
		}
		return op, ""

	case "DELETE":
		id, reason := oneID(args)
		if reason != "" {
			return nil, reason
		}
		return DeleteOp{ID: id}, ""

	case "PROMOTE":
		id, reason := oneID(args)
		if reason != "" {
			return nil, reason
		}
		return PromoteOp{ID: id}, ""

	case "RELATE":
		if len(args) != 2 {
			return nil, "expected id and predicate"
		}
		if !ValidID(args[0]) {
			return nil, "invalid id"
		}
		if args[1] == "" {
			return nil, "empty predicate"
		}
		if body == "" {
			return nil, "empty object"
		}
		op := RelateOp{ID: args[0], Predicate: args[1], Object: body}
		if ref, found := strings.CutPrefix(body, "@"); found {
			if !ValidID(ref) {
				return nil, "invalid object reference"
			}
			op.Object, op.ObjectRef = ref, true
		}
		return op, ""
	}
	return nil, "unknown tag"
}

func oneID(args []string) (string, string) {
	if len(args) != 1 {
		return "", "expected exactly one id"
	}
	if !ValidID(args[0]) {
		return "", "invalid id"
	}
	return args[0], ""
}
