package h1kit

import (
	"sort"
	"strings"

	"github.com/albertbausili/h1kit/internal/wire"
)

// headerField is one normalized header entry. The raw, as-received casing is
// preserved for serialization; the lowercased name is used for all semantic
// comparisons.
type headerField struct {
	raw   string
	name  string
	value string
}

// Headers is an ordered, validated collection of header fields. A Headers
// value is only ever produced by NormalizeAndValidate (or SetComma, which
// revalidates), so downstream code can rely on its invariants: at most one
// effective Content-Length, and Transfer-Encoding restricted to "chunked".
type Headers struct {
	fields []headerField
}

// NormalizeAndValidate builds Headers from (name, value) pairs, enforcing
// the framing invariants. When alreadyParsed is true the pairs came from
// trusted wire parsing and the token/field-value grammar checks are skipped;
// the Content-Length and Transfer-Encoding invariants always apply.
func NormalizeAndValidate(pairs [][2]string, alreadyParsed bool) (*Headers, error) {
	h := &Headers{fields: make([]headerField, 0, len(pairs))}
	seenContentLength := ""
	sawTransferEncoding := false

	for _, pair := range pairs {
		rawName, value := pair[0], pair[1]
		if !alreadyParsed {
			if !wire.FieldName.MatchString(rawName) {
				return nil, localError("Illegal header name %q", rawName)
			}
			if !wire.HeaderValue.MatchString(value) {
				return nil, localError("Illegal header value %q", value)
			}
		}
		name := strings.ToLower(rawName)

		switch name {
		case "content-length":
			lengths := make(map[string]bool)
			for _, piece := range strings.Split(value, ",") {
				lengths[strings.TrimSpace(piece)] = true
			}
			if len(lengths) != 1 {
				return nil, localError("conflicting Content-Length headers")
			}
			for length := range lengths {
				value = length
			}
			if !wire.ContentLength.MatchString(value) {
				return nil, localError("bad Content-Length %q", value)
			}
			if seenContentLength == "" {
				seenContentLength = value
				h.fields = append(h.fields, headerField{raw: rawName, name: name, value: value})
			} else if seenContentLength != value {
				return nil, localError("conflicting Content-Length headers")
			}
		case "transfer-encoding":
			if sawTransferEncoding {
				return nil, localErrorHint(501, "multiple Transfer-Encoding headers")
			}
			value = strings.ToLower(value)
			if value != "chunked" {
				return nil, localErrorHint(501, "Only Transfer-Encoding: chunked is supported")
			}
			sawTransferEncoding = true
			h.fields = append(h.fields, headerField{raw: rawName, name: name, value: value})
		default:
			h.fields = append(h.fields, headerField{raw: rawName, name: name, value: value})
		}
	}
	return h, nil
}

// Len returns the number of header fields.
func (h *Headers) Len() int {
	if h == nil {
		return 0
	}
	return len(h.fields)
}

// RawItems returns the headers as (raw name, value) pairs in order.
func (h *Headers) RawItems() [][2]string {
	out := make([][2]string, 0, h.Len())
	if h == nil {
		return out
	}
	for _, f := range h.fields {
		out = append(out, [2]string{f.raw, f.value})
	}
	return out
}

// Get returns the value of the first header with the given name
// (case-insensitive), or "" if absent.
func (h *Headers) Get(name string) string {
	if h == nil {
		return ""
	}
	name = strings.ToLower(name)
	for _, f := range h.fields {
		if f.name == name {
			return f.value
		}
	}
	return ""
}

func (h *Headers) hasName(name string) bool {
	if h == nil {
		return false
	}
	for _, f := range h.fields {
		if f.name == name {
			return true
		}
	}
	return false
}

// GetComma returns the case-folded, trimmed, comma-split values of every
// header matching name. Repeated headers and comma-joined values are treated
// uniformly, per RFC 7230's list semantics.
func (h *Headers) GetComma(name string) []string {
	var out []string
	if h == nil {
		return out
	}
	name = strings.ToLower(name)
	for _, f := range h.fields {
		if f.name != name {
			continue
		}
		for _, piece := range strings.Split(strings.ToLower(f.value), ",") {
			out = append(out, strings.TrimSpace(piece))
		}
	}
	return out
}

// SetComma returns a new Headers with every header named name removed and
// one entry per value re-inserted at the end, then revalidated. Passing no
// values simply deletes the header. A nil receiver is an empty header set.
func (h *Headers) SetComma(name string, values []string) (*Headers, error) {
	name = strings.ToLower(name)
	var pairs [][2]string
	if h != nil {
		for _, f := range h.fields {
			if f.name != name {
				pairs = append(pairs, [2]string{f.raw, f.value})
			}
		}
	}
	for _, v := range values {
		pairs = append(pairs, [2]string{name, v})
	}
	return NormalizeAndValidate(pairs, false)
}

// HasExpect100Continue reports whether the headers carry
// "Expect: 100-continue".
func (h *Headers) HasExpect100Continue() bool {
	for _, v := range h.GetComma("expect") {
		if v == "100-continue" {
			return true
		}
	}
	return false
}

// sortedUnique returns the deduplicated, sorted copy of values. Used when
// rewriting the Connection header so output is deterministic.
func sortedUnique(values []string) []string {
	seen := make(map[string]bool, len(values))
	var out []string
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}
