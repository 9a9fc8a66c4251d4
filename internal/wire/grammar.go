// Package wire holds the RFC 7230 wire grammar as compiled regular
// expressions, plus a small capture helper. It is the tokenizer the rest of
// the engine treats as a black box: callers hand it a line and get named
// fields back, or a no-match signal.
package wire

import "regexp"

// Grammar fragments from RFC 7230. Field values are runs of visible (or
// obs-text) characters separated by single runs of space/tab, with optional
// whitespace tolerated around the colon.
const (
	ows   = `[ \t]*`
	token = "[-!#$%&'*+.^_\x60|~0-9a-zA-Z]+"

	fieldName  = token
	fieldVChar = `[^\x00\s]`

	method        = token
	requestTarget = `[\x21-\x7e]+`
	httpVersion   = `HTTP/(?P<http_version>[0-9]\.[0-9])`
	statusCode    = `[0-9]{3}`
	reasonPhrase  = `(?:[ \t]|[^\x00\s])*`
)

const (
	fieldContent = fieldVChar + `+(?:[ \t]+` + fieldVChar + `+)*`
	fieldValue   = `(?:` + fieldContent + `)?`
)

var (
	// FieldName matches a complete header field name.
	FieldName = regexp.MustCompile(`^` + fieldName + `$`)

	// FieldValue matches a complete header field value (possibly empty).
	FieldValue = regexp.MustCompile(`^` + fieldValue + `$`)

	// HeaderValue matches a caller-supplied header value: printable ASCII
	// with surrounding whitespace tolerated. The wire grammar strips OWS
	// itself; this looser check is for values handed in by application code,
	// which get trimmed where the semantics call for it.
	HeaderValue = regexp.MustCompile(`^[ \t\x21-\x7e]*$`)

	// HeaderField matches a single header line: name, colon, value.
	HeaderField = regexp.MustCompile(
		`^(?P<field_name>` + fieldName + `)` + ows + `:` + ows +
			`(?P<field_value>` + fieldValue + `)` + ows + `$`)

	// RequestLine matches "METHOD SP TARGET SP HTTP/D.D".
	RequestLine = regexp.MustCompile(
		`^(?P<method>` + method + `) (?P<target>` + requestTarget + `) ` + httpVersion + `$`)

	// StatusLine matches "HTTP/D.D SP 3DIGIT [SP reason]". The reason phrase
	// is optional; some servers omit it entirely.
	StatusLine = regexp.MustCompile(
		`^` + httpVersion + ` (?P<status_code>` + statusCode + `)` +
			`(?: (?P<reason>` + reasonPhrase + `))?$`)

	// ChunkHeader matches a chunk-size line including its CRLF terminator:
	// 1-20 hex digits, an optional ";extension", optional trailing
	// whitespace. The digit cap guards against absurd sizes.
	ChunkHeader = regexp.MustCompile(
		`^(?P<chunk_size>[0-9A-Fa-f]{1,20})` + ows + `(?P<chunk_ext>;.*)?` + ows + `\r\n$`)

	// ContentLength matches a well-formed Content-Length value.
	ContentLength = regexp.MustCompile(`^[0-9]+$`)
)

// Validate matches data against re and returns the named capture groups.
// Groups that did not participate in the match are present with an empty
// value. The second return value is false when data does not match.
func Validate(re *regexp.Regexp, data []byte) (map[string]string, bool) {
	m := re.FindSubmatch(data)
	if m == nil {
		return nil, false
	}
	groups := make(map[string]string)
	for i, name := range re.SubexpNames() {
		if name == "" {
			continue
		}
		if m[i] != nil {
			groups[name] = string(m[i])
		} else {
			groups[name] = ""
		}
	}
	return groups, true
}
