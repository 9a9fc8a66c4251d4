package h1kit

import (
	"reflect"
	"testing"
)

func TestHeaders_NormalizePreservesOrderAndCasing(t *testing.T) {
	h, err := NormalizeAndValidate([][2]string{
		{"Host", "example.com"},
		{"X-Custom", "One"},
		{"x-custom", "two"},
	}, false)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	expected := [][2]string{
		{"Host", "example.com"},
		{"X-Custom", "One"},
		{"x-custom", "two"},
	}
	if !reflect.DeepEqual(h.RawItems(), expected) {
		t.Errorf("Expected %v, got %v", expected, h.RawItems())
	}
	if h.Get("HOST") != "example.com" {
		t.Errorf("Expected case-insensitive lookup, got %q", h.Get("HOST"))
	}
}

func TestHeaders_IllegalName(t *testing.T) {
	_, err := NormalizeAndValidate([][2]string{{"bad name", "x"}}, false)
	if err == nil {
		t.Fatal("Expected error for header name with a space")
	}
	if _, ok := err.(*LocalProtocolError); !ok {
		t.Errorf("Expected LocalProtocolError, got %T", err)
	}
}

func TestHeaders_IllegalValue(t *testing.T) {
	_, err := NormalizeAndValidate([][2]string{{"foo", "bar\r\nbaz"}}, false)
	if err == nil {
		t.Fatal("Expected error for header value with control bytes")
	}
}

func TestHeaders_ContentLengthAgreement(t *testing.T) {
	// Duplicate Content-Length headers that agree collapse to one.
	h, err := NormalizeAndValidate([][2]string{
		{"Content-Length", "10"},
		{"Content-Length", "10"},
	}, false)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if h.Len() != 1 {
		t.Errorf("Expected 1 field after collapsing, got %d", h.Len())
	}
	if h.Get("content-length") != "10" {
		t.Errorf("Expected value 10, got %q", h.Get("content-length"))
	}

	// A comma-joined repeated value that agrees is also fine.
	h, err = NormalizeAndValidate([][2]string{{"Content-Length", "0 , 0"}}, false)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if h.Get("content-length") != "0" {
		t.Errorf("Expected value 0, got %q", h.Get("content-length"))
	}
}

func TestHeaders_ContentLengthConflict(t *testing.T) {
	cases := [][][2]string{
		{{"Content-Length", "10"}, {"Content-Length", "11"}},
		{{"Content-Length", "10, 11"}},
	}
	for _, pairs := range cases {
		if _, err := NormalizeAndValidate(pairs, false); err == nil {
			t.Errorf("Expected conflict error for %v", pairs)
		}
	}
}

func TestHeaders_ContentLengthMalformed(t *testing.T) {
	for _, value := range []string{"-3", "1x", "", "0x10"} {
		if _, err := NormalizeAndValidate([][2]string{{"Content-Length", value}}, false); err == nil {
			t.Errorf("Expected error for Content-Length %q", value)
		}
	}
}

func TestHeaders_TransferEncoding(t *testing.T) {
	h, err := NormalizeAndValidate([][2]string{{"Transfer-Encoding", "Chunked"}}, false)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if h.Get("transfer-encoding") != "chunked" {
		t.Errorf("Expected lowercased chunked, got %q", h.Get("transfer-encoding"))
	}

	_, err = NormalizeAndValidate([][2]string{{"Transfer-Encoding", "gzip"}}, false)
	local, ok := err.(*LocalProtocolError)
	if !ok {
		t.Fatalf("Expected LocalProtocolError, got %v", err)
	}
	if local.ErrorStatusHint != 501 {
		t.Errorf("Expected status hint 501, got %d", local.ErrorStatusHint)
	}

	_, err = NormalizeAndValidate([][2]string{
		{"Transfer-Encoding", "chunked"},
		{"Transfer-Encoding", "chunked"},
	}, false)
	if err == nil {
		t.Error("Expected error for repeated Transfer-Encoding")
	}
}

func TestHeaders_GetComma(t *testing.T) {
	h, err := NormalizeAndValidate([][2]string{
		{"Connection", "Keep-Alive, Upgrade"},
		{"connection", "close"},
	}, false)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	expected := []string{"keep-alive", "upgrade", "close"}
	if !reflect.DeepEqual(h.GetComma("connection"), expected) {
		t.Errorf("Expected %v, got %v", expected, h.GetComma("connection"))
	}
	if got := h.GetComma("missing"); len(got) != 0 {
		t.Errorf("Expected no values for missing header, got %v", got)
	}
}

func TestHeaders_SetComma(t *testing.T) {
	h, err := NormalizeAndValidate([][2]string{
		{"Host", "example.com"},
		{"Connection", "keep-alive"},
	}, false)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	h, err = h.SetComma("connection", []string{"close"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	expected := [][2]string{
		{"Host", "example.com"},
		{"connection", "close"},
	}
	if !reflect.DeepEqual(h.RawItems(), expected) {
		t.Errorf("Expected %v, got %v", expected, h.RawItems())
	}

	// No values deletes the header entirely.
	h, err = h.SetComma("connection", nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if h.hasName("connection") {
		t.Error("Expected connection header to be removed")
	}
}

func TestHeaders_HasExpect100Continue(t *testing.T) {
	h, err := NormalizeAndValidate([][2]string{{"Expect", "100-Continue"}}, false)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !h.HasExpect100Continue() {
		t.Error("Expected 100-continue to be detected case-insensitively")
	}

	h, err = NormalizeAndValidate([][2]string{{"Expect", "something-else"}}, false)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if h.HasExpect100Continue() {
		t.Error("Did not expect 100-continue")
	}
}

func TestHeaders_NilSafety(t *testing.T) {
	var h *Headers
	if h.Len() != 0 {
		t.Errorf("Expected 0, got %d", h.Len())
	}
	if h.Get("anything") != "" {
		t.Error("Expected empty value from nil Headers")
	}
	if got := h.GetComma("anything"); len(got) != 0 {
		t.Errorf("Expected no values, got %v", got)
	}
	set, err := h.SetComma("transfer-encoding", []string{"chunked"})
	if err != nil {
		t.Fatalf("Unexpected error from SetComma on nil Headers: %v", err)
	}
	if got := set.Get("transfer-encoding"); got != "chunked" {
		t.Errorf("Expected chunked, got %q", got)
	}
}

func TestHeaders_NormalizeIdempotent(t *testing.T) {
	pairs := [][2]string{
		{"Host", "example.com"},
		{"Content-Length", " 5 "},
		{"Transfer-Encoding", "Chunked"},
	}
	first, err := NormalizeAndValidate(pairs, false)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	second, err := NormalizeAndValidate(first.RawItems(), false)
	if err != nil {
		t.Fatalf("Unexpected error on renormalize: %v", err)
	}

	a, b := first.RawItems(), second.RawItems()
	if len(a) != len(b) {
		t.Fatalf("Expected %d fields, got %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("Field %d changed on renormalize: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestHeaders_ContentLengthWhitespaceAgreement(t *testing.T) {
	h, err := NormalizeAndValidate([][2]string{
		{"Content-Length", "5"},
		{"Content-Length", " 5 "},
	}, false)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got := h.Get("content-length"); got != "5" {
		t.Errorf("Expected collapsed value 5, got %q", got)
	}
	if h.Len() != 1 {
		t.Errorf("Expected one field after collapse, got %d", h.Len())
	}
}
