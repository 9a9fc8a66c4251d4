package h1kit

import (
	"testing"
)

func TestNewRequest_RequiresHostFor11(t *testing.T) {
	_, err := NewRequest("GET", "/", nil, "1.1")
	if err == nil {
		t.Fatal("Expected error for HTTP/1.1 request without Host")
	}

	req, err := NewRequest("GET", "/", [][2]string{{"Host", "example.com"}}, "1.1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if req.Method != "GET" || req.Target != "/" {
		t.Errorf("Unexpected request: %+v", req)
	}

	// HTTP/1.0 requests may omit Host.
	if _, err := NewRequest("GET", "/", nil, "1.0"); err != nil {
		t.Errorf("Unexpected error for HTTP/1.0 request: %v", err)
	}
}

func TestNewRequest_DefaultsVersion(t *testing.T) {
	req, err := NewRequest("GET", "/", [][2]string{{"Host", "example.com"}}, "")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if req.HTTPVersion != "1.1" {
		t.Errorf("Expected version 1.1, got %q", req.HTTPVersion)
	}
}

func TestNewRequest_RejectsBadMethodAndTarget(t *testing.T) {
	if _, err := NewRequest("GET ME", "/", [][2]string{{"Host", "a"}}, "1.1"); err == nil {
		t.Error("Expected error for method with a space")
	}
	if _, err := NewRequest("GET", "", [][2]string{{"Host", "a"}}, "1.1"); err == nil {
		t.Error("Expected error for empty target")
	}
}

func TestNewResponse_StatusRange(t *testing.T) {
	if _, err := NewResponse(200, nil, "", ""); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
	if _, err := NewResponse(999, nil, "", ""); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
	for _, status := range []int{100, 199, 1000, 0, -1} {
		if _, err := NewResponse(status, nil, "", ""); err == nil {
			t.Errorf("Expected error for status %d", status)
		}
	}
}

func TestNewInformationalResponse_StatusRange(t *testing.T) {
	if _, err := NewInformationalResponse(100, nil, "", ""); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
	for _, status := range []int{99, 200, 404} {
		if _, err := NewInformationalResponse(status, nil, "", ""); err == nil {
			t.Errorf("Expected error for status %d", status)
		}
	}
}

func TestNewEndOfMessage_ValidatesTrailers(t *testing.T) {
	eom, err := NewEndOfMessage([][2]string{{"X-Checksum", "abc"}})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if eom.Headers.Get("x-checksum") != "abc" {
		t.Errorf("Expected trailer to survive, got %v", eom.Headers.RawItems())
	}

	if _, err := NewEndOfMessage([][2]string{{"bad trailer", "x"}}); err == nil {
		t.Error("Expected error for illegal trailer name")
	}
}

func TestSentinel_String(t *testing.T) {
	if NeedData.String() != "NEED_DATA" {
		t.Errorf("Expected NEED_DATA, got %s", NeedData)
	}
	if Paused.String() != "PAUSED" {
		t.Errorf("Expected PAUSED, got %s", Paused)
	}
}
