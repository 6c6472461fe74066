package errfmt

import (
	"strings"
	"testing"
)

func TestTruncate_ShortPassthrough(t *testing.T) {
	result := Truncate("short message")
	if result != "short message" {
		t.Errorf("Truncate() = %q, want %q", result, "short message")
	}
}

func TestTruncate_LongMessage(t *testing.T) {
	longMsg := strings.Repeat("x", MaxLen+500)
	result := Truncate(longMsg)
	if len(result) > MaxLen {
		t.Errorf("len(result) = %d, want <= %d", len(result), MaxLen)
	}
}

func TestTruncate_UTF8Truncation(t *testing.T) {
	prefix := strings.Repeat("x", MaxLen-2)
	input := prefix + "\U0001F600" // 4-byte emoji at boundary
	result := Truncate(input)
	if len(result) > MaxLen {
		t.Errorf("len(result) = %d, want <= %d", len(result), MaxLen)
	}
	for i, r := range result {
		if r == '�' {
			t.Errorf("invalid UTF-8 at byte %d", i)
			break
		}
	}
}

func TestSanitizeMethod_Valid(t *testing.T) {
	result := SanitizeMethod("tools/list")
	if result != "tools/list" {
		t.Errorf("SanitizeMethod() = %q, want %q", result, "tools/list")
	}
}

func TestSanitizeMethod_ControlCharRejected(t *testing.T) {
	for _, raw := range []string{"tools\x00list", "tools\nlist", "tools\tlist", "\x1b[31mtools"} {
		if result := SanitizeMethod(raw); result != "<invalid>" {
			t.Errorf("SanitizeMethod(%q) = %q, want <invalid>", raw, result)
		}
	}
}

func TestSanitizeMethod_LongTruncated(t *testing.T) {
	long := strings.Repeat("a", MaxMethodLen+50)
	result := SanitizeMethod(long)
	if len(result) > MaxMethodLen {
		t.Errorf("len(result) = %d, want <= %d", len(result), MaxMethodLen)
	}
}

func TestSanitizeMethod_UTF8SafeTruncation(t *testing.T) {
	prefix := strings.Repeat("x", MaxMethodLen-2)
	input := prefix + "\U0001F600" // 4-byte emoji at boundary
	result := SanitizeMethod(input)
	if len(result) > MaxMethodLen {
		t.Errorf("len(result) = %d, want <= %d", len(result), MaxMethodLen)
	}
	for i, r := range result {
		if r == '�' {
			t.Errorf("invalid UTF-8 at byte %d", i)
			break
		}
	}
}
