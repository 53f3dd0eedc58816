package logging

import (
	"sort"
	"testing"
)

func TestMaskFieldRedactsUnknownKeys(t *testing.T) {
	attr := MaskField("privateKey", "deadbeef")
	if attr.Value.String() != RedactedValue {
		t.Fatalf("sensitive key leaked: %s", attr.Value.String())
	}

	attr = MaskField("peer", "10.0.0.1:20444")
	if attr.Value.String() != "10.0.0.1:20444" {
		t.Fatalf("allowlisted key should pass through, got %s", attr.Value.String())
	}

	attr = MaskField("privateKey", "")
	if attr.Value.String() != "" {
		t.Fatalf("empty values are not masked")
	}
}

func TestIsAllowlistedNormalizes(t *testing.T) {
	if !IsAllowlisted("  Component ") {
		t.Fatalf("allowlist check should trim and lowercase")
	}
	if IsAllowlisted("passphrase") {
		t.Fatalf("passphrase must never be allowlisted")
	}
}

func TestMaskValue(t *testing.T) {
	if MaskValue("secret") != RedactedValue {
		t.Fatalf("non-empty values must be masked")
	}
	if MaskValue("  ") != "  " {
		t.Fatalf("blank values pass through unchanged")
	}
}

func TestRedactionAllowlistIsSortedCopy(t *testing.T) {
	keys := RedactionAllowlist()
	if !sort.StringsAreSorted(keys) {
		t.Fatalf("allowlist should come back sorted")
	}
	for _, key := range keys {
		if key == "privatekey" || key == "passphrase" {
			t.Fatalf("sensitive key %q in allowlist", key)
		}
	}
}
