package naming

import (
	"slices"
	"strings"
	"testing"
)

func TestGenerateIsStable(t *testing.T) {
	a := Generate("AA:BB:CC:DD:EE:FF")
	b := Generate("AA:BB:CC:DD:EE:FF")
	if a != b {
		t.Errorf("Generate() not stable: %q vs %q", a, b)
	}
}

func TestGenerateIgnoresFormatting(t *testing.T) {
	want := Generate("AA:BB:CC:DD:EE:FF")
	for _, addr := range []string{"aa:bb:cc:dd:ee:ff", "AA-BB-CC-DD-EE-FF", "aabbccddeeff"} {
		if got := Generate(addr); got != want {
			t.Errorf("Generate(%q) = %q, want %q", addr, got, want)
		}
	}
}

func TestGenerateShape(t *testing.T) {
	name := Generate("11:22:33:44:55:66")
	parts := strings.Split(name, " ")
	if len(parts) != 2 {
		t.Fatalf("Generate() = %q, want two words", name)
	}
	if !slices.Contains(adjectives, parts[0]) {
		t.Errorf("first word %q is not an adjective", parts[0])
	}
	if !slices.Contains(nouns, parts[1]) {
		t.Errorf("second word %q is not a noun", parts[1])
	}
}
