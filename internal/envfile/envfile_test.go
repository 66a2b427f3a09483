package envfile

import (
	"reflect"
	"testing"
)

func TestParse(t *testing.T) {
	text := "# a comment\n\nFOO=bar\nQUOTED=\"hello world\"\nBAD_LINE\nSPACED = trimmed \n"
	got := Parse(text)
	want := []string{"FOO=bar", "QUOTED=hello world", "SPACED=trimmed"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Parse() = %#v, want %#v", got, want)
	}
}

func TestParseEmpty(t *testing.T) {
	if got := Parse(""); got != nil {
		t.Fatalf("Parse(\"\") = %#v, want nil", got)
	}
}
