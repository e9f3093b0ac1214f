package contacts

import (
	"reflect"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		want   string
		wantOK bool
	}{
		{name: "local 09 form", input: "09171234567", want: "639171234567", wantOK: true},
		{name: "international form", input: "+639171234567", want: "639171234567", wantOK: true},
		{name: "canonical form", input: "639171234567", want: "639171234567", wantOK: true},
		{name: "surrounding spaces", input: "  09181234567 ", want: "639181234567", wantOK: true},
		{name: "too short", input: "0917123456", wantOK: false},
		{name: "too long", input: "091712345678", wantOK: false},
		{name: "wrong prefix", input: "08171234567", wantOK: false},
		{name: "letters", input: "0917abc4567", wantOK: false},
		{name: "empty", input: "", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Normalize(tt.input)
			if ok != tt.wantOK {
				t.Fatalf("Normalize(%q) ok = %v, want %v", tt.input, ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestNormalize_BothFormsAgree(t *testing.T) {
	local, ok1 := Normalize("09991234567")
	intl, ok2 := Normalize("+639991234567")
	if !ok1 || !ok2 {
		t.Fatal("Expected both forms to be accepted")
	}
	if local != intl {
		t.Errorf("Expected identical canonical forms, got %q and %q", local, intl)
	}
}

func TestClean(t *testing.T) {
	got := Clean("09171234567, +639181234567, 12345")
	want := []string{"639171234567", "639181234567"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Clean() = %v, want %v", got, want)
	}
}

func TestClean_RejectsCanonicalInput(t *testing.T) {
	if got := Clean("639171234567"); len(got) != 0 {
		t.Errorf("Expected canonical input to be rejected by Clean, got %v", got)
	}
}

func TestClean_Empty(t *testing.T) {
	if got := Clean(""); len(got) != 0 {
		t.Errorf("Expected no numbers, got %v", got)
	}
	if got := Clean(" , ,"); len(got) != 0 {
		t.Errorf("Expected no numbers, got %v", got)
	}
}

func TestNormalizeAll(t *testing.T) {
	got := NormalizeAll([]string{"639171234567", "09181234567", "bogus"})
	want := []string{"639171234567", "639181234567"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("NormalizeAll() = %v, want %v", got, want)
	}
}
