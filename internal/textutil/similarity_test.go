package textutil

import (
	"math"
	"testing"
)

func TestFold(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"  Lecture Hall A ", "lecture hall a"},
		{"Café-Room #2", "cafe room 2"},
		{"Müller, Jürgen", "muller jurgen"},
		{"---", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Fold(tt.in); got != tt.want {
			t.Errorf("Fold(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSimilarity(t *testing.T) {
	tests := []struct {
		a, b    string
		min     float64
		max     float64
		comment string
	}{
		{"Lecture Hall A", "lecture hall a", 1, 1, "case only"},
		{"John Smith", "Smith John", 1, 1, "reordered tokens"},
		{"Room 101", "Room 102", 0.8, 0.95, "one digit apart"},
		{"Science Block", "Library", 0, 0.4, "unrelated"},
		{"", "Room", 0, 0, "empty"},
	}
	for _, tt := range tests {
		got := Similarity(tt.a, tt.b)
		if got < tt.min || got > tt.max {
			t.Errorf("Similarity(%q, %q) = %.3f, want [%v, %v] (%s)", tt.a, tt.b, got, tt.min, tt.max, tt.comment)
		}
	}
}

func TestTokenSimilarity_Bounded(t *testing.T) {
	pairs := [][2]string{
		{"Lecture Hall A", "lecture hall a"},
		{"John Smith", "Smith John"},
		{"a a b c", "c b a a"},
		{"North Wing Seminar Room 3", "room 3 seminar wing north"},
	}
	for _, p := range pairs {
		if got := TokenSimilarity(p[0], p[1]); got != 1 {
			t.Errorf("TokenSimilarity(%q, %q) = %v, want exactly 1", p[0], p[1], got)
		}
	}
}

func TestSimilarity_Symmetric(t *testing.T) {
	pairs := [][2]string{
		{"Dr. Ann Lee", "Ann Lee"},
		{"CS101", "CS 101"},
		{"Main Hall", "Great Hall"},
	}
	for _, p := range pairs {
		ab, ba := Similarity(p[0], p[1]), Similarity(p[1], p[0])
		if math.Abs(ab-ba) > 1e-9 {
			t.Errorf("Similarity not symmetric for %q/%q: %v vs %v", p[0], p[1], ab, ba)
		}
	}
}

func TestEqual(t *testing.T) {
	if !Equal("A.Lee@Uni.edu", "a lee uni edu") {
		t.Error("Equal should ignore case and punctuation")
	}
	if Equal("", "") {
		t.Error("Equal should be false for empty values")
	}
}
