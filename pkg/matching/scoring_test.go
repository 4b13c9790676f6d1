package matching

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJaroWinkler(t *testing.T) {
	s := NewScorer()

	tests := []struct {
		name     string
		a        string
		b        string
		expected float64
		delta    float64
	}{
		{name: "identical", a: "martha", b: "martha", expected: 1.0, delta: 0},
		{name: "transposition", a: "martha", b: "marhta", expected: 0.961, delta: 0.01},
		{name: "close names", a: "dwayne", b: "duane", expected: 0.84, delta: 0.01},
		{name: "unrelated", a: "abc", b: "xyz", expected: 0.0, delta: 0},
		{name: "empty against value", a: "", b: "jane", expected: 0.0, delta: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, s.JaroWinkler(tt.a, tt.b), tt.delta)
		})
	}
}

func TestJaroWinklerPrefixBoost(t *testing.T) {
	s := NewScorer()
	// Shared prefix should score higher than the same edit later in the string.
	withPrefix := s.JaroWinkler("jonathan", "jonathon")
	withoutPrefix := s.JaroWinkler("nathanjo", "thonjona")
	assert.Greater(t, withPrefix, withoutPrefix)
}

func TestSoundex(t *testing.T) {
	s := NewScorer()

	tests := []struct {
		input    string
		expected string
	}{
		{input: "Robert", expected: "R163"},
		{input: "Rupert", expected: "R163"},
		{input: "Smith", expected: "S530"},
		{input: "Smyth", expected: "S530"},
		{input: "Jackson", expected: "J250"},
		{input: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, s.Soundex(tt.input))
		})
	}
}

func TestSoundexMatch(t *testing.T) {
	s := NewScorer()
	assert.Equal(t, 1.0, s.SoundexMatch("Smith", "Smyth"))
	assert.Equal(t, 0.0, s.SoundexMatch("Smith", "Jones"))
}

func TestAreaCode(t *testing.T) {
	tests := []struct {
		name     string
		phone    string
		expected string
	}{
		{name: "ten digits", phone: "5551234567", expected: "555"},
		{name: "eleven with country code", phone: "15551234567", expected: "555"},
		{name: "too short", phone: "1234567", expected: ""},
		{name: "empty", phone: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, areaCode(tt.phone))
		})
	}
}
