package normalizers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmail(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "lowercases", input: "Jane.Doe@Example.COM", expected: "jane.doe@example.com"},
		{name: "trims whitespace", input: "  jane@example.com  ", expected: "jane@example.com"},
		{name: "empty stays empty", input: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Email(tt.input))
		})
	}
}

func TestPhone(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "strips formatting", input: "(555) 123-4567", expected: "5551234567"},
		{name: "strips leading country code", input: "+1 555.123.4567", expected: "5551234567"},
		{name: "country code variants converge", input: "1-303-555-0100", expected: "3035550100"},
		{name: "ten digit number untouched", input: "303-555-0100", expected: "3035550100"},
		{name: "leading 1 kept on short number", input: "1234567", expected: "1234567"},
		{name: "letters removed", input: "555-CATS", expected: "555"},
		{name: "empty stays empty", input: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Phone(tt.input))
		})
	}
}

func TestMicrochip(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "15 digit ISO chip kept", input: "985112345678903", expected: "985112345678903"},
		{name: "9 digit AVID chip kept", input: "123456789", expected: "123456789"},
		{name: "partial read rejected", input: "12345678", expected: ""},
		{name: "whitespace trimmed before length check", input: "  985112345678903  ", expected: "985112345678903"},
		{name: "empty rejected", input: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Microchip(tt.input))
		})
	}
}

func TestAddress(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "abbreviates street suffix",
			input:    "123 Main Street",
			expected: "123 main st",
		},
		{
			name:     "abbreviates directionals and unit",
			input:    "456 North Oak Avenue, Apartment 2B",
			expected: "456 n oak ave apt 2b",
		},
		{
			name:     "strips punctuation and collapses whitespace",
			input:    "789  Elm   Dr.,  Unit #4",
			expected: "789 elm dr unit 4",
		},
		{
			name:     "equivalent variants converge",
			input:    "123 MAIN ST.",
			expected: "123 main st",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Address(tt.input))
		})
	}
}

func TestName(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "lowercases and trims", input: "  Jane Doe  ", expected: "jane doe"},
		{name: "strips generational suffix", input: "Robert Smith Jr.", expected: "robert smith"},
		{name: "strips roman numeral suffix", input: "Henry Ford III", expected: "henry ford"},
		{name: "strips punctuation", input: "O'Brien, Mary-Anne", expected: "obrien maryanne"},
		{name: "collapses interior whitespace", input: "Jane   Doe", expected: "jane doe"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Name(tt.input))
		})
	}
}

func TestApply(t *testing.T) {
	t.Run("known normalizer applies", func(t *testing.T) {
		assert.Equal(t, "jane@example.com", Apply(" Jane@Example.com ", "email"))
	})

	t.Run("unknown normalizer passes through", func(t *testing.T) {
		assert.Equal(t, " raw value ", Apply(" raw value ", "nope"))
	})
}
