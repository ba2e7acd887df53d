package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello world", "hello world"},
		{"empty", "", ""},
		{"rlo override", "hi\u202ethere", "hithere"},
		{"all overrides", "\u202a\u202b\u202c\u202d\u202ex", "x"},
		{"all isolates", "\u2066\u2067\u2068\u2069x", "x"},
		{"mixed with text", "a\u202eb\u2066c", "abc"},
		{"neighbouring codepoints kept", "  \u2065\u206a", "  \u2065\u206a"},
		{"multibyte preserved", "héllo ☕ \u202eworld", "héllo ☕ world"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, String(tc.in))
		})
	}
}

func TestStringPtr(t *testing.T) {
	assert.Nil(t, StringPtr(nil))

	in := "x\u202ey"
	out := StringPtr(&in)
	if assert.NotNil(t, out) {
		assert.Equal(t, "xy", *out)
	}
	// The input must not be mutated.
	assert.Equal(t, "x\u202ey", in)
}

func TestStrings(t *testing.T) {
	got := Strings([]string{"a\u202e", "b", "\u2066c"})
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Nil(t, Strings(nil))
}
