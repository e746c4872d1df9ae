package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCallID(t *testing.T) {
	atLimit := strings.Repeat("x", MaxCallIDLen)

	cases := []struct {
		name string
		raw  string
		want CallID
		ok   bool
	}{
		{"empty", "", "", true},
		{"trimmed", "  C1\t", "C1", true},
		{"at limit", atLimit, CallID(atLimit), true},
		{"limit after trim", " " + atLimit + " ", CallID(atLimit), true},
		{"over limit", atLimit + "y", "", false},
		{"invalid utf8", "C\xff1", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ParseCallID(tc.raw)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseCallIDKeepsLongIDsApart(t *testing.T) {
	prefix := strings.Repeat("p", MaxCallIDLen)
	_, ok1 := ParseCallID(prefix + "-one")
	_, ok2 := ParseCallID(prefix + "-two")
	assert.False(t, ok1)
	assert.False(t, ok2)
}
