package identity

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSafeSubject(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"t.wong", true},
		{"12345", true},
		{"user@school.example", true},
		{"E-0042_b", true},
		{"", false},
		{strings.Repeat("x", MaxSubjectLength), true},
		{strings.Repeat("x", MaxSubjectLength+1), false},
		{"o'brien", false},
		{`say "hi"`, false},
		{"<script>", false},
		{"a>b", false},
		{"a;b", false},
		{"a--b", false},
		{"a/*b", false},
		{"a*/b", false},
		{`a\b`, false},
		{"a\nb", false},
		{"a\x00b", false},
		{"a-b", true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, SafeSubject(tt.id), "SafeSubject(%q)", tt.id)
	}
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc.def.ghi", BearerToken("Bearer abc.def.ghi"))
	assert.Equal(t, "abc", BearerToken("bearer   abc "))
	assert.Empty(t, BearerToken("Basic dXNlcjpwYXNz"))
	assert.Empty(t, BearerToken("Bearer"))
	assert.Empty(t, BearerToken(""))
}
