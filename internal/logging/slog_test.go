package logging

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAnonymizeEmail(t *testing.T) {
	tests := []struct {
		name  string
		email string
		other string
		same  bool
	}{
		{name: "case insensitive", email: "Parent@Example.com", other: "parent@example.com", same: true},
		{name: "whitespace trimmed", email: " parent@example.com ", other: "parent@example.com", same: true},
		{name: "distinct emails differ", email: "a@example.com", other: "b@example.com", same: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := AnonymizeEmail(tt.email)
			b := AnonymizeEmail(tt.other)
			if tt.same {
				assert.Equal(t, a, b)
			} else {
				assert.NotEqual(t, a, b)
			}
		})
	}
}

func TestAnonymizeEmailEmpty(t *testing.T) {
	assert.Equal(t, "", AnonymizeEmail(""))
}

func TestAnonymizeEmailNeverContainsPlaintext(t *testing.T) {
	hashed := AnonymizeEmail("parent@example.com")
	assert.NotContains(t, hashed, "parent")
	assert.NotContains(t, hashed, "example.com")
}

func TestErrNil(t *testing.T) {
	attr := Err(nil)
	// A nil error yields an empty group that slog omits from output.
	assert.Equal(t, "", attr.Key)
}

func TestErrNonNil(t *testing.T) {
	attr := Err(errors.New("boom"))
	assert.Equal(t, KeyError, attr.Key)
	assert.Equal(t, "boom", attr.Value.String())
}

func TestSanitizeCookie(t *testing.T) {
	assert.Equal(t, "<empty>", SanitizeCookie(""))
	masked := SanitizeCookie("PORTAL_SESSION=abc123")
	assert.NotContains(t, masked, "abc123")
	assert.Contains(t, masked, "21")
}

func TestExtractDomain(t *testing.T) {
	assert.Equal(t, "example.com", ExtractDomain("parent@example.com"))
	assert.Equal(t, "", ExtractDomain("not-an-email"))
	assert.Equal(t, "", ExtractDomain(""))
}
