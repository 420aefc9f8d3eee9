package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePhone(t *testing.T) {
	cases := []struct {
		in, cc, want string
	}{
		{"+1 (415) 555-0100", "1", "+14155550100"},
		{"0044 20 7946 0000", "1", "+442079460000"},
		{"09121234567", "98", "+989121234567"},
		{"989121234567", "98", "+989121234567"},
		{"9121234567", "98", "+989121234567"},
		{"9121234567", "", "9121234567"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, NormalizePhone(c.in, c.cc), c.in)
	}
}

func TestValidPhone(t *testing.T) {
	assert.True(t, ValidPhone("+989121234567"))
	assert.False(t, ValidPhone("989121234567"))
	assert.False(t, ValidPhone("+98912abc4567"))
	assert.False(t, ValidPhone("+123"))
}

func TestNormalizeEmail(t *testing.T) {
	got, ok := NormalizeEmail("  Alice@Example.COM ")
	assert.True(t, ok)
	assert.Equal(t, "Alice@example.com", got)

	_, ok = NormalizeEmail("Alice <alice@example.com>")
	assert.False(t, ok)

	_, ok = NormalizeEmail("not-an-address")
	assert.False(t, ok)
}

func TestNewIDIsOrdered(t *testing.T) {
	a, b := NewID(), NewID()
	assert.True(t, ValidID(a))
	assert.Less(t, a, b)
}
