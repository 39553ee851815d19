package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHash(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  string
	}{
		{"empty input", []byte{}, "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262"},
		{"hello", []byte("hello"), "ea8f163db38682925e4491c5e58d4bb3506ef8c14eb78a86e908c5624a67200f"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Hash(tt.input).String())
		})
	}
}

func TestDoubleHash(t *testing.T) {
	first := Hash([]byte("header"))
	assert.Equal(t, Hash(first[:]), DoubleHash([]byte("header")))
	assert.NotEqual(t, first, DoubleHash([]byte("header")))
}
