package service

import (
	"crypto/rand"
	"io"
)

// Base62 character set for short code generation
const base62Chars = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// maxUnbiased is the largest multiple of 62 that fits in a byte.
// Bytes at or above it are discarded so every symbol is equally likely.
const maxUnbiased = 256 - 256%len(base62Chars)

// ShortCodeGenerator produces random fixed-length base62 codes.
// It does not check uniqueness; callers verify against the store and retry.
type ShortCodeGenerator struct {
	rand       io.Reader
	codeLength int
}

// NewShortCodeGenerator creates a generator reading from src.
// A nil src uses crypto/rand.
func NewShortCodeGenerator(codeLength int, src io.Reader) *ShortCodeGenerator {
	if src == nil {
		src = rand.Reader
	}
	if codeLength <= 0 {
		codeLength = 6
	}
	return &ShortCodeGenerator{rand: src, codeLength: codeLength}
}

// Generate returns a new code.
func (g *ShortCodeGenerator) Generate() (string, error) {
	code := make([]byte, 0, g.codeLength)
	buf := make([]byte, g.codeLength+g.codeLength/2)

	for len(code) < g.codeLength {
		if _, err := io.ReadFull(g.rand, buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= maxUnbiased {
				continue
			}
			code = append(code, base62Chars[int(b)%len(base62Chars)])
			if len(code) == g.codeLength {
				break
			}
		}
	}
	return string(code), nil
}
