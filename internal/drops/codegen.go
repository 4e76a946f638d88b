// Package drops implements the issuance engine: admission policy, code
// generation, and the two-call Shopify provisioning sequence behind every
// drop.
package drops

import (
	"fmt"
	"math/rand"
	"strings"
)

// CodeGenerator produces discount codes of the form
//
//	<PREFIX><HANDLE>-<NNNN>
//
// where HANDLE is the claimant's login reduced to uppercase alphanumerics
// and NNNN is a random 4-digit suffix. The suffix exists for readability,
// not uniqueness; collisions are tolerated because each code binds to its
// own price rule.
type CodeGenerator struct {
	// intN returns a value in [0, n). Defaults to math/rand/v2; tests
	// inject a deterministic source.
	intN func(n int) int
}

// NewCodeGenerator returns a CodeGenerator backed by the default random source.
func NewCodeGenerator() *CodeGenerator {
	return &CodeGenerator{intN: rand.Intn}
}

// NewCodeGeneratorWithSource returns a CodeGenerator with a caller-provided
// random function. Intended for tests.
func NewCodeGeneratorWithSource(intN func(n int) int) *CodeGenerator {
	return &CodeGenerator{intN: intN}
}

// Generate builds a code from the configured prefix and the claimant handle.
func (g *CodeGenerator) Generate(prefix, handle string) string {
	return fmt.Sprintf("%s%s-%04d", prefix, sanitizeHandle(handle), g.intN(10000))
}

// sanitizeHandle keeps only ASCII letters and digits, uppercased. An empty
// result (handle was all symbols) falls back to "VIEWER" so codes stay legible.
func sanitizeHandle(handle string) string {
	var b strings.Builder
	for _, r := range handle {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - ('a' - 'A'))
		case (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "VIEWER"
	}
	return b.String()
}
