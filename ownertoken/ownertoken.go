// Package ownertoken mints the opaque owner tokens workers present to prove
// ownership of a claim or a lease.
package ownertoken

import "github.com/google/uuid"

// Token is an opaque value identifying the current holder of a claim or
// lease. Two tokens are equal iff they were minted identically; callers must
// never parse or derive meaning from a Token's contents.
type Token string

// Generate mints a fresh, globally unique Token.
func Generate() Token {
	return Token(uuid.NewString())
}

// Empty reports whether t carries no value, i.e. no owner.
func (t Token) Empty() bool { return t == "" }

// String implements fmt.Stringer.
func (t Token) String() string { return string(t) }
