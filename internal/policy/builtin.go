package policy

import (
	"context"
	"regexp"
	"unicode/utf8"
)

// Reasons shared by DefaultPolicy and Builtin.
const (
	ReasonTooLong     = "Comment text is too long."
	ReasonBadHomePage = "Home page must be a valid http(s) URL."
)

var homePagePattern = regexp.MustCompile(`^https?://[^\s/$.?#][^\s]*$`)

// Builtin applies the same rules as DefaultPolicy without an OPA runtime.
type Builtin struct{}

// Evaluate checks a comment against the built-in rules.
func (Builtin) Evaluate(_ context.Context, input Input) (string, string, error) {
	if input.MaxLength > 0 && utf8.RuneCountInString(input.Text) > input.MaxLength {
		return Block, ReasonTooLong, nil
	}
	if input.HomePage != "" && !homePagePattern.MatchString(input.HomePage) {
		return Block, ReasonBadHomePage, nil
	}
	return Allow, "", nil
}
