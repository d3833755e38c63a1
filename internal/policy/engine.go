// Package policy evaluates comment moderation rules written in Rego.
package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"
)

// Decisions a policy can return.
const (
	Allow = "allow"
	Block = "block"
)

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
// The module must define data.comment_policy.result.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.comment_policy.result"),
		rego.Module("comment_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// NewEngineFromFile loads the policy from path, or DefaultPolicy when path is empty.
func NewEngineFromFile(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy %s: %w", path, err)
	}
	return NewEngine(ctx, string(content))
}

// Input is what a comment policy sees.
type Input struct {
	Username  string `json:"username"`
	Text      string `json:"text"`
	HomePage  string `json:"home_page"`
	IsReply   bool   `json:"is_reply"`
	HasImage  bool   `json:"has_image"`
	MaxLength int    `json:"max_length"`
}

// Evaluate checks a comment against the policy.
// Returns: decision (allow, block), reason (empty when allowed), error
func (e *Engine) Evaluate(ctx context.Context, input Input) (string, string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Allow, "", nil
	}

	switch v := results[0].Expressions[0].Value.(type) {
	case string:
		return v, "", nil
	case map[string]interface{}:
		decision, _ := v["decision"].(string)
		reason, _ := v["reason"].(string)
		if decision == "" {
			decision = Allow
		}
		return decision, reason, nil
	default:
		return "", "", fmt.Errorf("unexpected policy result type %T", v)
	}
}

// DefaultPolicy bounds the text length and requires an http(s) home page.
const DefaultPolicy = `
package comment_policy

result = {"decision": "block", "reason": "Comment text is too long."} {
	count(input.text) > input.max_length
} else = {"decision": "block", "reason": "Home page must be a valid http(s) URL."} {
	input.home_page != ""
	not regex.match("^https?://[^\\s/$.?#][^\\s]*$", input.home_page)
} else = {"decision": "allow", "reason": ""} {
	true
}
`
