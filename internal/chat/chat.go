// Package chat defines and implements the Chat Provider external
// collaborator (spec §6): Generate(prompt, context) -> text. Distinct
// tiers (a low-cost Fast tier, a default tier) are modeled as separate
// Provider values rather than a parameter, so a caller can't accidentally
// downgrade a quality-sensitive call.
package chat

import "context"

// Provider generates a chat completion from a user prompt and an
// assembled grounding context (which may be empty, e.g. Exhaustive mode's
// count-only synthesis in §4.6 step 10).
type Provider interface {
	Generate(ctx context.Context, prompt, context string) (string, error)
}
