package orchestrator

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/fleetgate/fleetgate/pkg/models"
)

// staticInstructions is the fixed base of every system prompt.
const staticInstructions = `You are Fleetgate, an assistant for managing a device and subscription inventory.
Use the provided tools to answer questions and carry out changes.
Mutations above a risk threshold require explicit user confirmation before they run; never claim a change happened before its tool result confirms it.
Prefer small, targeted operations over large batches.`

// systemPrompt assembles the per-turn system prompt from the static block,
// retrieved memories, and matched interaction patterns. Memory and pattern
// services are optional and best effort; their failures are logged, never
// surfaced.
func (o *Orchestrator) systemPrompt(ctx context.Context, uc models.UserContext, query string) string {
	var b strings.Builder
	b.WriteString(staticInstructions)

	if o.memory != nil {
		entries, err := o.memory.Retrieve(ctx, uc, query, o.cfg.MemoryLimit)
		if err != nil {
			log.Warn().Err(err).Str("tenant", uc.TenantID).Msg("Memory retrieval failed")
		} else if len(entries) > 0 {
			b.WriteString("\n\nRelevant facts from previous conversations:\n")
			for _, e := range entries {
				b.WriteString("- " + e.Content + "\n")
			}
		}
	}

	if o.patterns != nil {
		matches, err := o.patterns.Match(ctx, uc, query)
		if err != nil {
			log.Warn().Err(err).Str("tenant", uc.TenantID).Msg("Pattern match failed")
		} else {
			var kept []string
			for _, m := range matches {
				if m.Similarity < o.cfg.PatternThreshold {
					continue
				}
				outcome := "succeeded"
				if !m.Succeeded {
					outcome = "failed"
				}
				kept = append(kept, "- For \""+m.Trigger+"\" the approach \""+m.Response+"\" "+outcome+".")
			}
			if len(kept) > 0 {
				b.WriteString("\n\nSimilar past requests:\n")
				b.WriteString(strings.Join(kept, "\n"))
				b.WriteString("\n")
			}
		}
	}

	return b.String()
}
