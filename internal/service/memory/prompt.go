package memory

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/engramlabs/engram/internal/core"
)

// renderTranscript formats a turn window the way the oracles expect:
// the assistant speaks as "me", everyone else as "user".
func renderTranscript(turns []core.Turn) string {
	parts := make([]string, 0, len(turns))
	for _, t := range turns {
		role := "user"
		if t.Sender == core.RoleAssistant {
			role = "me"
		}
		parts = append(parts, fmt.Sprintf("%s: %s", role, t.Content))
	}
	return strings.Join(parts, "\n\n")
}

// renderKnowledgeContext serializes the active store for the
// consolidation oracle. Facts and summaries carry their ids so the
// oracle can reference what it supersedes.
func renderKnowledgeContext(k core.Knowledge) string {
	var parts []string

	if len(k.Entities) > 0 {
		parts = append(parts, "## Key Entities:")
		for _, e := range k.Entities {
			parts = append(parts, fmt.Sprintf("%s: %s", e.Name(), e.Brief))
		}
	}

	if len(k.Summaries) > 0 {
		parts = append(parts, "\n## Summaries of Past Messages:")
		for _, s := range k.Summaries {
			parts = append(parts, fmt.Sprintf("[ID:%d] %s", s.ID, s.Body))
		}
	}

	if len(k.Facts) > 0 {
		parts = append(parts, "\n## Facts:")
		for _, f := range k.Facts {
			parts = append(parts, fmt.Sprintf("[ID:%d] %s", f.ID, f.Body))
		}
	}

	if len(parts) == 0 {
		return "(memory is empty)"
	}
	return strings.Join(parts, "\n")
}

func buildConsolidationPrompt(knowledgeContext, transcript string) string {
	return fmt.Sprintf(`CONTEXT:
%s


RECENT MESSAGES:
%s

<<Chat Paused for Memory Consolidation>>
It's time to update and maintain your memory system based off of recent events.

Write a summary of the recent messages in first person, from the perspective of "me". Focus on what you'd want to remember, being concise.

Then record new things worth remembering as individual self-contained facts, and for any facts in the CONTEXT that are now out of date, write a replacement referencing the old fact's ID. Introduce entities (people, places, things) that matter, and update the brief of any entity whose situation changed.

Output only valid JSON in this exact shape:
{
  "summary": {"body": "...", "importance": 0-10, "salience": 0-10, "related_entities": ["alias", ...]},
  "new_entities": [{"aliases": ["canonical name", "other alias", ...], "brief": "1-2 sentences"}],
  "updated_entities": [{"supersedes_id": 0, "aliases": [...], "brief": "..."}],
  "new_facts": [{"body": "...", "kind": "base|question|objective|theory", "importance": 0-10, "salience": 0-10, "related_entities": [...]}],
  "updated_facts": [{"supersedes_id": 0, "body": "...", "kind": "...", "importance": 0-10, "salience": 0-10, "related_entities": [...]}]
}`, knowledgeContext, transcript)
}

type oracleSummary struct {
	Body            string   `json:"body"`
	Importance      int      `json:"importance"`
	Salience        int      `json:"salience"`
	RelatedEntities []string `json:"related_entities"`
}

type oracleEntity struct {
	Aliases []string `json:"aliases"`
	Brief   string   `json:"brief"`
}

type oracleUpdatedEntity struct {
	oracleEntity
	SupersedesID int64 `json:"supersedes_id"`
}

type oracleFact struct {
	Body            string   `json:"body"`
	Kind            string   `json:"kind"`
	Importance      int      `json:"importance"`
	Salience        int      `json:"salience"`
	RelatedEntities []string `json:"related_entities"`
}

type oracleUpdatedFact struct {
	oracleFact
	SupersedesID int64 `json:"supersedes_id"`
}

type consolidationResponse struct {
	Summary         oracleSummary         `json:"summary"`
	NewEntities     []oracleEntity        `json:"new_entities"`
	UpdatedEntities []oracleUpdatedEntity `json:"updated_entities"`
	NewFacts        []oracleFact          `json:"new_facts"`
	UpdatedFacts    []oracleUpdatedFact   `json:"updated_facts"`
}

func parseConsolidationResponse(content string) (consolidationResponse, error) {
	var parsed consolidationResponse

	jsonStr := extractJSONObject(content)
	if jsonStr == "" {
		return parsed, fmt.Errorf("%w: no JSON object found in response", core.ErrMalformedOracleOutput)
	}
	if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
		return parsed, fmt.Errorf("%w: unmarshal consolidation result: %v", core.ErrMalformedOracleOutput, err)
	}
	if strings.TrimSpace(parsed.Summary.Body) == "" {
		return parsed, fmt.Errorf("%w: consolidation result has no summary", core.ErrMalformedOracleOutput)
	}
	return parsed, nil
}

func buildEvaluationPrompt(contextText, chatHistory, newMessage string) string {
	return fmt.Sprintf(`You are maintaining your memory system, trying to prevent it from building up with irrelevant context and finetune it over time.
You were having the conversation below (CHAT HISTORY), and you were given the CONTEXT to write your NEW MESSAGE.
Now you're evaluating how useful each piece of CONTEXT was for generating that NEW MESSAGE.

CHAT HISTORY
%s

CONTEXT
%s

NEW MESSAGE (the message you just sent, for which you are evaluating the context's usefulness)
%s

For each [ID:n] item in the CONTEXT, rate its usefulness:
0 = Not useful or relevant to the response. Just noise.
1 = Somewhat useful or relevant. Maybe wasn't used, but could have been.
2 = Clearly useful and influenced the response.

Output only a JSON array: [{"id": n, "usefulness": 0-2}, ...]`, chatHistory, contextText, newMessage)
}

type itemEvaluation struct {
	ID         int64 `json:"id"`
	Usefulness int   `json:"usefulness"`
}

func parseEvaluationResponse(content string) ([]itemEvaluation, error) {
	jsonStr := extractJSONArray(content)
	if jsonStr == "" {
		return nil, fmt.Errorf("%w: no JSON array found in response", core.ErrMalformedOracleOutput)
	}

	var evals []itemEvaluation
	if err := json.Unmarshal([]byte(jsonStr), &evals); err != nil {
		return nil, fmt.Errorf("%w: unmarshal evaluations: %v", core.ErrMalformedOracleOutput, err)
	}
	return evals, nil
}

// extractJSONObject pulls the outermost {...} from a model response
// that may wrap it in prose or a code fence.
func extractJSONObject(content string) string {
	start := strings.Index(content, "{")
	if start == -1 {
		return ""
	}
	end := strings.LastIndex(content[start:], "}")
	if end == -1 {
		return ""
	}
	return content[start : start+end+1]
}

func extractJSONArray(content string) string {
	start := strings.Index(content, "[")
	if start == -1 {
		return ""
	}
	end := strings.LastIndex(content[start:], "]")
	if end == -1 {
		return ""
	}
	return content[start : start+end+1]
}
