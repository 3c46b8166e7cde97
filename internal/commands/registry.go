package commands

import (
	"regexp"
	"sort"
	"strings"
)

// maxTriggerOffset is how far into a segment a trigger phrase may
// start. Triggers buried mid-sentence are conversation, not commands.
const maxTriggerOffset = 20

// minCommandLen is the least command text required after the trigger.
const minCommandLen = 3

var leadingPunct = regexp.MustCompile(`^[,;:\.\s]+`)

// builtinTriggers maps trigger phrases, including common transcription
// mishearings, to agent IDs.
var builtinTriggers = map[string]string{
	"hey oasis": "oasis", "hay oasis": "oasis", "oasis": "oasis",
	"ohasis": "oasis", "oh asis": "oasis", "oases": "oasis",
	"hey aech": "aech", "hey h": "aech", "aech": "aech",
	"hey curator": "curator", "the curator": "curator", "curator": "curator",
	"hey artemis": "art3mis", "artemis": "art3mis", "artimis": "art3mis", "art3mis": "art3mis",
	"hey ogden": "ogden", "ogden morrow": "ogden", "ogden": "ogden",
	"hey irok": "ir0k", "irok": "ir0k", "i rok": "ir0k",
	"i rock": "ir0k", "i-rok": "ir0k", "eye rock": "ir0k",
	"hey nolan": "nolan", "nolan": "nolan",
	"hey dito": "dito", "hey ditto": "dito", "dito": "dito", "ditto": "dito",
	"hey anorak": "anorak", "anorak": "anorak", "anna rack": "anorak",
}

// Registry resolves trigger phrases to agent IDs, longest phrase first
// so "hey oasis" wins over "oasis".
type Registry struct {
	triggers map[string]string
	sorted   []string
}

// NewRegistry builds the registry from the built-in table plus any
// configured extras (extras override on collision).
func NewRegistry(extra map[string]string) *Registry {
	triggers := make(map[string]string, len(builtinTriggers)+len(extra))
	for phrase, agent := range builtinTriggers {
		triggers[phrase] = agent
	}
	for phrase, agent := range extra {
		phrase = strings.ToLower(strings.TrimSpace(phrase))
		agent = strings.TrimSpace(agent)
		if phrase == "" || agent == "" {
			continue
		}
		triggers[phrase] = agent
	}

	sorted := make([]string, 0, len(triggers))
	for phrase := range triggers {
		sorted = append(sorted, phrase)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if len(sorted[i]) != len(sorted[j]) {
			return len(sorted[i]) > len(sorted[j])
		}
		return sorted[i] < sorted[j]
	})
	return &Registry{triggers: triggers, sorted: sorted}
}

// Match scans text for a trigger phrase and returns the agent ID and
// the command text after it. The trigger must start within
// maxTriggerOffset characters and leave at least minCommandLen
// characters of command after leading punctuation is stripped.
func (r *Registry) Match(text string) (agentID, command string, ok bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", "", false
	}
	lower := strings.ToLower(text)

	for _, trigger := range r.sorted {
		idx := strings.Index(lower, trigger)
		if idx == -1 || idx > maxTriggerOffset {
			continue
		}
		after := strings.TrimSpace(leadingPunct.ReplaceAllString(text[idx+len(trigger):], ""))
		if len(after) < minCommandLen {
			continue
		}
		return r.triggers[trigger], after, true
	}
	return "", "", false
}
