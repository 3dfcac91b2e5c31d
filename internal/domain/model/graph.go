package model

// EntityGraph is the structural lookup the trust aggregator needs: who
// authored what, which prompts belong to which set, and which prompt a model
// response answered.
type EntityGraph struct {
	// PromptAuthors maps prompt id to its author user id.
	PromptAuthors map[string]string
	// SetAuthors maps prompt set id to its author user id.
	SetAuthors map[string]string
	// SetMembers maps prompt set id to its member prompt ids.
	SetMembers map[string][]string
	// ResponsePrompts maps response id to the prompt it answered.
	ResponsePrompts map[string]string
}

// NewEntityGraph returns an empty graph with all maps allocated.
func NewEntityGraph() EntityGraph {
	return EntityGraph{
		PromptAuthors:   make(map[string]string),
		SetAuthors:      make(map[string]string),
		SetMembers:      make(map[string][]string),
		ResponsePrompts: make(map[string]string),
	}
}

// HasPrompt reports whether the prompt is known.
func (g EntityGraph) HasPrompt(id string) bool {
	_, ok := g.PromptAuthors[id]
	return ok
}

// HasSet reports whether the prompt set is known.
func (g EntityGraph) HasSet(id string) bool {
	if _, ok := g.SetAuthors[id]; ok {
		return true
	}
	_, ok := g.SetMembers[id]
	return ok
}

// PromptFor resolves a PROMPT or RESPONSE target to its prompt id.
func (g EntityGraph) PromptFor(kind EntityKind, id string) (string, bool) {
	switch kind {
	case EntityPrompt:
		return id, g.HasPrompt(id)
	case EntityResponse:
		p, ok := g.ResponsePrompts[id]
		if !ok || !g.HasPrompt(p) {
			return "", false
		}
		return p, true
	default:
		return "", false
	}
}
