// Package reducer folds the unified message stream into session state.
// Reduce is pure: it never mutates its input, performs no I/O, and is
// deterministic, so replaying a recorded stream reconstructs identical state.
package reducer

import (
	"github.com/glia-ai/glia/pkg/unified"
)

// Reduce returns the state that results from applying msg to state. Message
// types that carry no state are returned unchanged.
func Reduce(state unified.SessionState, msg unified.Message) unified.SessionState {
	switch msg.Type {
	case unified.TypeSessionInit:
		return applyInit(state, msg)
	case unified.TypeSessionUpdate:
		return applyUpdate(state, msg)
	case unified.TypeResult:
		return applyResult(state, msg)
	case unified.TypeStatusChange:
		state.IsCompacting = msg.MetaString(unified.MetaStatus) == unified.StatusCompacting
		return state
	default:
		return state
	}
}

func applyInit(state unified.SessionState, msg unified.Message) unified.SessionState {
	if v := msg.MetaString(unified.MetaSessionID); v != "" {
		state.BackendSessionID = v
	}
	if v := msg.MetaString(unified.MetaModel); v != "" {
		state.Model = v
	}
	if v := msg.MetaString(unified.MetaCwd); v != "" {
		state.Cwd = v
	}
	if v := msg.MetaString("permission_mode"); v != "" {
		state.PermissionMode = v
	}
	if v, ok := stringSlice(msg.Metadata["tools"]); ok {
		state.Tools = v
	}
	if v, ok := stringSlice(msg.Metadata["commands"]); ok {
		state.Commands = v
	}
	if v, ok := stringSlice(msg.Metadata["skills"]); ok {
		state.Skills = v
	}
	if g, ok := msg.Metadata["git"].(map[string]any); ok {
		branch, _ := g["branch"].(string)
		worktree, _ := g["worktree"].(string)
		dirty, _ := g["dirty"].(bool)
		state.Git = &unified.GitInfo{Branch: branch, Worktree: worktree, Dirty: dirty}
	}
	return state
}

func applyUpdate(state unified.SessionState, msg unified.Message) unified.SessionState {
	if v := msg.MetaString(unified.MetaModel); v != "" {
		state.Model = v
	}
	if v := msg.MetaString(unified.MetaCwd); v != "" {
		state.Cwd = v
	}
	if v := msg.MetaString("permission_mode"); v != "" {
		state.PermissionMode = v
	}
	// An absent roster keeps the prior one; a present roster replaces it,
	// including replacement by an explicit empty list.
	if raw, present := msg.Metadata["team"]; present {
		state.Team = teamRoster(raw)
	}
	return state
}

func applyResult(state unified.SessionState, msg unified.Message) unified.SessionState {
	if v, ok := msg.MetaFloat("total_cost_usd"); ok {
		state.TotalCostUSD = v
	}
	if v, ok := msg.MetaFloat("num_turns"); ok {
		state.NumTurns = int(v)
	}
	if v, ok := msg.MetaFloat("lines_added"); ok {
		state.TotalLinesAdded += int(v)
	}
	if v, ok := msg.MetaFloat("lines_removed"); ok {
		state.TotalLinesRemoved += int(v)
	}
	if usage, ok := msg.Metadata["modelUsage"].(map[string]any); ok {
		if pct, ok := contextUsedPercent(usage, state.Model); ok {
			state.ContextUsedPercent = pct
		}
	}
	return state
}

// contextUsedPercent computes (input+output+cache)/contextWindow × 100 from
// a modelUsage map. When several models report usage, entries sharing the
// active model's context window are summed; without an active-model match
// the largest context window wins.
func contextUsedPercent(usage map[string]any, activeModel string) (float64, bool) {
	window := 0.0
	if entry, ok := usage[activeModel].(map[string]any); ok {
		window, _ = num(entry["contextWindow"])
	}
	if window == 0 {
		for _, v := range usage {
			entry, ok := v.(map[string]any)
			if !ok {
				continue
			}
			if w, _ := num(entry["contextWindow"]); w > window {
				window = w
			}
		}
	}
	if window <= 0 {
		return 0, false
	}

	total := 0.0
	for _, v := range usage {
		entry, ok := v.(map[string]any)
		if !ok {
			continue
		}
		w, _ := num(entry["contextWindow"])
		if w != window {
			continue
		}
		in, _ := num(entry["inputTokens"])
		out, _ := num(entry["outputTokens"])
		cache, _ := num(entry["cacheReadInputTokens"])
		total += in + out + cache
	}

	pct := total / window * 100
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return pct, true
}

func num(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func stringSlice(v any) ([]string, bool) {
	switch s := v.(type) {
	case []string:
		out := make([]string, len(s))
		copy(out, s)
		return out, true
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out, true
	}
	return nil, false
}

func teamRoster(v any) []unified.TeamMember {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	roster := make([]unified.TeamMember, 0, len(list))
	for _, e := range list {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		id, _ := m["id"].(string)
		name, _ := m["name"].(string)
		role, _ := m["role"].(string)
		roster = append(roster, unified.TeamMember{ID: id, Name: name, Role: role})
	}
	return roster
}
