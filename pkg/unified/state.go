package unified

import "time"

// Session status values.
const (
	StatusIdle       = "idle"
	StatusRunning    = "running"
	StatusCompacting = "compacting"
)

// Permission modes.
const (
	PermissionDefault = "default"
	PermissionPlan    = "plan"
	PermissionBypass  = "bypass"
)

// GitInfo describes the repository a session is working in.
type GitInfo struct {
	Branch   string `json:"branch,omitempty"`
	Worktree string `json:"worktree,omitempty"`
	Dirty    bool   `json:"dirty,omitempty"`
}

// TeamMember is one entry of a session's team roster.
type TeamMember struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
}

// SessionState is the reduced view of a session, produced by folding the
// message stream through reducer.Reduce. It is shared read-only with
// consumers; the bridge owns the authoritative copy.
type SessionState struct {
	SessionID        string `json:"session_id"`
	BackendSessionID string `json:"backend_session_id,omitempty"`
	Cwd              string `json:"cwd,omitempty"`
	Model            string `json:"model,omitempty"`

	Git  *GitInfo     `json:"git,omitempty"`
	Team []TeamMember `json:"team,omitempty"`

	Tools    []string `json:"tools,omitempty"`
	Commands []string `json:"commands,omitempty"`
	Skills   []string `json:"skills,omitempty"`

	TotalCostUSD       float64 `json:"total_cost_usd"`
	NumTurns           int     `json:"num_turns"`
	ContextUsedPercent float64 `json:"context_used_percent"`
	TotalLinesAdded    int     `json:"total_lines_added"`
	TotalLinesRemoved  int     `json:"total_lines_removed"`

	IsCompacting   bool   `json:"is_compacting"`
	PermissionMode string `json:"permission_mode,omitempty"`
}

// Snapshot is the persisted form of a session.
type Snapshot struct {
	ID               string       `json:"id"`
	BackendSessionID string       `json:"backend_session_id,omitempty"`
	Name             string       `json:"name,omitempty"`
	Cwd              string       `json:"cwd,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
	State            SessionState `json:"state"`
	History          []Message    `json:"history,omitempty"`
}
