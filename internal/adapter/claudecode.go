package adapter

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/glia-ai/glia/internal/config"
	"github.com/glia-ai/glia/pkg/unified"
)

// maxToolResultLen caps stored tool result content so history stays bounded.
const maxToolResultLen = 50000

// ClaudeCodeAdapter drives the Claude Code CLI in `-p --output-format
// stream-json` mode. A new process is spawned per turn; --resume with the
// native session id maintains conversation continuity between turns.
type ClaudeCodeAdapter struct {
	cfg    config.BackendConfig
	logger *slog.Logger
}

// NewClaudeCodeAdapter creates a Claude Code adapter from its backend config.
func NewClaudeCodeAdapter(cfg config.BackendConfig) *ClaudeCodeAdapter {
	if cfg.Command == "" {
		cfg.Command = "claude"
	}
	return &ClaudeCodeAdapter{cfg: cfg, logger: slog.Default().With("adapter", "claude-code", "backend_id", cfg.ID)}
}

func (a *ClaudeCodeAdapter) Name() string { return "claude-code" }

func (a *ClaudeCodeAdapter) Capabilities() Capabilities {
	return Capabilities{
		Streaming:     true,
		Permissions:   false,
		SlashCommands: true,
		Availability:  AvailabilityLocal,
	}
}

func (a *ClaudeCodeAdapter) Connect(ctx context.Context, opts ConnectOptions) (Session, error) {
	if _, err := exec.LookPath(a.cfg.Command); err != nil {
		return nil, fmt.Errorf("%w: %s not found in PATH", ErrBackendUnavailable, a.cfg.Command)
	}
	return &claudeCodeSession{
		sessionID:       opts.SessionID,
		cfg:             a.cfg,
		cwd:             firstNonEmpty(opts.Cwd, a.cfg.WorkDir),
		model:           firstNonEmpty(opts.Model, a.cfg.Model),
		nativeSessionID: opts.ResumeBackendSessionID,
		permissionMode:  firstNonEmpty(opts.PermissionMode, a.cfg.PermissionMode),
		logger:          a.logger.With("session_id", opts.SessionID),
		out:             make(chan unified.Message, 64),
	}, nil
}

// claudeCodeSession manages a conversation spanning multiple Send calls,
// each one a fresh `claude -p` process.
type claudeCodeSession struct {
	sessionID string
	cfg       config.BackendConfig
	cwd       string
	model     string
	logger    *slog.Logger

	out      chan unified.Message
	readOnce sync.Once

	mu              sync.Mutex
	closed          bool
	cmd             *exec.Cmd
	done            chan struct{} // closed when the current process exits
	nativeSessionID string
	permissionMode  string
	initEmitted     bool
}

func (s *claudeCodeSession) SessionID() string { return s.sessionID }

// NativeHandle returns Claude Code's own session UUID, used for --resume.
func (s *claudeCodeSession) NativeHandle() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nativeSessionID
}

// Messages returns the inbound channel. No reader is spawned up front since
// each Send creates its own; the channel closes on Close.
func (s *claudeCodeSession) Messages() <-chan unified.Message {
	return s.out
}

// SendRaw is unsupported: the CLI is spawned per turn, so there is no
// long-lived stdin to write control frames to.
func (s *claudeCodeSession) SendRaw([]byte) error { return ErrNotSupported }

func (s *claudeCodeSession) Send(msg unified.Message) error {
	switch msg.Type {
	case unified.TypeUserMessage, unified.TypeSlashCommand:
		return s.runTurn(msg.Text())
	case unified.TypeInterrupt:
		return s.stopCurrent()
	case unified.TypeConfigurationChange:
		s.mu.Lock()
		if m := msg.MetaString(unified.MetaModel); m != "" {
			s.model = m
		}
		if m := msg.MetaString("permission_mode"); m != "" {
			s.permissionMode = m
		}
		s.mu.Unlock()
		return nil
	default:
		s.logger.Debug("dropping untranslatable outbound message", "type", msg.Type)
		return nil
	}
}

func (s *claudeCodeSession) runTurn(prompt string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.cmd != nil && s.done != nil {
		select {
		case <-s.done:
		default:
			s.mu.Unlock()
			return fmt.Errorf("turn already in progress")
		}
	}

	args := []string{"-p", "--output-format", "stream-json", "--verbose"}
	if s.permissionMode == unified.PermissionBypass {
		args = append(args, "--dangerously-skip-permissions")
	}
	if s.permissionMode == unified.PermissionPlan {
		args = append(args, "--permission-mode", "plan")
	}
	if s.model != "" {
		args = append(args, "--model", s.model)
	}
	if s.cfg.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(s.cfg.MaxTurns))
	}
	if s.cfg.SystemPrompt != "" {
		args = append(args, "--system-prompt", s.cfg.SystemPrompt)
	}
	if s.nativeSessionID != "" {
		args = append(args, "--resume", s.nativeSessionID)
	}
	args = append(args, prompt)
	s.mu.Unlock()

	full := make([]string, 0, len(s.cfg.Args)+len(args))
	full = append(full, s.cfg.Args...)
	full = append(full, args...)
	cmd := exec.Command(s.cfg.Command, full...)
	if s.cwd != "" {
		cmd.Dir = s.cwd
	}
	// Drop CLAUDECODE so the CLI does not refuse nested-session launches.
	for _, e := range os.Environ() {
		if !strings.HasPrefix(e, "CLAUDECODE=") {
			cmd.Env = append(cmd.Env, e)
		}
	}
	for k, v := range s.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: stdout pipe: %v", ErrBackendUnavailable, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("%w: stderr pipe: %v", ErrBackendUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start %s: %v", ErrBackendUnavailable, s.cfg.Command, err)
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.cmd = cmd
	s.done = done
	s.mu.Unlock()

	s.emit(unified.Message{Type: unified.TypeStatusChange, Role: unified.RoleSystem}.
		WithMeta(unified.MetaStatus, unified.StatusRunning))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			if text := scanner.Text(); text != "" {
				s.emit(unified.NewText(unified.TypeProcessOutput, unified.RoleSystem, text).
					WithMeta(unified.MetaSource, "stderr"))
			}
		}
	}()
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			s.handleStreamEvent(scanner.Bytes())
		}
	}()
	go func() {
		wg.Wait()
		waitErr := cmd.Wait()
		if waitErr != nil {
			s.emit(unified.NewText(unified.TypeError, unified.RoleSystem, waitErr.Error()).
				WithMeta(unified.MetaSource, "claude-code"))
		}
		s.emit(unified.Message{Type: unified.TypeStatusChange, Role: unified.RoleSystem}.
			WithMeta(unified.MetaStatus, unified.StatusIdle))
		close(done)
	}()

	return nil
}

// handleStreamEvent translates one stream-json line into unified messages.
func (s *claudeCodeSession) handleStreamEvent(line []byte) {
	var event struct {
		Type      string          `json:"type"`
		Subtype   string          `json:"subtype"`
		SessionID string          `json:"session_id"`
		Message   json.RawMessage `json:"message"`

		// system/init fields
		Model          string   `json:"model"`
		Cwd            string   `json:"cwd"`
		Tools          []string `json:"tools"`
		SlashCommands  []string `json:"slash_commands"`
		PermissionMode string   `json:"permissionMode"`

		// result fields
		Result       string          `json:"result"`
		IsError      bool            `json:"is_error"`
		TotalCostUSD float64         `json:"total_cost_usd"`
		NumTurns     int             `json:"num_turns"`
		ModelUsage   json.RawMessage `json:"modelUsage"`
	}
	if err := json.Unmarshal(line, &event); err != nil {
		s.logger.Warn("dropping unparsable stream line", "outcome", "parse_error", "bytes", len(line))
		return
	}

	if event.SessionID != "" {
		s.mu.Lock()
		s.nativeSessionID = event.SessionID
		s.mu.Unlock()
	}

	switch event.Type {
	case "system":
		if event.Subtype == "init" {
			s.handleInit(event.SessionID, event.Model, event.Cwd, event.Tools, event.SlashCommands, event.PermissionMode)
		}
		if event.Subtype == "compact_boundary" {
			s.emit(unified.Message{Type: unified.TypeStatusChange, Role: unified.RoleSystem}.
				WithMeta(unified.MetaStatus, unified.StatusCompacting))
		}

	case "assistant":
		s.handleAssistant(event.Message)

	case "user":
		s.handleUserEvent(event.Message)

	case "result":
		msg := unified.NewText(unified.TypeResult, unified.RoleSystem, event.Result).
			WithMeta(unified.MetaSubtype, firstNonEmpty(event.Subtype, "success")).
			WithMeta("is_error", event.IsError).
			WithMeta("total_cost_usd", event.TotalCostUSD).
			WithMeta("num_turns", float64(event.NumTurns))
		if len(event.ModelUsage) > 0 {
			var usage map[string]any
			if err := json.Unmarshal(event.ModelUsage, &usage); err == nil {
				msg = msg.WithMeta("modelUsage", usage)
			}
		}
		s.emit(msg)

	default:
		// Intermediate streaming events (content_block_delta etc.) are
		// superseded by the full assistant event.
	}
}

func (s *claudeCodeSession) handleInit(sid, model, cwd string, tools, commands []string, mode string) {
	s.mu.Lock()
	already := s.initEmitted
	s.initEmitted = true
	s.mu.Unlock()
	if already {
		return
	}

	msg := unified.Message{Type: unified.TypeSessionInit, Role: unified.RoleSystem}
	msg = msg.WithMeta(unified.MetaSessionID, sid)
	if model != "" {
		msg = msg.WithMeta(unified.MetaModel, model)
	}
	if cwd != "" {
		msg = msg.WithMeta(unified.MetaCwd, cwd)
	}
	if len(tools) > 0 {
		msg = msg.WithMeta("tools", tools)
	}
	if len(commands) > 0 {
		msg = msg.WithMeta("commands", commands)
	}
	if mode != "" {
		msg = msg.WithMeta("permission_mode", mode)
	}
	s.emit(msg)
}

func (s *claudeCodeSession) handleAssistant(raw json.RawMessage) {
	var msg struct {
		Content []struct {
			Type  string          `json:"type"`
			ID    string          `json:"id"`
			Text  string          `json:"text"`
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}

	var blocks []unified.ContentBlock
	for _, c := range msg.Content {
		switch c.Type {
		case "text":
			if c.Text != "" {
				blocks = append(blocks, unified.ContentBlock{Type: unified.BlockText, Text: c.Text})
			}
		case "tool_use":
			blocks = append(blocks, unified.ContentBlock{
				Type:  unified.BlockToolUse,
				ID:    c.ID,
				Name:  c.Name,
				Input: c.Input,
			})
		case "thinking":
			if c.Text != "" {
				blocks = append(blocks, unified.ContentBlock{Type: unified.BlockThinking, Text: c.Text})
			}
		}
	}
	if len(blocks) == 0 {
		return
	}
	s.emit(unified.Message{Type: unified.TypeAssistant, Role: unified.RoleAssistant, Content: blocks})
}

// handleUserEvent extracts tool_result blocks. String content is the echoed
// prompt and is skipped; the bridge already recorded the optimistic echo.
func (s *claudeCodeSession) handleUserEvent(raw json.RawMessage) {
	var msg struct {
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	var blocks []struct {
		Type      string          `json:"type"`
		ToolUseID string          `json:"tool_use_id"`
		Content   json.RawMessage `json:"content"`
		IsError   bool            `json:"is_error"`
	}
	if err := json.Unmarshal(msg.Content, &blocks); err != nil {
		return
	}

	var out []unified.ContentBlock
	for _, b := range blocks {
		if b.Type != "tool_result" {
			continue
		}
		content := extractToolResultText(b.Content)
		if len(content) > maxToolResultLen {
			content = content[:maxToolResultLen] + "\n... (truncated)"
		}
		out = append(out, unified.ContentBlock{
			Type:      unified.BlockToolResult,
			ToolUseID: b.ToolUseID,
			Content:   content,
			IsError:   b.IsError,
		})
	}
	if len(out) == 0 {
		return
	}
	s.emit(unified.Message{Type: unified.TypeToolProgress, Role: unified.RoleUser, Content: out})
}

// extractToolResultText flattens a tool_result content field, which may be a
// string or an array of content blocks.
func extractToolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var texts []string
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				texts = append(texts, b.Text)
			}
		}
		return strings.Join(texts, "\n")
	}
	return string(raw)
}

func (s *claudeCodeSession) emit(msg unified.Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	if msg.Metadata[unified.MetaSessionID] == nil {
		msg = msg.WithMeta(unified.MetaSessionID, s.sessionID)
	}
	s.out <- msg
}

// stopCurrent interrupts the in-flight turn without ending the session.
func (s *claudeCodeSession) stopCurrent() error {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		return cmd.Process.Signal(os.Interrupt)
	}
	return nil
}

func (s *claudeCodeSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cmd := s.cmd
	done := s.done
	s.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	if done != nil {
		<-done
	}
	close(s.out)
	return nil
}
