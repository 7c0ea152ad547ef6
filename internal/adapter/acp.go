package adapter

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/glia-ai/glia/internal/config"
	"github.com/glia-ai/glia/pkg/unified"
)

// acpGracePeriod is how long Close waits after SIGTERM before escalating.
const acpGracePeriod = 5 * time.Second

// AcpAdapter launches an ACP agent as a child process speaking
// newline-delimited JSON-RPC 2.0 over stdio.
type AcpAdapter struct {
	cfg    config.BackendConfig
	logger *slog.Logger
}

// NewAcpAdapter creates an ACP adapter from its backend config.
func NewAcpAdapter(cfg config.BackendConfig) *AcpAdapter {
	return &AcpAdapter{cfg: cfg, logger: slog.Default().With("adapter", "acp", "backend_id", cfg.ID)}
}

func (a *AcpAdapter) Name() string { return "acp" }

func (a *AcpAdapter) Capabilities() Capabilities {
	return Capabilities{
		Streaming:     true,
		Permissions:   true,
		SlashCommands: true,
		Availability:  AvailabilityLocal,
	}
}

// Connect spawns the agent process and fires the ACP handshake
// (initialize, then session/new or session/load). The handshake responses
// are consumed by the Messages reader; the session is usable immediately.
func (a *AcpAdapter) Connect(ctx context.Context, opts ConnectOptions) (Session, error) {
	cmd := exec.Command(a.cfg.Command, a.cfg.Args...)
	if a.cfg.WorkDir != "" {
		cmd.Dir = a.cfg.WorkDir
	}
	if opts.Cwd != "" {
		cmd.Dir = opts.Cwd
	}
	cmd.Env = os.Environ()
	for k, v := range a.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrBackendUnavailable, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrBackendUnavailable, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrBackendUnavailable, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", ErrBackendUnavailable, a.cfg.Command, err)
	}

	s := &acpSession{
		sessionID:   opts.SessionID,
		cwd:         cmd.Dir,
		model:       firstNonEmpty(opts.Model, a.cfg.Model),
		cmd:         cmd,
		stdin:       stdin,
		stdout:      stdout,
		stderr:      stderr,
		logger:      a.logger.With("session_id", opts.SessionID),
		out:         make(chan unified.Message, 64),
		done:        make(chan struct{}),
		pending:     make(map[int64]string),
		pendingPerm: make(map[string]json.RawMessage),
	}

	go func() {
		_ = cmd.Wait()
		close(s.done)
	}()

	// Fire the handshake. Responses are correlated by the reader.
	if err := s.request("initialize", map[string]any{
		"protocolVersion": 1,
		"clientCapabilities": map[string]any{
			"fs":       map[string]any{"readTextFile": false, "writeTextFile": false},
			"terminal": false,
		},
	}); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("%w: %v", ErrStartupFailed, err)
	}

	if opts.ResumeBackendSessionID != "" {
		s.mu.Lock()
		s.agentSessionID = opts.ResumeBackendSessionID
		s.mu.Unlock()
		err = s.request("session/load", map[string]any{
			"sessionId": opts.ResumeBackendSessionID,
			"cwd":       cmd.Dir,
		})
	} else {
		err = s.request("session/new", map[string]any{
			"cwd":        cmd.Dir,
			"mcpServers": []any{},
		})
	}
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("%w: %v", ErrStartupFailed, err)
	}

	return s, nil
}

// acpSession wraps one ACP child process. The stdout reader goroutine owns
// the out channel; all writes to stdin are serialized by writeMu.
type acpSession struct {
	sessionID string
	cwd       string
	model     string
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    io.ReadCloser
	stderr    io.ReadCloser
	logger    *slog.Logger

	out      chan unified.Message
	readOnce sync.Once
	done     chan struct{}

	writeMu sync.Mutex

	mu             sync.Mutex
	closed         bool
	agentSessionID string
	nextID         int64
	pending        map[int64]string           // rpc id → method
	pendingPerm    map[string]json.RawMessage // unified request_id → rpc id
	textBuf        strings.Builder
	turnRunning    bool
	initEmitted    bool
	lastSlash      *slashCall
}

type slashCall struct {
	command   string
	requestID string
}

// rpcFrame is a single JSON-RPC 2.0 line in either direction.
type rpcFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

const rpcMethodNotFound = -32601

func (s *acpSession) SessionID() string { return s.sessionID }

// NativeHandle returns the agent-assigned session id, once known.
func (s *acpSession) NativeHandle() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentSessionID
}

// Send translates a unified message into its JSON-RPC form. The sessionId
// param always carries the agent-assigned id, never the bridge id.
func (s *acpSession) Send(msg unified.Message) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	sid := s.agentSessionID
	s.mu.Unlock()

	switch msg.Type {
	case unified.TypeUserMessage, unified.TypeSlashCommand:
		text := msg.Text()
		s.mu.Lock()
		s.textBuf.Reset()
		s.turnRunning = false
		if strings.HasPrefix(text, "/") {
			cmdWord := text
			if i := strings.IndexByte(text, ' '); i > 0 {
				cmdWord = text[:i]
			}
			s.lastSlash = &slashCall{command: cmdWord, requestID: msg.RequestID()}
		} else {
			s.lastSlash = nil
		}
		s.mu.Unlock()

		prompt := []map[string]any{{"type": "text", "text": text}}
		for _, b := range msg.Content {
			if b.Type == unified.BlockImage {
				prompt = append(prompt, map[string]any{"type": "image", "mimeType": b.MimeType, "data": b.Data})
			}
		}
		return s.request("session/prompt", map[string]any{"sessionId": sid, "prompt": prompt})

	case unified.TypePermissionResponse, unified.TypePermissionCancelled:
		return s.respondPermission(msg)

	case unified.TypeInterrupt:
		return s.notify("session/cancel", map[string]any{"sessionId": sid})

	case unified.TypeConfigurationChange:
		if mode := msg.MetaString("permission_mode"); mode != "" {
			return s.request("session/set_mode", map[string]any{"sessionId": sid, "modeId": mode})
		}
		if model := msg.MetaString(unified.MetaModel); model != "" {
			return s.request("session/set_model", map[string]any{"sessionId": sid, "modelId": model})
		}
		return nil

	default:
		s.logger.Debug("dropping untranslatable outbound message", "type", msg.Type)
		return nil
	}
}

// respondPermission answers the stored session/request_permission request.
func (s *acpSession) respondPermission(msg unified.Message) error {
	reqID := msg.RequestID()

	s.mu.Lock()
	rpcID, ok := s.pendingPerm[reqID]
	if ok {
		delete(s.pendingPerm, reqID)
	}
	s.mu.Unlock()
	if !ok {
		s.logger.Warn("permission response for unknown request", "request_id", reqID)
		return nil
	}

	outcome := "selected"
	option := "allow"
	if msg.MetaString(unified.MetaBehavior) == "deny" {
		option = "reject_once"
	}
	if msg.Type == unified.TypePermissionCancelled {
		outcome = "cancelled"
	}
	result := map[string]any{"outcome": map[string]any{"outcome": outcome, "optionId": option}}
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return s.writeFrame(rpcFrame{JSONRPC: "2.0", ID: rpcID, Result: raw})
}

// SendRaw writes a prebuilt NDJSON/JSON-RPC frame followed by a newline.
func (s *acpSession) SendRaw(frame []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.mu.Unlock()
	return s.writeLine(frame)
}

// Messages starts the stdio readers on first call and returns the single
// inbound channel. The channel closes when the child's stdout ends.
func (s *acpSession) Messages() <-chan unified.Message {
	s.readOnce.Do(func() {
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.readStderr()
		}()
		go func() {
			s.readStdout()
			wg.Wait()
			s.rejectPending()
			close(s.out)
		}()
	})
	return s.out
}

// Close terminates the child: SIGTERM, up to 5 s grace, then SIGKILL.
// Idempotent and safe from any goroutine.
func (s *acpSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.pending = make(map[int64]string)
	s.pendingPerm = make(map[string]json.RawMessage)
	s.mu.Unlock()

	_ = s.stdin.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-s.done:
		case <-time.After(acpGracePeriod):
			s.logger.Warn("agent did not exit after SIGTERM, killing")
			_ = s.cmd.Process.Kill()
			<-s.done
		}
	}
	return nil
}

// --- outbound plumbing ---

func (s *acpSession) request(method string, params any) error {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.pending[id] = method
	s.mu.Unlock()

	rawParams, err := json.Marshal(params)
	if err != nil {
		return err
	}
	rawID, _ := json.Marshal(id)
	return s.writeFrame(rpcFrame{JSONRPC: "2.0", ID: rawID, Method: method, Params: rawParams})
}

func (s *acpSession) notify(method string, params any) error {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return s.writeFrame(rpcFrame{JSONRPC: "2.0", Method: method, Params: rawParams})
}

func (s *acpSession) writeFrame(f rpcFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return s.writeLine(data)
}

func (s *acpSession) writeLine(line []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.stdin.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("%w: %v", ErrSessionClosed, err)
	}
	return nil
}

// --- inbound plumbing ---

func (s *acpSession) readStdout() {
	scanner := bufio.NewScanner(s.stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.handleLine(line)
	}
}

func (s *acpSession) readStderr() {
	scanner := bufio.NewScanner(s.stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		text := scanner.Text()
		if text == "" {
			continue
		}
		s.emit(unified.NewText(unified.TypeProcessOutput, unified.RoleSystem, text).
			WithMeta(unified.MetaSource, "stderr"))
	}
}

func (s *acpSession) emit(msg unified.Message) {
	if msg.Metadata[unified.MetaSessionID] == nil {
		msg = msg.WithMeta(unified.MetaSessionID, s.sessionID)
	}
	s.out <- msg
}

// handleLine dispatches one stdout line: JSON-RPC request, notification, or
// response, or an NDJSON control frame. Unparsable lines are dropped with a
// logged event.
func (s *acpSession) handleLine(line []byte) {
	// Control frames (from SendRaw round-trips) carry a top-level "type".
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		s.logger.Warn("dropping unparsable agent line", "outcome", "parse_error", "bytes", len(line))
		return
	}
	if probe.Type == string(unified.TypeControlResponse) {
		s.handleControlResponse(line)
		return
	}

	var frame rpcFrame
	if err := json.Unmarshal(line, &frame); err != nil {
		s.logger.Warn("dropping unparsable agent line", "outcome", "parse_error", "bytes", len(line))
		return
	}

	switch {
	case frame.Method != "" && frame.ID == nil:
		s.handleNotification(frame)
	case frame.Method != "":
		s.handleRequest(frame)
	case frame.ID != nil:
		s.handleResponse(frame)
	default:
		s.logger.Warn("dropping agent line with no method or id", "outcome", "parse_error")
	}
}

func (s *acpSession) handleControlResponse(line []byte) {
	var ctl struct {
		Type      string          `json:"type"`
		RequestID string          `json:"request_id"`
		Response  json.RawMessage `json:"response,omitempty"`
	}
	if err := json.Unmarshal(line, &ctl); err != nil {
		s.logger.Warn("dropping malformed control_response", "outcome", "parse_error")
		return
	}
	msg := unified.Message{Type: unified.TypeControlResponse, Role: unified.RoleSystem}
	msg = msg.WithMeta(unified.MetaRequestID, ctl.RequestID)
	if len(ctl.Response) > 0 {
		var payload map[string]any
		if err := json.Unmarshal(ctl.Response, &payload); err == nil {
			msg = msg.WithMeta("response", payload)
		}
	}
	s.emit(msg)
}

func (s *acpSession) handleNotification(frame rpcFrame) {
	switch frame.Method {
	case "session/update":
		for _, msg := range s.translateSessionUpdate(frame.Params) {
			s.emit(msg)
		}
	default:
		s.logger.Debug("ignoring agent notification", "method", frame.Method)
	}
}

func (s *acpSession) handleRequest(frame rpcFrame) {
	switch {
	case frame.Method == "session/request_permission":
		s.handlePermissionRequest(frame)
	case strings.HasPrefix(frame.Method, "fs/") || strings.HasPrefix(frame.Method, "terminal/"):
		// Local stub: the daemon does not expose the client filesystem or
		// terminals to agents.
		s.respondError(frame.ID, rpcMethodNotFound, "method not supported")
	default:
		s.respondError(frame.ID, rpcMethodNotFound, "method not supported")
	}
}

func (s *acpSession) handlePermissionRequest(frame rpcFrame) {
	var params struct {
		SessionID string `json:"sessionId"`
		ToolCall  struct {
			ToolCallID string          `json:"toolCallId"`
			Title      string          `json:"title"`
			Kind       string          `json:"kind"`
			RawInput   json.RawMessage `json:"rawInput"`
		} `json:"toolCall"`
	}
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		s.respondError(frame.ID, rpcMethodNotFound, "malformed permission request")
		return
	}

	requestID := strings.Trim(string(frame.ID), `"`)
	s.mu.Lock()
	s.pendingPerm[requestID] = frame.ID
	s.mu.Unlock()

	msg := unified.Message{Type: unified.TypePermissionRequest, Role: unified.RoleSystem}
	msg = msg.WithMeta(unified.MetaRequestID, requestID)
	if params.ToolCall.Kind != "" {
		msg = msg.WithMeta(unified.MetaToolName, params.ToolCall.Kind)
	}
	if params.ToolCall.Title != "" {
		msg = msg.WithMeta("title", params.ToolCall.Title)
	}
	if len(params.ToolCall.RawInput) > 0 {
		var input map[string]any
		if err := json.Unmarshal(params.ToolCall.RawInput, &input); err == nil {
			msg = msg.WithMeta("input", input)
		}
	}
	s.emit(msg)
}

func (s *acpSession) respondError(id json.RawMessage, code int, message string) {
	if id == nil {
		return
	}
	if err := s.writeFrame(rpcFrame{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}}); err != nil {
		s.logger.Debug("error response write failed", "error", err)
	}
}

func (s *acpSession) handleResponse(frame rpcFrame) {
	var id int64
	if err := json.Unmarshal(frame.ID, &id); err != nil {
		s.logger.Warn("response with non-numeric id", "outcome", "parse_error")
		return
	}

	s.mu.Lock()
	method, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if !ok {
		s.logger.Debug("response for unknown request id", "id", id)
		return
	}

	if frame.Error != nil {
		s.handleErrorResponse(method, frame.Error)
		return
	}

	switch method {
	case "initialize":
		// Handshake ack; nothing to surface.
	case "session/new", "session/load":
		s.handleSessionCreated(frame.Result)
	case "session/prompt":
		s.handleTurnEnd(frame.Result)
	default:
		s.logger.Debug("response for method without handler", "method", method)
	}
}

func (s *acpSession) handleErrorResponse(method string, rpcErr *rpcError) {
	// provider_auth errors carry a validation link the UI must render before
	// the failure itself.
	var data map[string]any
	if len(rpcErr.Data) > 0 {
		_ = json.Unmarshal(rpcErr.Data, &data)
	}
	code, _ := data["code"].(string)
	if code == "provider_auth" {
		auth := unified.Message{Type: unified.TypeAuthStatus, Role: unified.RoleSystem}
		if link, _ := data["validation_link"].(string); link != "" {
			auth = auth.WithMeta("validation_link", link)
		}
		if desc, _ := data["description"].(string); desc != "" {
			auth = auth.WithMeta("description", desc)
		}
		s.emit(auth)
	}

	s.mu.Lock()
	s.textBuf.Reset()
	s.turnRunning = false
	s.mu.Unlock()

	result := unified.NewText(unified.TypeResult, unified.RoleSystem, rpcErr.Message)
	result = result.WithMeta(unified.MetaSubtype, "error").WithMeta("is_error", true)
	if code != "" {
		result = result.WithMeta("code", code)
	}
	result = result.WithMeta("method", method)
	s.emit(result)
}

func (s *acpSession) handleSessionCreated(result json.RawMessage) {
	var res struct {
		SessionID string `json:"sessionId"`
		Modes     *struct {
			CurrentModeID string `json:"currentModeId"`
		} `json:"modes"`
	}
	if err := json.Unmarshal(result, &res); err != nil || res.SessionID == "" {
		s.logger.Warn("session create response missing sessionId")
		return
	}

	s.mu.Lock()
	s.agentSessionID = res.SessionID
	already := s.initEmitted
	s.initEmitted = true
	s.mu.Unlock()
	if already {
		return
	}

	msg := unified.Message{Type: unified.TypeSessionInit, Role: unified.RoleSystem}
	msg = msg.WithMeta(unified.MetaSessionID, res.SessionID).
		WithMeta(unified.MetaCwd, s.cwd)
	if s.model != "" {
		msg = msg.WithMeta(unified.MetaModel, s.model)
	}
	if res.Modes != nil && res.Modes.CurrentModeID != "" {
		msg = msg.WithMeta("permission_mode", res.Modes.CurrentModeID)
	}
	s.emit(msg)
}

// handleTurnEnd synthesizes the final assistant message from the streaming
// buffer, then emits the result.
func (s *acpSession) handleTurnEnd(result json.RawMessage) {
	var res struct {
		StopReason string `json:"stopReason"`
	}
	_ = json.Unmarshal(result, &res)

	s.mu.Lock()
	text := s.textBuf.String()
	s.textBuf.Reset()
	s.turnRunning = false
	s.mu.Unlock()

	if text != "" {
		s.emit(unified.NewText(unified.TypeAssistant, unified.RoleAssistant, text))
	}

	msg := unified.Message{Type: unified.TypeResult, Role: unified.RoleSystem}
	msg = msg.WithMeta(unified.MetaSubtype, "success").WithMeta("is_error", false)
	if res.StopReason != "" {
		msg = msg.WithMeta(unified.MetaStopReason, res.StopReason)
	}
	s.emit(msg)

	s.emit(unified.Message{Type: unified.TypeStatusChange, Role: unified.RoleSystem}.
		WithMeta(unified.MetaStatus, unified.StatusIdle))
}

// translateSessionUpdate maps one session/update notification onto unified
// messages. Both the nested {sessionId, update:{...}} shape and the flat
// {sessionId, sessionUpdate, ...} shape are accepted.
func (s *acpSession) translateSessionUpdate(params json.RawMessage) []unified.Message {
	var nested struct {
		SessionID string          `json:"sessionId"`
		Update    json.RawMessage `json:"update"`
	}
	body := params
	if err := json.Unmarshal(params, &nested); err == nil && len(nested.Update) > 0 {
		body = nested.Update
	}

	var update struct {
		SessionUpdate string          `json:"sessionUpdate"`
		Content       json.RawMessage `json:"content"`
		ToolCallID    string          `json:"toolCallId"`
		Title         string          `json:"title"`
		Kind          string          `json:"kind"`
		Status        string          `json:"status"`
		CurrentModeID string          `json:"currentModeId"`
		AvailableCommands []struct {
			Name string `json:"name"`
		} `json:"availableCommands"`
	}
	if err := json.Unmarshal(body, &update); err != nil {
		s.logger.Warn("dropping malformed session update", "outcome", "parse_error")
		return nil
	}

	switch update.SessionUpdate {
	case "agent_message_chunk":
		text := chunkText(update.Content)
		var msgs []unified.Message
		s.mu.Lock()
		s.textBuf.WriteString(text)
		first := !s.turnRunning
		s.turnRunning = true
		s.mu.Unlock()
		if first {
			msgs = append(msgs, unified.Message{Type: unified.TypeStatusChange, Role: unified.RoleSystem}.
				WithMeta(unified.MetaStatus, unified.StatusRunning))
		}
		msgs = append(msgs, unified.NewText(unified.TypeStreamEvent, unified.RoleAssistant, text).
			WithMeta(unified.MetaSubtype, "text_delta"))
		return msgs

	case "agent_thought_chunk":
		return []unified.Message{{
			Type:    unified.TypeStreamEvent,
			Role:    unified.RoleAssistant,
			Content: []unified.ContentBlock{{Type: unified.BlockThinking, Text: chunkText(update.Content)}},
			Metadata: map[string]any{
				unified.MetaSubtype: "thinking_delta",
			},
		}}

	case "user_message_chunk":
		// Echo of the user's own prompt; the bridge may convert it via
		// ConvertEcho when it follows a slash command.
		return []unified.Message{unified.NewText(unified.TypeUserMessage, unified.RoleUser, chunkText(update.Content)).
			WithMeta(unified.MetaSource, "cli")}

	case "tool_call", "tool_call_update":
		msg := unified.Message{Type: unified.TypeToolProgress, Role: unified.RoleAssistant}
		msg = msg.WithMeta("tool_call_id", update.ToolCallID)
		if update.Title != "" {
			msg = msg.WithMeta("title", update.Title)
		}
		if update.Kind != "" {
			msg = msg.WithMeta(unified.MetaToolName, update.Kind)
		}
		if update.Status != "" {
			msg = msg.WithMeta(unified.MetaStatus, update.Status)
		}
		return []unified.Message{msg}

	case "plan":
		return []unified.Message{unified.Message{Type: unified.TypeToolUseSummary, Role: unified.RoleAssistant}.
			WithMeta(unified.MetaSubtype, "plan")}

	case "available_commands_update":
		names := make([]string, 0, len(update.AvailableCommands))
		for _, c := range update.AvailableCommands {
			names = append(names, c.Name)
		}
		return []unified.Message{unified.Message{Type: unified.TypeSessionUpdate, Role: unified.RoleSystem}.
			WithMeta("commands", names)}

	case "current_mode_update":
		return []unified.Message{unified.Message{Type: unified.TypeSessionUpdate, Role: unified.RoleSystem}.
			WithMeta("permission_mode", update.CurrentModeID)}

	default:
		s.logger.Debug("ignoring session update", "kind", update.SessionUpdate)
		return nil
	}
}

// ConvertEcho turns the backend's echo of a slash command into a
// slash_command_result so consumers do not see a duplicated user turn.
func (s *acpSession) ConvertEcho(msg unified.Message) (unified.Message, bool) {
	if msg.Type != unified.TypeUserMessage || msg.MetaString(unified.MetaSource) != "cli" {
		return unified.Message{}, false
	}
	s.mu.Lock()
	slash := s.lastSlash
	if slash != nil {
		s.lastSlash = nil
	}
	s.mu.Unlock()
	if slash == nil {
		return unified.Message{}, false
	}

	result := unified.Message{
		Type:    unified.TypeSlashCommandResult,
		Role:    unified.RoleSystem,
		Content: msg.Content,
	}
	result = result.WithMeta(unified.MetaCommand, slash.command).
		WithMeta(unified.MetaSource, "cli")
	if slash.requestID != "" {
		result = result.WithMeta(unified.MetaRequestID, slash.requestID)
	}
	return result, true
}

// rejectPending fails every in-flight request and permission when the stream
// ends, so callers never wait on a dead child.
func (s *acpSession) rejectPending() {
	s.mu.Lock()
	hadPending := len(s.pending) > 0 || len(s.pendingPerm) > 0
	midTurn := s.turnRunning
	s.pending = make(map[int64]string)
	s.pendingPerm = make(map[string]json.RawMessage)
	s.turnRunning = false
	s.mu.Unlock()

	if hadPending && midTurn {
		s.out <- unified.NewText(unified.TypeError, unified.RoleSystem, "backend stream ended mid-turn").
			WithMeta(unified.MetaSessionID, s.sessionID).
			WithMeta(unified.MetaSource, "acp")
	}
}

func chunkText(content json.RawMessage) string {
	var block struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(content, &block); err == nil && block.Text != "" {
		return block.Text
	}
	var text string
	if err := json.Unmarshal(content, &text); err == nil {
		return text
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
