package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"testing"

	"github.com/glia-ai/glia/internal/config"
	"github.com/glia-ai/glia/pkg/unified"
)

func TestAcpConnectInheritsEnvironment(t *testing.T) {
	a := NewAcpAdapter(config.BackendConfig{
		ID:      "acp-env",
		Kind:    "acp",
		Command: "cat",
		Env:     map[string]string{"ACP_EXTRA": "1"},
	})
	sess, err := a.Connect(context.Background(), ConnectOptions{SessionID: "s1"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = sess.Close() })

	env := sess.(*acpSession).cmd.Env
	var extra, path bool
	for _, e := range env {
		if e == "ACP_EXTRA=1" {
			extra = true
		}
		if strings.HasPrefix(e, "PATH=") {
			path = true
		}
	}
	if !extra {
		t.Error("configured env entry missing")
	}
	if !path {
		t.Error("child must inherit the parent environment")
	}
}

// frameRecorder stands in for the child's stdin and records every line.
type frameRecorder struct {
	mu    sync.Mutex
	lines [][]byte
}

func (r *frameRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	line := make([]byte, len(p))
	copy(line, p)
	r.lines = append(r.lines, line)
	return len(p), nil
}

func (r *frameRecorder) Close() error { return nil }

func (r *frameRecorder) frames(t *testing.T) []rpcFrame {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]rpcFrame, 0, len(r.lines))
	for _, line := range r.lines {
		var f rpcFrame
		if err := json.Unmarshal(line, &f); err != nil {
			t.Fatalf("recorded frame is not JSON-RPC: %s", line)
		}
		out = append(out, f)
	}
	return out
}

func (r *frameRecorder) lastFrame(t *testing.T) rpcFrame {
	t.Helper()
	fs := r.frames(t)
	if len(fs) == 0 {
		t.Fatal("no frames written")
	}
	return fs[len(fs)-1]
}

// newTestAcpSession builds a session without a child process; tests feed
// agent lines through handleLine and read emissions from the out channel.
func newTestAcpSession(t *testing.T) (*acpSession, *frameRecorder) {
	t.Helper()
	rec := &frameRecorder{}
	return &acpSession{
		sessionID:   "bridge-1",
		cwd:         "/work",
		model:       "sonnet",
		cmd:         &exec.Cmd{},
		stdin:       rec,
		logger:      slog.Default(),
		out:         make(chan unified.Message, 64),
		done:        make(chan struct{}),
		pending:     make(map[int64]string),
		pendingPerm: make(map[string]json.RawMessage),
	}, rec
}

func recv(t *testing.T, s *acpSession) unified.Message {
	t.Helper()
	select {
	case m := <-s.out:
		return m
	default:
		t.Fatal("expected an emitted message")
		return unified.Message{}
	}
}

func expectNone(t *testing.T, s *acpSession) {
	t.Helper()
	select {
	case m := <-s.out:
		t.Fatalf("unexpected emission: %+v", m)
	default:
	}
}

func TestAcpSessionCreated(t *testing.T) {
	s, rec := newTestAcpSession(t)
	if err := s.request("session/new", map[string]any{"cwd": s.cwd}); err != nil {
		t.Fatal(err)
	}
	reqID := rec.lastFrame(t).ID

	s.handleLine([]byte(fmt.Sprintf(
		`{"jsonrpc":"2.0","id":%s,"result":{"sessionId":"agent-9","modes":{"currentModeId":"plan"}}}`, reqID)))

	init := recv(t, s)
	if init.Type != unified.TypeSessionInit {
		t.Fatalf("type = %s", init.Type)
	}
	if init.SessionID() != "agent-9" {
		t.Errorf("session_id = %q, want agent-9", init.SessionID())
	}
	if init.MetaString(unified.MetaModel) != "sonnet" || init.MetaString(unified.MetaCwd) != "/work" {
		t.Errorf("init metadata = %v", init.Metadata)
	}
	if init.MetaString("permission_mode") != "plan" {
		t.Errorf("permission_mode = %q", init.MetaString("permission_mode"))
	}
	if s.NativeHandle() != "agent-9" {
		t.Errorf("NativeHandle = %q", s.NativeHandle())
	}

	// A later session/load ack must not re-emit session_init.
	if err := s.request("session/load", map[string]any{"sessionId": "agent-9"}); err != nil {
		t.Fatal(err)
	}
	s.handleLine([]byte(fmt.Sprintf(
		`{"jsonrpc":"2.0","id":%s,"result":{"sessionId":"agent-9"}}`, rec.lastFrame(t).ID)))
	expectNone(t, s)
}

func TestAcpPromptTurn(t *testing.T) {
	s, rec := newTestAcpSession(t)
	s.agentSessionID = "agent-9"

	if err := s.Send(unified.NewText(unified.TypeUserMessage, unified.RoleUser, "hello")); err != nil {
		t.Fatal(err)
	}
	prompt := rec.lastFrame(t)
	if prompt.Method != "session/prompt" {
		t.Fatalf("method = %s", prompt.Method)
	}
	var params struct {
		SessionID string `json:"sessionId"`
		Prompt    []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"prompt"`
	}
	if err := json.Unmarshal(prompt.Params, &params); err != nil {
		t.Fatal(err)
	}
	if params.SessionID != "agent-9" {
		t.Errorf("prompt sessionId = %q, must be the agent id", params.SessionID)
	}
	if len(params.Prompt) != 1 || params.Prompt[0].Text != "hello" {
		t.Errorf("prompt = %+v", params.Prompt)
	}

	// First chunk flips status to running, then streams.
	s.handleLine([]byte(`{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"agent-9","update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"Hel"}}}}`))
	status := recv(t, s)
	if status.Type != unified.TypeStatusChange || status.MetaString(unified.MetaStatus) != unified.StatusRunning {
		t.Fatalf("first emission = %+v, want running status", status)
	}
	delta := recv(t, s)
	if delta.Type != unified.TypeStreamEvent || delta.Text() != "Hel" {
		t.Fatalf("delta = %+v", delta)
	}

	// Flat shape, no second status flip.
	s.handleLine([]byte(`{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"agent-9","sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"lo"}}}`))
	delta = recv(t, s)
	if delta.Type != unified.TypeStreamEvent || delta.Text() != "lo" {
		t.Fatalf("second delta = %+v", delta)
	}
	expectNone(t, s)

	// Prompt response ends the turn: assistant, result, idle.
	s.handleLine([]byte(fmt.Sprintf(
		`{"jsonrpc":"2.0","id":%s,"result":{"stopReason":"end_turn"}}`, prompt.ID)))
	assistant := recv(t, s)
	if assistant.Type != unified.TypeAssistant || assistant.Text() != "Hello" {
		t.Fatalf("assistant = %+v", assistant)
	}
	result := recv(t, s)
	if result.Type != unified.TypeResult || result.MetaString(unified.MetaStopReason) != "end_turn" {
		t.Fatalf("result = %+v", result)
	}
	if result.MetaBool("is_error") {
		t.Error("successful turn marked as error")
	}
	idle := recv(t, s)
	if idle.Type != unified.TypeStatusChange || idle.MetaString(unified.MetaStatus) != unified.StatusIdle {
		t.Fatalf("idle = %+v", idle)
	}
}

func TestAcpThinkingAndToolUpdates(t *testing.T) {
	s, _ := newTestAcpSession(t)

	s.handleLine([]byte(`{"jsonrpc":"2.0","method":"session/update","params":{"update":{"sessionUpdate":"agent_thought_chunk","content":{"type":"text","text":"pondering"}}}}`))
	thought := recv(t, s)
	if thought.Type != unified.TypeStreamEvent || thought.MetaString(unified.MetaSubtype) != "thinking_delta" {
		t.Fatalf("thought = %+v", thought)
	}
	if len(thought.Content) != 1 || thought.Content[0].Type != unified.BlockThinking {
		t.Errorf("thought content = %+v", thought.Content)
	}

	s.handleLine([]byte(`{"jsonrpc":"2.0","method":"session/update","params":{"update":{"sessionUpdate":"tool_call","toolCallId":"tc1","title":"Read file","kind":"read","status":"in_progress"}}}`))
	tool := recv(t, s)
	if tool.Type != unified.TypeToolProgress {
		t.Fatalf("tool = %+v", tool)
	}
	if tool.MetaString("tool_call_id") != "tc1" || tool.MetaString(unified.MetaToolName) != "read" {
		t.Errorf("tool metadata = %v", tool.Metadata)
	}

	s.handleLine([]byte(`{"jsonrpc":"2.0","method":"session/update","params":{"update":{"sessionUpdate":"available_commands_update","availableCommands":[{"name":"/compact"},{"name":"/clear"}]}}}`))
	upd := recv(t, s)
	if upd.Type != unified.TypeSessionUpdate {
		t.Fatalf("update = %+v", upd)
	}
	cmds, _ := upd.Metadata["commands"].([]string)
	if len(cmds) != 2 || cmds[0] != "/compact" {
		t.Errorf("commands = %v", cmds)
	}
}

func TestAcpPermissionRoundTrip(t *testing.T) {
	s, rec := newTestAcpSession(t)

	s.handleLine([]byte(`{"jsonrpc":"2.0","id":42,"method":"session/request_permission","params":{"sessionId":"agent-9","toolCall":{"toolCallId":"tc1","title":"Run tests","kind":"execute","rawInput":{"command":"go test"}}}}`))
	req := recv(t, s)
	if req.Type != unified.TypePermissionRequest {
		t.Fatalf("type = %s", req.Type)
	}
	if req.RequestID() != "42" {
		t.Errorf("request_id = %q", req.RequestID())
	}
	if req.MetaString(unified.MetaToolName) != "execute" || req.MetaString("title") != "Run tests" {
		t.Errorf("metadata = %v", req.Metadata)
	}
	input, _ := req.Metadata["input"].(map[string]any)
	if input["command"] != "go test" {
		t.Errorf("input = %v", input)
	}

	resp := unified.Message{
		Type:     unified.TypePermissionResponse,
		Role:     unified.RoleUser,
		Metadata: map[string]any{unified.MetaRequestID: "42", unified.MetaBehavior: "allow"},
	}
	if err := s.Send(resp); err != nil {
		t.Fatal(err)
	}
	answer := rec.lastFrame(t)
	if string(answer.ID) != "42" {
		t.Errorf("answer id = %s, must match the agent's request id", answer.ID)
	}
	var outcome struct {
		Outcome struct {
			Outcome  string `json:"outcome"`
			OptionID string `json:"optionId"`
		} `json:"outcome"`
	}
	if err := json.Unmarshal(answer.Result, &outcome); err != nil {
		t.Fatal(err)
	}
	if outcome.Outcome.Outcome != "selected" || outcome.Outcome.OptionID != "allow" {
		t.Errorf("outcome = %+v", outcome)
	}

	// The slot is consumed; a second answer writes nothing.
	before := len(rec.frames(t))
	if err := s.Send(resp); err != nil {
		t.Fatal(err)
	}
	if len(rec.frames(t)) != before {
		t.Error("duplicate permission response reached the agent")
	}
}

func TestAcpPermissionDenyAndCancel(t *testing.T) {
	s, rec := newTestAcpSession(t)

	s.handleLine([]byte(`{"jsonrpc":"2.0","id":7,"method":"session/request_permission","params":{"toolCall":{"kind":"execute"}}}`))
	<-s.out
	deny := unified.Message{
		Type:     unified.TypePermissionResponse,
		Metadata: map[string]any{unified.MetaRequestID: "7", unified.MetaBehavior: "deny"},
	}
	if err := s.Send(deny); err != nil {
		t.Fatal(err)
	}
	var outcome struct {
		Outcome struct {
			Outcome  string `json:"outcome"`
			OptionID string `json:"optionId"`
		} `json:"outcome"`
	}
	if err := json.Unmarshal(rec.lastFrame(t).Result, &outcome); err != nil {
		t.Fatal(err)
	}
	if outcome.Outcome.OptionID != "reject_once" {
		t.Errorf("deny optionId = %q", outcome.Outcome.OptionID)
	}

	s.handleLine([]byte(`{"jsonrpc":"2.0","id":8,"method":"session/request_permission","params":{"toolCall":{"kind":"execute"}}}`))
	<-s.out
	cancel := unified.Message{
		Type:     unified.TypePermissionCancelled,
		Metadata: map[string]any{unified.MetaRequestID: "8"},
	}
	if err := s.Send(cancel); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(rec.lastFrame(t).Result, &outcome); err != nil {
		t.Fatal(err)
	}
	if outcome.Outcome.Outcome != "cancelled" {
		t.Errorf("cancel outcome = %q", outcome.Outcome.Outcome)
	}
}

func TestAcpClientSurfaceRejected(t *testing.T) {
	s, rec := newTestAcpSession(t)

	for _, method := range []string{"fs/read_text_file", "fs/write_text_file", "terminal/create"} {
		s.handleLine([]byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"%s","params":{}}`, method)))
		answer := rec.lastFrame(t)
		if answer.Error == nil || answer.Error.Code != rpcMethodNotFound {
			t.Errorf("%s: answer = %+v, want method-not-found", method, answer.Error)
		}
	}
	expectNone(t, s)
}

func TestAcpProviderAuthError(t *testing.T) {
	s, rec := newTestAcpSession(t)
	s.agentSessionID = "agent-9"

	if err := s.Send(unified.NewText(unified.TypeUserMessage, unified.RoleUser, "hi")); err != nil {
		t.Fatal(err)
	}
	promptID := rec.lastFrame(t).ID

	s.handleLine([]byte(fmt.Sprintf(
		`{"jsonrpc":"2.0","id":%s,"error":{"code":-32000,"message":"auth required","data":{"code":"provider_auth","validation_link":"https://login.example.com","description":"sign in"}}}`,
		promptID)))

	// auth_status precedes the result so the UI can render the link first.
	auth := recv(t, s)
	if auth.Type != unified.TypeAuthStatus {
		t.Fatalf("first emission = %s, want auth_status", auth.Type)
	}
	if auth.MetaString("validation_link") != "https://login.example.com" {
		t.Errorf("validation_link = %q", auth.MetaString("validation_link"))
	}

	result := recv(t, s)
	if result.Type != unified.TypeResult || !result.MetaBool("is_error") {
		t.Fatalf("result = %+v", result)
	}
	if result.MetaString("code") != "provider_auth" {
		t.Errorf("code = %q", result.MetaString("code"))
	}
}

func TestAcpInterruptAndConfiguration(t *testing.T) {
	s, rec := newTestAcpSession(t)
	s.agentSessionID = "agent-9"

	if err := s.Send(unified.Message{Type: unified.TypeInterrupt}); err != nil {
		t.Fatal(err)
	}
	cancel := rec.lastFrame(t)
	if cancel.Method != "session/cancel" || cancel.ID != nil {
		t.Errorf("interrupt must be a session/cancel notification, got %+v", cancel)
	}

	if err := s.Send(unified.Message{Type: unified.TypeConfigurationChange}.
		WithMeta("permission_mode", "plan")); err != nil {
		t.Fatal(err)
	}
	if m := rec.lastFrame(t).Method; m != "session/set_mode" {
		t.Errorf("mode change method = %s", m)
	}

	if err := s.Send(unified.Message{Type: unified.TypeConfigurationChange}.
		WithMeta(unified.MetaModel, "opus")); err != nil {
		t.Fatal(err)
	}
	if m := rec.lastFrame(t).Method; m != "session/set_model" {
		t.Errorf("model change method = %s", m)
	}
}

func TestAcpConvertEcho(t *testing.T) {
	s, _ := newTestAcpSession(t)
	s.agentSessionID = "agent-9"

	slash := unified.NewText(unified.TypeSlashCommand, unified.RoleUser, "/compact now").
		WithMeta(unified.MetaRequestID, "r1")
	if err := s.Send(slash); err != nil {
		t.Fatal(err)
	}

	echo := unified.NewText(unified.TypeUserMessage, unified.RoleUser, "/compact now").
		WithMeta(unified.MetaSource, "cli")
	converted, ok := s.ConvertEcho(echo)
	if !ok {
		t.Fatal("slash echo not converted")
	}
	if converted.Type != unified.TypeSlashCommandResult {
		t.Errorf("type = %s", converted.Type)
	}
	if converted.MetaString(unified.MetaCommand) != "/compact" {
		t.Errorf("command = %q", converted.MetaString(unified.MetaCommand))
	}
	if converted.RequestID() != "r1" {
		t.Errorf("request_id = %q", converted.RequestID())
	}

	// One conversion per slash command.
	if _, ok := s.ConvertEcho(echo); ok {
		t.Error("second echo converted again")
	}

	// Consumer-sourced user messages are never converted.
	plain := unified.NewText(unified.TypeUserMessage, unified.RoleUser, "hi").
		WithMeta(unified.MetaSource, "consumer")
	if _, ok := s.ConvertEcho(plain); ok {
		t.Error("non-cli echo converted")
	}
}

func TestAcpControlResponsePassThrough(t *testing.T) {
	s, _ := newTestAcpSession(t)

	s.handleLine([]byte(`{"type":"control_response","request_id":"r1","response":{"commands":["/x"]}}`))
	msg := recv(t, s)
	if msg.Type != unified.TypeControlResponse || msg.RequestID() != "r1" {
		t.Fatalf("msg = %+v", msg)
	}
	if msg.Metadata["response"] == nil {
		t.Error("response payload missing")
	}
}

func TestAcpRejectPendingMidTurn(t *testing.T) {
	s, _ := newTestAcpSession(t)
	s.agentSessionID = "agent-9"

	if err := s.Send(unified.NewText(unified.TypeUserMessage, unified.RoleUser, "hi")); err != nil {
		t.Fatal(err)
	}
	s.handleLine([]byte(`{"jsonrpc":"2.0","method":"session/update","params":{"update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"par"}}}}`))
	<-s.out // running
	<-s.out // delta

	s.rejectPending()
	errMsg := recv(t, s)
	if errMsg.Type != unified.TypeError {
		t.Fatalf("type = %s, want error for a stream that died mid-turn", errMsg.Type)
	}

	// Nothing in flight: no error emission.
	s.rejectPending()
	expectNone(t, s)
}

func TestAcpDroppedLines(t *testing.T) {
	s, _ := newTestAcpSession(t)
	s.handleLine([]byte(`not json`))
	s.handleLine([]byte(`{"jsonrpc":"2.0"}`))
	s.handleLine([]byte(`{"jsonrpc":"2.0","method":"unknown/notification","params":{}}`))
	expectNone(t, s)
}

func TestChunkText(t *testing.T) {
	if got := chunkText([]byte(`{"type":"text","text":"hi"}`)); got != "hi" {
		t.Errorf("block form = %q", got)
	}
	if got := chunkText([]byte(`"bare"`)); got != "bare" {
		t.Errorf("string form = %q", got)
	}
	if got := chunkText([]byte(`[1,2]`)); got != "" {
		t.Errorf("garbage = %q", got)
	}
}
