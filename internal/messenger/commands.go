package messenger

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/relaycode/cah/internal/invoker"
	"github.com/relaycode/cah/internal/taskutil"
)

// approvalKeywords are bare replies (no leading slash) that resolve the
// most recently surfaced pending approval for a chat, per spec.md §4.9
// "bare approval keywords (configurable) to the approval handler".
var approvalKeywords = map[string]bool{
	"approve": true, "approved": true, "yes": true, "y": true, "lgtm": true,
	"reject": true, "rejected": true, "no": true, "n": true, "deny": true,
}

func isApprovalKeyword(s string) (approved bool, ok bool) {
	lower := strings.ToLower(strings.TrimSpace(s))
	if !approvalKeywords[lower] {
		return false, false
	}
	switch lower {
	case "reject", "rejected", "no", "n", "deny":
		return false, true
	default:
		return true, true
	}
}

// dispatch serializes a chat's incoming text into a command, chat, or
// approval-keyword handler. Always called on the chat's own worker
// goroutine (see Router.enqueue), so handlers need no further locking
// against concurrent turns from the same chat.
func (r *Router) dispatch(ctx context.Context, ref chatRef, text string) {
	if strings.HasPrefix(text, "/") {
		r.dispatchCommand(ctx, ref, text)
		return
	}
	if approved, ok := isApprovalKeyword(text); ok {
		r.handleApprovalKeyword(ctx, ref, approved)
		return
	}
	r.handleChat(ctx, ref, text)
}

// dispatchCommand implements spec.md §4.9's slash-command surface.
func (r *Router) dispatchCommand(ctx context.Context, ref chatRef, text string) {
	fields := strings.Fields(text)
	cmd := strings.ToLower(fields[0])
	arg := strings.TrimSpace(strings.TrimPrefix(text, fields[0]))

	switch cmd {
	case "/new", "/run":
		r.cmdNew(ref, arg)
	case "/list":
		r.cmdList(ref)
	case "/get", "/status":
		r.cmdGet(ref, arg)
	case "/logs":
		r.cmdLogs(ref, arg)
	case "/stop":
		r.cmdReject(ref, arg, "stopped via chat")
	case "/pause":
		r.cmdPause(ref, arg)
	case "/resume":
		r.cmdResume(ref, arg)
	case "/approve":
		r.cmdApprove(ctx, ref, arg, true)
	case "/reject":
		r.cmdApprove(ctx, ref, arg, false)
	case "/chat":
		r.handleChat(ctx, ref, arg)
	case "/model", "/backend":
		r.reply(ref, "per-chat model/backend override is not yet configurable")
	default:
		if strings.HasPrefix(cmd, "/self") {
			r.reply(ref, "self-management commands are handled by the cah CLI, not this channel")
			return
		}
		r.reply(ref, "unrecognized command: "+cmd)
	}
}

func (r *Router) cmdNew(ref chatRef, description string) {
	if description == "" {
		r.reply(ref, "usage: /new <task description>")
		return
	}
	taskID, err := taskutil.CreateDefault(r.deps.Store, r.deps.Queue, r.deps.Supervisor, r.deps.Bus, "chat: "+description, description)
	if err != nil {
		r.reply(ref, "failed to create task: "+err.Error())
		return
	}
	r.pendingMu.Lock()
	r.pendingTasks[taskID] = ref
	r.pendingMu.Unlock()
	r.reply(ref, "created "+taskID)
}

func (r *Router) cmdList(ref chatRef) {
	tasks, err := r.deps.Store.GetAllTasks()
	if err != nil {
		r.reply(ref, "failed to list tasks: "+err.Error())
		return
	}
	if len(tasks) == 0 {
		r.reply(ref, "no tasks")
		return
	}
	var b strings.Builder
	for i, task := range tasks {
		if i >= 20 {
			fmt.Fprintf(&b, "... and %d more\n", len(tasks)-20)
			break
		}
		fmt.Fprintf(&b, "%s [%s] %s\n", task.ID, task.Status, task.Title)
	}
	r.reply(ref, b.String())
}

func (r *Router) cmdGet(ref chatRef, idOrPrefix string) {
	if idOrPrefix == "" {
		r.reply(ref, "usage: /get <task-id-or-prefix>")
		return
	}
	id, err := r.deps.Store.ResolveTaskID(idOrPrefix)
	if err != nil {
		r.reply(ref, "lookup failed: "+err.Error())
		return
	}
	task, err := r.deps.Store.GetTask(id)
	if err != nil {
		r.reply(ref, "not found: "+err.Error())
		return
	}
	r.reply(ref, fmt.Sprintf("%s\nstatus: %s\nretries: %d\ntitle: %s", task.ID, task.Status, task.RetryCount, task.Title))
}

func (r *Router) cmdLogs(ref chatRef, idOrPrefix string) {
	id, err := r.deps.Store.ResolveTaskID(idOrPrefix)
	if err != nil {
		r.reply(ref, "lookup failed: "+err.Error())
		return
	}
	inst, err := r.deps.Store.GetInstance(id)
	if err != nil {
		r.reply(ref, "no instance: "+err.Error())
		return
	}
	var b strings.Builder
	for nodeID, state := range inst.NodeStates {
		fmt.Fprintf(&b, "%s: %s (attempts=%d)\n", nodeID, state.Status, state.Attempts)
	}
	if b.Len() == 0 {
		b.WriteString("no node states recorded yet")
	}
	r.reply(ref, b.String())
}

func (r *Router) cmdPause(ref chatRef, idOrPrefix string) {
	id, err := r.deps.Store.ResolveTaskID(idOrPrefix)
	if err != nil {
		r.reply(ref, "lookup failed: "+err.Error())
		return
	}
	if err := r.deps.Supervisor.PauseTask(id, "paused via chat"); err != nil {
		r.reply(ref, "pause failed: "+err.Error())
		return
	}
	r.reply(ref, "paused "+id)
}

func (r *Router) cmdResume(ref chatRef, idOrPrefix string) {
	id, err := r.deps.Store.ResolveTaskID(idOrPrefix)
	if err != nil {
		r.reply(ref, "lookup failed: "+err.Error())
		return
	}
	if _, err := r.deps.Supervisor.ResumePausedTask(id); err != nil {
		r.reply(ref, "resume failed: "+err.Error())
		return
	}
	r.reply(ref, "resumed "+id)
}

func (r *Router) cmdReject(ref chatRef, idOrPrefix, reason string) {
	id, err := r.deps.Store.ResolveTaskID(idOrPrefix)
	if err != nil {
		r.reply(ref, "lookup failed: "+err.Error())
		return
	}
	if err := r.deps.Supervisor.RejectTask(id, reason); err != nil {
		r.reply(ref, "stop failed: "+err.Error())
		return
	}
	r.reply(ref, "stopped "+id)
}

// cmdApprove resolves a waiting human node, either the one most recently
// surfaced to this chat (arg empty) or an explicit "<task> <node>" pair.
func (r *Router) cmdApprove(ctx context.Context, ref chatRef, arg string, approved bool) {
	var taskID, nodeID string
	if arg == "" {
		r.pendingMu.Lock()
		p, ok := r.pendingApproval[refKey(ref)]
		r.pendingMu.Unlock()
		if !ok {
			r.reply(ref, "no pending approval for this chat")
			return
		}
		taskID, nodeID = p.taskID, p.nodeID
	} else {
		parts := strings.Fields(arg)
		if len(parts) < 2 {
			r.reply(ref, "usage: /approve <task-id> <node-id>")
			return
		}
		var err error
		taskID, err = r.deps.Store.ResolveTaskID(parts[0])
		if err != nil {
			r.reply(ref, "lookup failed: "+err.Error())
			return
		}
		nodeID = parts[1]
	}
	if err := r.deps.Engine.ExternalTransition(ctx, taskID, nodeID, approved, "via chat"); err != nil {
		r.reply(ref, "approval failed: "+err.Error())
		return
	}
	r.pendingMu.Lock()
	delete(r.pendingApproval, refKey(ref))
	r.pendingMu.Unlock()
	r.reply(ref, "recorded")
}

func (r *Router) handleApprovalKeyword(ctx context.Context, ref chatRef, approved bool) {
	r.pendingMu.Lock()
	_, ok := r.pendingApproval[refKey(ref)]
	r.pendingMu.Unlock()
	if !ok {
		r.reply(ref, "no pending approval; send /approve <task> <node> explicitly")
		return
	}
	r.cmdApprove(ctx, ref, "", approved)
}

// handleChat calls the LLM Invoker directly, per spec.md §4.9, reusing
// the chat's session id across turns so the external CLI keeps its own
// conversational context.
func (r *Router) handleChat(ctx context.Context, ref chatRef, content string) {
	if content == "" {
		return
	}
	key := refKey(ref)
	r.pendingMu.Lock()
	sessionID := r.chatSessions[key]
	r.pendingMu.Unlock()

	res, err := r.deps.Invoker.Invoke(ctx, invoker.Request{
		Prompt:    content,
		SessionID: sessionID,
	})
	if err != nil {
		r.reply(ref, "chat failed: "+err.Error())
		return
	}
	if res.SessionID != "" {
		r.pendingMu.Lock()
		r.chatSessions[key] = res.SessionID
		r.pendingMu.Unlock()
	}
	r.reply(ref, res.Response)
}

// ParseChatID is a small helper for config-driven default-chat wiring
// (e.g. restoring the optional lark-chat-id-equivalent persisted default
// chat for unsolicited notifications) for adapters whose native chat id
// is numeric, such as Telegram.
func ParseChatID(s string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
}
