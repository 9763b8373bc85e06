// Package messenger implements the channel-agnostic command router of
// spec.md §4.9: slash-command dispatch, chat fallback, and bare-keyword
// approval handling, shared by every concrete chat adapter
// (internal/channels/telegram.go today; Lark/HTTP-dashboard adapters
// would register against the same Router instead of reimplementing the
// command surface).
package messenger

import (
	"context"
	"log/slog"
	"sync"

	"github.com/relaycode/cah/internal/bus"
	"github.com/relaycode/cah/internal/engine"
	"github.com/relaycode/cah/internal/invoker"
	"github.com/relaycode/cah/internal/queue"
	"github.com/relaycode/cah/internal/store"
	"github.com/relaycode/cah/internal/supervisor"
)

// Adapter is the boundary a concrete chat platform integration must
// satisfy, per spec.md §4.9: "adapter supplies reply(chatId, text),
// optional replyCard/editMessage/replyImage". ChatID is a string so the
// Router stays agnostic of whatever native id type (int64 for Telegram,
// string for Lark/HTTP) the platform uses.
type Adapter interface {
	Name() string
	Reply(chatID, text string) error
	ReplyCard(chatID, title, text string) error
	EditMessage(chatID, messageID, text string) error
	ReplyImage(chatID, path string) error
}

// Incoming is the adapter-normalized shape of one inbound event, per
// spec.md §4.9's parseIncoming(event) → {chatId, text, images?, isMentioned?}.
type Incoming struct {
	ChatID      string
	Text        string
	Images      []string
	IsMentioned bool
}

// chatRef pins a chat to the adapter it arrived on, so a notification
// raised from outside any adapter's own goroutine (e.g. watchCompletions)
// reaches the right platform.
type chatRef struct {
	adapter string
	chatID  string
}

type pendingApproval struct {
	taskID string
	nodeID string
}

// Deps bundles the core components the router needs to satisfy spec.md
// §4.9's contract: task creation/inspection through the store, lifecycle
// control through the supervisor, waiting-node resolution through the
// engine, and direct chat turns through the invoker.
type Deps struct {
	Store      *store.Store
	Queue      *queue.Queue
	Engine     *engine.Engine
	Supervisor *supervisor.Supervisor
	Invoker    *invoker.Invoker
	Bus        *bus.Bus
}

// Router dispatches incoming chat events to command handlers, the chat
// handler, or the approval handler (spec.md §4.9), serializing each
// chat's turns in arrival order via a worker-per-chat function queue
// (spec.md §5(v): "per-chat messages are strictly serialized").
type Router struct {
	deps   Deps
	logger *slog.Logger

	adapterMu sync.RWMutex
	adapters  map[string]Adapter

	chatMu    sync.Mutex
	chatQueue map[string]chan func()

	pendingMu       sync.Mutex
	pendingTasks    map[string]chatRef // taskID -> originating chat
	pendingApproval map[string]pendingApproval
	chatSessions    map[string]string // chatRef key -> LLM CLI session id

	sub *bus.Subscription
}

// New builds a Router bound to deps. Call RegisterAdapter for every
// concrete channel before Start.
func New(deps Deps, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		deps:            deps,
		logger:          logger,
		adapters:        make(map[string]Adapter),
		chatQueue:       make(map[string]chan func()),
		pendingTasks:    make(map[string]chatRef),
		pendingApproval: make(map[string]pendingApproval),
		chatSessions:    make(map[string]string),
	}
}

// RegisterAdapter makes adapter known to the router for outbound replies
// and completion notifications.
func (r *Router) RegisterAdapter(a Adapter) {
	r.adapterMu.Lock()
	defer r.adapterMu.Unlock()
	r.adapters[a.Name()] = a
}

// Start subscribes to task-completion events so a chat that originated a
// task gets notified once it reaches a terminal status. Call once, after
// all adapters are registered.
func (r *Router) Start(ctx context.Context) {
	if r.deps.Bus == nil {
		return
	}
	r.sub = r.deps.Bus.Subscribe(bus.TopicTaskCompleted)
	go r.watchCompletions(ctx)
}

// HandleIncoming is the entry point a concrete adapter calls for every
// inbound message it receives. adapterName must match the Name() of a
// previously-registered Adapter.
func (r *Router) HandleIncoming(ctx context.Context, adapterName string, in Incoming) {
	if in.Text == "" {
		return
	}
	ref := chatRef{adapter: adapterName, chatID: in.ChatID}
	r.enqueue(ref, func() {
		r.dispatch(ctx, ref, in.Text)
	})
}

// enqueue runs fn on the per-chat worker goroutine for ref, creating it
// on first use. Functions for one chat run strictly in arrival order;
// different chats run concurrently.
func (r *Router) enqueue(ref chatRef, fn func()) {
	key := ref.adapter + ":" + ref.chatID
	r.chatMu.Lock()
	ch, ok := r.chatQueue[key]
	if !ok {
		ch = make(chan func(), 64)
		r.chatQueue[key] = ch
		go func() {
			for f := range ch {
				f()
			}
		}()
	}
	r.chatMu.Unlock()
	ch <- fn
}

func (r *Router) reply(ref chatRef, text string) {
	r.adapterMu.RLock()
	a, ok := r.adapters[ref.adapter]
	r.adapterMu.RUnlock()
	if !ok {
		r.logger.Warn("messenger: reply to unregistered adapter", "adapter", ref.adapter)
		return
	}
	if text == "" {
		text = "(empty response)"
	}
	if err := a.Reply(ref.chatID, text); err != nil {
		r.logger.Error("messenger: reply failed", "adapter", ref.adapter, "error", err)
	}
}

// NotifyApprovalRequired records the pending human node for a chat so a
// bare keyword or arg-less /approve can resolve it, and pushes a prompt
// through whichever adapter raised it.
func (r *Router) NotifyApprovalRequired(adapterName, chatID, taskID, nodeID, prompt string) {
	ref := chatRef{adapter: adapterName, chatID: chatID}
	r.pendingMu.Lock()
	r.pendingApproval[refKey(ref)] = pendingApproval{taskID: taskID, nodeID: nodeID}
	r.pendingMu.Unlock()
	r.reply(ref, "approval required for "+taskID+"/"+nodeID+": "+prompt+"\nreply yes/no or /approve, /reject")
}

func refKey(ref chatRef) string {
	return ref.adapter + ":" + ref.chatID
}

// watchCompletions notifies the originating chat once its task reaches a
// terminal status, per spec.md §2's control-flow summary.
func (r *Router) watchCompletions(ctx context.Context) {
	defer r.deps.Bus.Unsubscribe(r.sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.sub.Ch():
			payload, ok := ev.Payload.(bus.TaskCompletedEvent)
			if !ok {
				continue
			}
			r.pendingMu.Lock()
			ref, pending := r.pendingTasks[payload.TaskID]
			if pending {
				delete(r.pendingTasks, payload.TaskID)
			}
			r.pendingMu.Unlock()
			if !pending {
				continue
			}
			r.reply(ref, payload.TaskID+" "+payload.Status)
		}
	}
}
