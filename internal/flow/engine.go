// Package flow executes chatbot flow graphs against visitor input: trigger
// resolution, node execution, and delay scheduling.
package flow

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/replyforge/chatbot-platform/internal/clock"
	"github.com/replyforge/chatbot-platform/internal/delivery"
	"github.com/replyforge/chatbot-platform/internal/model"
	"github.com/replyforge/chatbot-platform/pkg/logger"
	"github.com/replyforge/chatbot-platform/pkg/metrics"
)

// DefaultMaxHops bounds node hops in a single synchronous pass. The graph
// has no storage-level acyclicity guarantee, so the walk must be bounded.
const DefaultMaxHops = 50

// Notifier delivers outbound webhook payloads for webhook nodes.
type Notifier interface {
	Deliver(ctx context.Context, url, secret, event string, payload any) (*delivery.Result, error)
}

// ActionRunner executes action-node side effects. It may return a reply
// emitted as a bot message and may move the conversation to a terminal
// status (transfer/end actions).
type ActionRunner interface {
	Run(ctx context.Context, bot *model.Chatbot, conv *model.Conversation, action *model.ActionContent) (reply string, err error)
}

// Result is the outcome of one engine pass.
type Result struct {
	// Messages are the bot messages produced, in order. The caller
	// appends them to the conversation and recomputes analytics.
	Messages []model.Message

	// Fallback reports that the fallback message was emitted, either
	// because no flow matched or because the pass faulted.
	Fallback bool

	// Hops is the number of nodes executed.
	Hops int
}

// Engine walks chatbot flow graphs. It mutates the conversation's cursor,
// lead and status in memory; persistence belongs to the caller, which
// must hold the per-conversation lock.
type Engine struct {
	maxHops  int
	sched    *Scheduler
	webhooks Notifier
	actions  ActionRunner
	clock    clock.Clock
	logger   *logger.Logger
}

// New creates a flow engine. maxHops <= 0 selects DefaultMaxHops.
func New(maxHops int, sched *Scheduler, webhooks Notifier, actions ActionRunner, clk clock.Clock, log *logger.Logger) *Engine {
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Engine{
		maxHops:  maxHops,
		sched:    sched,
		webhooks: webhooks,
		actions:  actions,
		clock:    clk,
		logger:   log,
	}
}

// ProcessInput handles one visitor stimulus: it resumes a paused flow if
// the conversation is waiting on input or a button, otherwise resolves a
// trigger, and runs the graph until it pauses or completes. If nothing
// matches, the chatbot's fallback message is emitted exactly once and no
// flow state advances.
func (e *Engine) ProcessInput(ctx context.Context, bot *model.Chatbot, conv *model.Conversation, in Input) *Result {
	res := &Result{}

	if cur := conv.Cursor; cur != nil {
		fl, ok := findFlow(bot, cur.FlowID)
		if !ok {
			// Flow was deleted mid-conversation; drop the stale cursor.
			conv.Cursor = nil
		} else {
			switch cur.Waiting {
			case model.WaitingInput:
				if in.Kind == InputMessage {
					e.resumeInput(ctx, bot, conv, fl, in, res)
					e.recordPass(bot, res)
					return res
				}
			case model.WaitingButton:
				if in.Kind == InputButton && e.resumeButton(ctx, bot, conv, fl, in, res) {
					e.recordPass(bot, res)
					return res
				}
				// An unmapped button value falls through to trigger
				// resolution, where button triggers can still claim it.
			}
		}
	}

	fl := e.matchFlow(bot, conv, in)
	if fl == nil {
		e.emitFallback(bot, conv, res, "no_match")
		e.recordPass(bot, res)
		return res
	}

	entry, ok := fl.EntryNode()
	if !ok {
		e.fault(bot, conv, res, "flow has no nodes", fl.ID, "")
		e.recordPass(bot, res)
		return res
	}

	conv.Cursor = &model.FlowCursor{FlowID: fl.ID, NodeID: entry.ID}
	e.run(ctx, bot, conv, fl, entry.ID, res)
	e.recordPass(bot, res)
	return res
}

// TriggerFlow activates a webhook-triggered flow by ID, used by the
// owner-facing API rather than visitor messages.
func (e *Engine) TriggerFlow(ctx context.Context, bot *model.Chatbot, conv *model.Conversation, flowID string) (*Result, error) {
	res := &Result{}
	fl, ok := findFlow(bot, flowID)
	if !ok || !fl.Active {
		return nil, model.ErrNotFound
	}
	entry, ok := fl.EntryNode()
	if !ok {
		return nil, model.ErrEngineFault
	}
	conv.Cursor = &model.FlowCursor{FlowID: fl.ID, NodeID: entry.ID}
	e.run(ctx, bot, conv, fl, entry.ID, res)
	e.recordPass(bot, res)
	return res, nil
}

// Resume continues a conversation at nodeID after a delay timer fires.
// The caller must hold the per-conversation lock and have verified the
// conversation is not terminal.
func (e *Engine) Resume(ctx context.Context, bot *model.Chatbot, conv *model.Conversation, nodeID string) *Result {
	res := &Result{}
	cur := conv.Cursor
	if cur == nil || cur.Waiting != model.WaitingDelay {
		return res
	}
	fl, ok := findFlow(bot, cur.FlowID)
	if !ok {
		conv.Cursor = nil
		return res
	}
	conv.Cursor = &model.FlowCursor{FlowID: fl.ID, NodeID: nodeID}
	e.run(ctx, bot, conv, fl, nodeID, res)
	e.recordPass(bot, res)
	return res
}

// run executes nodes along connections until the flow pauses, completes,
// or faults. Exceeding the hop bound is an engine fault: the fallback is
// emitted once and the pass aborts.
func (e *Engine) run(ctx context.Context, bot *model.Chatbot, conv *model.Conversation, fl *model.Flow, startID string, res *Result) {
	nodeID := startID
	for {
		res.Hops++
		if res.Hops > e.maxHops {
			e.fault(bot, conv, res, "hop limit exceeded", fl.ID, nodeID)
			return
		}

		node, ok := fl.NodeByID(nodeID)
		if !ok {
			e.fault(bot, conv, res, "connection to unknown node", fl.ID, nodeID)
			return
		}

		content, err := node.DecodeContent()
		if err != nil {
			e.fault(bot, conv, res, err.Error(), fl.ID, nodeID)
			return
		}

		switch c := content.(type) {
		case *model.MessageContent:
			res.Messages = append(res.Messages, e.botMessage(bot, conv, fl.ID, node.ID, c.Text, c.Buttons))
			if len(c.Buttons) > 0 {
				conv.Cursor = &model.FlowCursor{FlowID: fl.ID, NodeID: node.ID, Waiting: model.WaitingButton}
				return
			}
			next, done, ok := e.advance(bot, conv, res, fl, node)
			if !ok || done {
				return
			}
			nodeID = next

		case *model.ConditionContent:
			next, err := e.branch(node, c, conv)
			if err != nil {
				e.fault(bot, conv, res, err.Error(), fl.ID, nodeID)
				return
			}
			nodeID = next

		case *model.InputContent:
			res.Messages = append(res.Messages, e.botMessage(bot, conv, fl.ID, node.ID, c.Prompt, nil))
			conv.Cursor = &model.FlowCursor{FlowID: fl.ID, NodeID: node.ID, Waiting: model.WaitingInput}
			return

		case *model.DelayContent:
			if len(node.Connections) != 1 {
				e.fault(bot, conv, res, "delay node requires exactly one connection", fl.ID, nodeID)
				return
			}
			conv.Cursor = &model.FlowCursor{FlowID: fl.ID, NodeID: node.ID, Waiting: model.WaitingDelay}
			e.sched.Schedule(conv.ID, node.Connections[0], time.Duration(c.Seconds)*time.Second)
			return

		case *model.ActionContent:
			reply, err := e.actions.Run(ctx, bot, conv, c)
			if err != nil {
				// Upstream failure: abort the pass with what was already
				// produced. The action did not complete, so do not advance.
				e.logger.Warn("action node failed",
					zap.String("chatbot_id", bot.ID),
					zap.String("conversation_id", conv.ID),
					zap.String("action", c.Action),
					zap.Error(err),
				)
				conv.Cursor = nil
				return
			}
			if reply != "" {
				res.Messages = append(res.Messages, e.botMessage(bot, conv, fl.ID, node.ID, reply, nil))
			}
			if conv.Status.Terminal() {
				conv.Cursor = nil
				return
			}
			next, done, ok := e.advance(bot, conv, res, fl, node)
			if !ok || done {
				return
			}
			nodeID = next

		case *model.WebhookContent:
			url := c.URL
			if url == "" {
				url = bot.WebhookURL
			}
			if url == "" {
				e.fault(bot, conv, res, "webhook node without target URL", fl.ID, nodeID)
				return
			}
			_, err := e.webhooks.Deliver(ctx, url, bot.WebhookSecret, c.Event, webhookPayload(conv, c.Event))
			if err != nil {
				e.logger.Warn("webhook node delivery failed",
					zap.String("chatbot_id", bot.ID),
					zap.String("conversation_id", conv.ID),
					zap.Error(err),
				)
				conv.Cursor = nil
				return
			}
			next, done, ok := e.advance(bot, conv, res, fl, node)
			if !ok || done {
				return
			}
			nodeID = next
		}
	}
}

// advance follows a non-condition node's connections. Zero successors
// completes the flow; exactly one advances; anything else is invalid
// configuration and the engine no-ops deterministically instead of
// silently picking an edge.
func (e *Engine) advance(bot *model.Chatbot, conv *model.Conversation, res *Result, fl *model.Flow, node *model.Node) (next string, done, ok bool) {
	switch len(node.Connections) {
	case 0:
		conv.Cursor = nil
		return "", true, true
	case 1:
		conv.Cursor = &model.FlowCursor{FlowID: fl.ID, NodeID: node.Connections[0]}
		return node.Connections[0], false, true
	default:
		e.fault(bot, conv, res, "multiple connections on non-condition node", fl.ID, node.ID)
		return "", false, false
	}
}

// branch picks a condition node's successor. With two edges the first is
// taken on true and the second on false; with more than two, the content's
// cases must route the evaluated field value to a successor node ID.
func (e *Engine) branch(node *model.Node, c *model.ConditionContent, conv *model.Conversation) (string, error) {
	if len(node.Connections) > 2 || len(c.Cases) > 0 {
		value := e.fieldValue(conv, Input{}, c.Condition.Field)
		for _, cs := range c.Cases {
			if cs.Equals == value && contains(node.Connections, cs.Next) {
				return cs.Next, nil
			}
		}
		return "", model.ErrEngineFault
	}

	value := e.fieldValue(conv, Input{}, c.Condition.Field)
	if e.evalCondition(c.Condition, value) {
		if len(node.Connections) < 1 {
			return "", model.ErrEngineFault
		}
		return node.Connections[0], nil
	}
	if len(node.Connections) < 2 {
		return "", model.ErrEngineFault
	}
	return node.Connections[1], nil
}

// resumeInput validates the visitor reply against the paused input node.
// Validation failure re-prompts without advancing; success captures the
// value into the lead and advances.
func (e *Engine) resumeInput(ctx context.Context, bot *model.Chatbot, conv *model.Conversation, fl *model.Flow, in Input, res *Result) {
	node, ok := fl.NodeByID(conv.Cursor.NodeID)
	if !ok {
		e.fault(bot, conv, res, "paused node disappeared", fl.ID, conv.Cursor.NodeID)
		return
	}
	content, err := node.DecodeContent()
	if err != nil {
		e.fault(bot, conv, res, err.Error(), fl.ID, node.ID)
		return
	}
	c, ok := content.(*model.InputContent)
	if !ok {
		e.fault(bot, conv, res, "paused node is not an input node", fl.ID, node.ID)
		return
	}

	if msg, ok := e.validateInput(c, in.Text); !ok {
		res.Messages = append(res.Messages, e.botMessage(bot, conv, fl.ID, node.ID, msg, nil))
		res.Hops++
		return
	}

	if c.Field != "" {
		conv.Lead.SetField(c.Field, strings.TrimSpace(in.Text))
	}

	res.Hops++
	next, done, ok := e.advance(bot, conv, res, fl, node)
	if !ok || done {
		return
	}
	e.run(ctx, bot, conv, fl, next, res)
}

// validateInput applies the node's validation rules. It returns the
// re-prompt text on failure.
func (e *Engine) validateInput(c *model.InputContent, text string) (string, bool) {
	retry := c.RetryMessage
	if retry == "" {
		retry = c.Prompt
	}

	trimmed := strings.TrimSpace(text)
	if c.Validation.Required && trimmed == "" {
		return retry, false
	}
	if c.Validation.MinLength > 0 && len(trimmed) < c.Validation.MinLength {
		return retry, false
	}
	if c.Validation.MaxLength > 0 && len(trimmed) > c.Validation.MaxLength {
		return retry, false
	}
	if c.Validation.Pattern != "" {
		re, err := regexp.Compile(c.Validation.Pattern)
		if err != nil {
			// Malformed owner configuration must not trap the visitor in
			// a re-prompt loop; accept and log.
			e.logger.Warn("invalid input validation pattern",
				zap.String("pattern", c.Validation.Pattern),
				zap.Error(err),
			)
			return "", true
		}
		if !re.MatchString(trimmed) {
			return retry, false
		}
	}
	return "", true
}

// resumeButton maps a clicked button onto the paused message node's
// connections (buttons[i] advances to connections[i]). An unknown value
// returns false so trigger resolution can take over.
func (e *Engine) resumeButton(ctx context.Context, bot *model.Chatbot, conv *model.Conversation, fl *model.Flow, in Input, res *Result) bool {
	node, ok := fl.NodeByID(conv.Cursor.NodeID)
	if !ok {
		conv.Cursor = nil
		return false
	}
	content, err := node.DecodeContent()
	if err != nil {
		e.fault(bot, conv, res, err.Error(), fl.ID, node.ID)
		return true
	}
	c, ok := content.(*model.MessageContent)
	if !ok {
		conv.Cursor = nil
		return false
	}

	for i, btn := range c.Buttons {
		if btn.Value != in.ButtonValue {
			continue
		}
		if i >= len(node.Connections) {
			return false
		}
		res.Hops++
		conv.Cursor = &model.FlowCursor{FlowID: fl.ID, NodeID: node.Connections[i]}
		e.run(ctx, bot, conv, fl, node.Connections[i], res)
		return true
	}
	return false
}

// emitFallback appends the chatbot's fallback message exactly once.
func (e *Engine) emitFallback(bot *model.Chatbot, conv *model.Conversation, res *Result, reason string) {
	if res.Fallback {
		return
	}
	res.Fallback = true
	res.Messages = append(res.Messages, e.botMessage(bot, conv, "", "", bot.Fallback(), nil))
	metrics.FallbacksTotal.WithLabelValues(bot.ID, reason).Inc()
}

// fault aborts the current pass: fallback once, cursor cleared, detail
// logged internally.
func (e *Engine) fault(bot *model.Chatbot, conv *model.Conversation, res *Result, detail, flowID, nodeID string) {
	e.logger.Error("flow engine fault",
		zap.String("chatbot_id", bot.ID),
		zap.String("conversation_id", conv.ID),
		zap.String("flow_id", flowID),
		zap.String("node_id", nodeID),
		zap.String("detail", detail),
	)
	conv.Cursor = nil
	e.emitFallback(bot, conv, res, "engine_fault")
}

func (e *Engine) botMessage(bot *model.Chatbot, conv *model.Conversation, flowID, nodeID, text string, buttons []model.Button) model.Message {
	return model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conv.ID,
		TenantID:       bot.TenantID,
		Sender:         model.SenderBot,
		Content:        text,
		Buttons:        buttons,
		FlowID:         flowID,
		NodeID:         nodeID,
		CreatedAt:      e.clock.Now(),
	}
}

func (e *Engine) recordPass(bot *model.Chatbot, res *Result) {
	result := "matched"
	if res.Fallback {
		result = "fallback"
	}
	metrics.RecordFlowPass(bot.ID, result, res.Hops)
}

func findFlow(bot *model.Chatbot, id string) (*model.Flow, bool) {
	for i := range bot.Flows {
		if bot.Flows[i].ID == id {
			return &bot.Flows[i], true
		}
	}
	return nil, false
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func webhookPayload(conv *model.Conversation, event string) map[string]any {
	return map[string]any{
		"event":           event,
		"conversation_id": conv.ID,
		"chatbot_id":      conv.ChatbotID,
		"visitor_id":      conv.VisitorID,
		"lead":            conv.Lead,
		"status":          conv.Status,
	}
}
