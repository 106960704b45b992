// Package model defines data structures for the chatbot platform.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// TriggerType determines how a flow is activated.
type TriggerType string

const (
	TriggerKeyword   TriggerType = "keyword"
	TriggerIntent    TriggerType = "intent"
	TriggerButton    TriggerType = "button"
	TriggerCondition TriggerType = "condition"
	TriggerWebhook   TriggerType = "webhook"
)

// MatchMode controls keyword trigger semantics.
type MatchMode string

const (
	MatchContains MatchMode = "contains"
	MatchExact    MatchMode = "exact"
)

// Operator is a condition comparison operator.
type Operator string

const (
	OpEquals     Operator = "equals"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "starts_with"
	OpEndsWith   Operator = "ends_with"
	OpRegex      Operator = "regex"
)

// Condition compares a session/lead field against a value.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    string   `json:"value"`
}

// Trigger is the matching rule that activates a flow for a visitor input.
// All entries in Conditions must hold (logical AND).
type Trigger struct {
	Type       TriggerType `json:"type"`
	Value      string      `json:"value"`
	Match      MatchMode   `json:"match,omitempty"`
	Conditions []Condition `json:"conditions,omitempty"`
}

// NodeType identifies the execution semantics of a flow node.
type NodeType string

const (
	NodeMessage   NodeType = "message"
	NodeCondition NodeType = "condition"
	NodeAction    NodeType = "action"
	NodeInput     NodeType = "input"
	NodeDelay     NodeType = "delay"
	NodeWebhook   NodeType = "webhook"
)

// Node is one step in a flow graph. Content is a tagged payload whose
// shape depends on Type; Connections lists successor node IDs. The graph
// is not guaranteed acyclic by storage, the engine bounds its walk.
type Node struct {
	ID          string          `json:"id"`
	Type        NodeType        `json:"type"`
	Entry       bool            `json:"entry,omitempty"`
	Content     json.RawMessage `json:"content"`
	Connections []string        `json:"connections,omitempty"`
}

// Button is a clickable quick-reply attached to a bot message.
type Button struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// MessageContent is the payload of a message node. When Buttons is
// non-empty the node pauses and buttons map positionally onto the node's
// connections (buttons[i] advances to connections[i]).
type MessageContent struct {
	Text    string   `json:"text"`
	Buttons []Button `json:"buttons,omitempty"`
}

// ConditionCase routes an evaluated field value to a named successor when
// a condition node has more than two outgoing edges.
type ConditionCase struct {
	Equals string `json:"equals"`
	Next   string `json:"next"`
}

// ConditionContent is the payload of a condition node. With exactly two
// connections the first is taken on true and the second on false. With
// more than two, Cases must route the field value to a successor node ID.
type ConditionContent struct {
	Condition Condition       `json:"condition"`
	Cases     []ConditionCase `json:"cases,omitempty"`
}

// InputValidation constrains the visitor reply captured by an input node.
type InputValidation struct {
	Required  bool   `json:"required,omitempty"`
	Pattern   string `json:"pattern,omitempty"`
	MinLength int    `json:"min_length,omitempty"`
	MaxLength int    `json:"max_length,omitempty"`
}

// InputContent is the payload of an input node. The captured value is
// stored into the conversation's lead fields under Field.
type InputContent struct {
	Prompt       string          `json:"prompt"`
	Field        string          `json:"field"`
	Validation   InputValidation `json:"validation,omitempty"`
	RetryMessage string          `json:"retry_message,omitempty"`
}

// DelayContent is the payload of a delay node. The successor runs after
// Seconds without blocking other conversations.
type DelayContent struct {
	Seconds int `json:"seconds"`
}

// ActionContent is the payload of an action node.
type ActionContent struct {
	Action string            `json:"action"`
	Params map[string]string `json:"params,omitempty"`
}

// WebhookContent is the payload of a webhook node. An empty URL falls back
// to the chatbot's configured webhook URL.
type WebhookContent struct {
	URL   string `json:"url,omitempty"`
	Event string `json:"event"`
}

// DecodeContent decodes a node's content payload into the variant struct
// for its type. Unknown node types and malformed payloads are rejected
// rather than trusted.
func (n *Node) DecodeContent() (any, error) {
	var (
		dst any
		err error
	)
	switch n.Type {
	case NodeMessage:
		v := &MessageContent{}
		err = json.Unmarshal(n.Content, v)
		dst = v
	case NodeCondition:
		v := &ConditionContent{}
		err = json.Unmarshal(n.Content, v)
		dst = v
	case NodeInput:
		v := &InputContent{}
		err = json.Unmarshal(n.Content, v)
		dst = v
	case NodeDelay:
		v := &DelayContent{}
		err = json.Unmarshal(n.Content, v)
		dst = v
	case NodeAction:
		v := &ActionContent{}
		err = json.Unmarshal(n.Content, v)
		dst = v
	case NodeWebhook:
		v := &WebhookContent{}
		err = json.Unmarshal(n.Content, v)
		dst = v
	default:
		return nil, fmt.Errorf("%w: unknown node type %q", ErrEngineFault, n.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: malformed %s content: %v", ErrEngineFault, n.Type, err)
	}
	return dst, nil
}

// Flow is a configured trigger plus node graph defining one automated
// conversation path. Flows are evaluated in declared order.
type Flow struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Active  bool    `json:"active"`
	Trigger Trigger `json:"trigger"`
	Nodes   []Node  `json:"nodes"`
}

// EntryNode returns the node execution starts from: the node marked as
// entry, or the first node in the list.
func (f *Flow) EntryNode() (*Node, bool) {
	for i := range f.Nodes {
		if f.Nodes[i].Entry {
			return &f.Nodes[i], true
		}
	}
	if len(f.Nodes) > 0 {
		return &f.Nodes[0], true
	}
	return nil, false
}

// NodeByID looks up a node in the flow's arena.
func (f *Flow) NodeByID(id string) (*Node, bool) {
	for i := range f.Nodes {
		if f.Nodes[i].ID == id {
			return &f.Nodes[i], true
		}
	}
	return nil, false
}

// Article is a knowledge base entry owned by a chatbot.
type Article struct {
	ID    string   `json:"id"`
	Title string   `json:"title"`
	Body  string   `json:"body"`
	Tags  []string `json:"tags,omitempty"`
}

// WidgetSettings holds the embeddable widget configuration. Visual
// behavior is rendered client side; the server only stores it.
type WidgetSettings struct {
	Greeting     string `json:"greeting,omitempty"`
	PrimaryColor string `json:"primary_color,omitempty"`
	Position     string `json:"position,omitempty"`
}

// Chatbot is one configured bot owned by a tenant.
type Chatbot struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenant_id"`
	Name            string         `json:"name"`
	Active          bool           `json:"active"`
	FallbackMessage string         `json:"fallback_message"`
	Flows           []Flow         `json:"flows"`
	KnowledgeBase   []Article      `json:"knowledge_base,omitempty"`
	Widget          WidgetSettings `json:"widget,omitempty"`

	// Outbound webhook settings for this bot's owner.
	WebhookURL    string `json:"webhook_url,omitempty"`
	WebhookSecret string `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone deep-copies the chatbot so store reads cannot alias store state.
func (c *Chatbot) Clone() *Chatbot {
	out := *c
	out.Flows = append([]Flow(nil), c.Flows...)
	for i := range out.Flows {
		fl := &out.Flows[i]
		fl.Trigger.Conditions = append([]Condition(nil), fl.Trigger.Conditions...)
		fl.Nodes = append([]Node(nil), fl.Nodes...)
		for j := range fl.Nodes {
			n := &fl.Nodes[j]
			n.Content = append(json.RawMessage(nil), n.Content...)
			n.Connections = append([]string(nil), n.Connections...)
		}
	}
	out.KnowledgeBase = append([]Article(nil), c.KnowledgeBase...)
	for i := range out.KnowledgeBase {
		out.KnowledgeBase[i].Tags = append([]string(nil), c.KnowledgeBase[i].Tags...)
	}
	return &out
}

// Fallback returns the configured fallback message with a default for
// bots that never set one.
func (c *Chatbot) Fallback() string {
	if c.FallbackMessage != "" {
		return c.FallbackMessage
	}
	return "Sorry, I didn't understand that. Could you rephrase?"
}
