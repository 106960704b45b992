package flow

import (
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/replyforge/chatbot-platform/internal/model"
)

// InputKind discriminates visitor stimuli.
type InputKind string

const (
	InputMessage InputKind = "message"
	InputButton  InputKind = "button"
)

// Input is one visitor stimulus handed to the engine. Intent carries an
// optional pre-classified intent tag supplied by the caller; the engine
// does no intent detection of its own.
type Input struct {
	Kind        InputKind
	Text        string
	ButtonValue string
	Intent      string
}

// matchFlow returns the first active flow whose trigger matches the
// input. Declared order is the documented, stable tie-break when several
// flows match.
func (e *Engine) matchFlow(bot *model.Chatbot, conv *model.Conversation, in Input) *model.Flow {
	for i := range bot.Flows {
		fl := &bot.Flows[i]
		if !fl.Active {
			continue
		}
		if e.matchTrigger(fl, conv, in) {
			return fl
		}
	}
	return nil
}

func (e *Engine) matchTrigger(fl *model.Flow, conv *model.Conversation, in Input) bool {
	t := fl.Trigger
	switch t.Type {
	case model.TriggerKeyword:
		if in.Kind != InputMessage {
			return false
		}
		text := strings.ToLower(strings.TrimSpace(in.Text))
		value := strings.ToLower(strings.TrimSpace(t.Value))
		if value == "" {
			return false
		}
		if t.Match == model.MatchExact {
			return text == value
		}
		return strings.Contains(text, value)

	case model.TriggerButton:
		return in.Kind == InputButton && in.ButtonValue == t.Value

	case model.TriggerIntent:
		return in.Intent != "" && strings.EqualFold(in.Intent, t.Value)

	case model.TriggerCondition:
		if len(t.Conditions) == 0 {
			return false
		}
		for _, cond := range t.Conditions {
			if !e.evalCondition(cond, e.fieldValue(conv, in, cond.Field)) {
				return false
			}
		}
		return true

	case model.TriggerWebhook:
		// Webhook triggers only fire through the API, never on message input.
		return false
	}
	return false
}

// fieldValue resolves a condition field against the input and the
// conversation's lead/session state.
func (e *Engine) fieldValue(conv *model.Conversation, in Input, field string) string {
	switch field {
	case "message", "input":
		return in.Text
	case "intent":
		return in.Intent
	case "status":
		return string(conv.Status)
	}
	return conv.Lead.Field(field)
}

// evalCondition applies a single comparison operator. An invalid regex is
// malformed configuration; it evaluates false and is logged rather than
// faulting the whole pass.
func (e *Engine) evalCondition(cond model.Condition, value string) bool {
	switch cond.Operator {
	case model.OpEquals:
		return value == cond.Value
	case model.OpContains:
		return strings.Contains(value, cond.Value)
	case model.OpStartsWith:
		return strings.HasPrefix(value, cond.Value)
	case model.OpEndsWith:
		return strings.HasSuffix(value, cond.Value)
	case model.OpRegex:
		re, err := regexp.Compile(cond.Value)
		if err != nil {
			e.logger.Warn("invalid condition regex",
				zap.String("pattern", cond.Value),
				zap.Error(err),
			)
			return false
		}
		return re.MatchString(value)
	}
	e.logger.Warn("unknown condition operator", zap.String("operator", string(cond.Operator)))
	return false
}
