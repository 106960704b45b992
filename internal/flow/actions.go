package flow

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/replyforge/chatbot-platform/internal/llm"
	"github.com/replyforge/chatbot-platform/internal/model"
	"github.com/replyforge/chatbot-platform/pkg/logger"
)

// Action names accepted by action nodes.
const (
	ActionAIReply  = "ai_reply"
	ActionTransfer = "transfer"
	ActionEnd      = "end"
)

const aiReplySystemPrompt = `You are a customer support assistant for %s.
Answer the visitor's question using only the knowledge base articles below.
If the articles do not cover the question, say so briefly and suggest
leaving contact details. Keep answers short and conversational.

Knowledge base:
%s`

// Actions runs action-node side effects. The LLM client may be nil, in
// which case ai_reply nodes fail like any other upstream outage.
type Actions struct {
	llm    llm.Client
	logger *logger.Logger
}

// NewActions creates the default action runner.
func NewActions(client llm.Client, log *logger.Logger) *Actions {
	return &Actions{llm: client, logger: log}
}

// Run executes one action node. transfer and end move the conversation to
// a terminal status; ai_reply produces a knowledge-base grounded answer to
// the visitor's last message.
func (a *Actions) Run(ctx context.Context, bot *model.Chatbot, conv *model.Conversation, action *model.ActionContent) (string, error) {
	switch action.Action {
	case ActionTransfer:
		conv.Status = model.StatusTransferred
		return action.Params["message"], nil

	case ActionEnd:
		conv.Status = model.StatusEnded
		return action.Params["message"], nil

	case ActionAIReply:
		return a.aiReply(ctx, bot, conv)
	}
	return "", fmt.Errorf("%w: unknown action %q", model.ErrEngineFault, action.Action)
}

func (a *Actions) aiReply(ctx context.Context, bot *model.Chatbot, conv *model.Conversation) (string, error) {
	if a.llm == nil {
		return "", fmt.Errorf("%w: no LLM provider configured", model.ErrUpstream)
	}

	question := lastUserMessage(conv)
	if question == "" {
		return "", fmt.Errorf("%w: ai_reply with no visitor message", model.ErrEngineFault)
	}

	prompt := fmt.Sprintf(aiReplySystemPrompt, bot.Name, renderArticles(bot.KnowledgeBase))
	resp, err := a.llm.Complete(ctx, &llm.CompletionRequest{
		Messages: []llm.ChatMessage{
			{Role: "user", Content: prompt + "\nVisitor question: " + question},
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: %s completion: %v", model.ErrUpstream, a.llm.Name(), err)
	}

	a.logger.Debug("ai_reply completion",
		zap.String("chatbot_id", bot.ID),
		zap.String("provider", a.llm.Name()),
		zap.String("model", resp.Model),
		zap.Int("tokens_in", resp.TokensIn),
		zap.Int("tokens_out", resp.TokensOut),
		zap.Int64("latency_ms", resp.LatencyMs),
	)
	return strings.TrimSpace(resp.Content), nil
}

func lastUserMessage(conv *model.Conversation) string {
	for i := len(conv.Messages) - 1; i >= 0; i-- {
		if conv.Messages[i].Sender == model.SenderUser {
			return conv.Messages[i].Content
		}
	}
	return ""
}

// renderArticles flattens the knowledge base into prompt context. Bots
// carry at most a handful of articles, so no retrieval step is needed.
func renderArticles(articles []model.Article) string {
	if len(articles) == 0 {
		return "(empty)"
	}
	var b strings.Builder
	for _, art := range articles {
		b.WriteString("## ")
		b.WriteString(art.Title)
		b.WriteString("\n")
		b.WriteString(art.Body)
		b.WriteString("\n\n")
	}
	return b.String()
}
