// Package email implements the e-mail thread agent — IMAP polling,
// thread reconstruction, attachment analysis, action-synchronous extraction,
// and SMTP reply assembly.
package email

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chartmann1590/mumble-ai-assistant/internal/config"
	appcontext "github.com/chartmann1590/mumble-ai-assistant/internal/context"
	"github.com/chartmann1590/mumble-ai-assistant/internal/dialog"
	"github.com/chartmann1590/mumble-ai-assistant/internal/memory"
)

// replyWordLimit is the brevity ceiling enforced on every outbound reply.
const replyWordLimit = 100

// Channel wires the IMAP poller, attachment analysis, action-synchronous
// extraction, context building, LLM generation, and the SMTP reply path
// into a single per-message flow.
type Channel struct {
	cfg     config.EmailConfig
	store   memory.Store
	persona *config.Store
	ctxb    *appcontext.Builder
	orch    *dialog.Orchestrator
	actions *ActionRunner
	vision  VisionGenerator
	poller  *Poller
	mailer  *Mailer
}

// NewChannel creates the e-mail channel.
func NewChannel(cfg config.EmailConfig, store memory.Store, persona *config.Store, ctxb *appcontext.Builder, orch *dialog.Orchestrator, actionGen Generator, vision VisionGenerator) *Channel {
	return &Channel{
		cfg:     cfg,
		store:   store,
		persona: persona,
		ctxb:    ctxb,
		orch:    orch,
		actions: NewActionRunner(store, actionGen),
		vision:  vision,
		poller:  NewPoller(cfg),
		mailer:  NewMailer(cfg),
	}
}

// Run polls forever until ctx is canceled, handling each inbound message in
// turn. Messages are processed sequentially; this is a single polling loop,
// not a fan-out worker pool.
func (c *Channel) Run(ctx context.Context) {
	c.poller.Run(ctx, func(ctx context.Context, msg InboundMessage) {
		if err := c.handle(ctx, msg); err != nil {
			slog.Error("email: handle message failed", "from", msg.From, "subject", msg.Subject, "err", err)
		}
	})
}

// handle runs the inbound pipeline (identity, attachments, thread, logging,
// turn persistence) plus action-synchronous extraction and
// reply composition/send.
func (c *Channel) handle(ctx context.Context, msg InboundMessage) error {
	mappedUser, found, err := c.store.ResolveMappedUser(ctx, msg.From)
	if err != nil {
		return fmt.Errorf("resolve mapped user: %w", err)
	}
	user := mappedUser
	if !found {
		// Unmapped sender: continue with the raw address as identity.
		user = msg.From
		slog.Warn("email: unmapped sender, using raw address as identity", "from", msg.From)
	}

	visionModel, err := c.persona.OllamaVisionModel(ctx)
	if err != nil {
		return fmt.Errorf("load vision model config: %w", err)
	}

	var analyses []AnalyzedAttachment
	var analysisLines []string
	for _, raw := range msg.Attachments {
		a := AnalyzeAttachment(ctx, c.vision, visionModel, raw)
		analyses = append(analyses, a)
		analysisLines = append(analysisLines, a.Description)
	}

	thread, err := c.store.GetOrCreateThread(ctx, msg.Subject, msg.From, msg.MessageID)
	if err != nil {
		return fmt.Errorf("resolve thread: %w", err)
	}

	metas := make([]memory.AttachmentMeta, len(analyses))
	for i, a := range analyses {
		metas[i] = a.Meta
	}

	logID, err := c.store.LogEmail(ctx, memory.EmailLog{
		Direction:           memory.DirectionReceived,
		EmailType:           memory.EmailTypeOther,
		From:                msg.From,
		To:                  c.cfg.SMTPUser,
		Subject:             msg.Subject,
		BodyPreview:         truncate(msg.PlainBody, 200),
		FullBody:            msg.PlainBody,
		Status:              memory.EmailStatusSuccess,
		MappedUser:          user,
		ThreadID:            thread.ID,
		AttachmentsCount:    len(msg.Attachments),
		AttachmentsMetadata: metas,
	})
	if err != nil {
		return fmt.Errorf("log inbound email: %w", err)
	}

	if _, err := c.store.SaveThreadMessage(ctx, memory.ThreadMessage{
		ThreadID:       thread.ID,
		EmailLogID:     logID,
		Role:           memory.RoleUser,
		MessageContent: msg.PlainBody,
	}); err != nil {
		return fmt.Errorf("save user thread message: %w", err)
	}

	// The message is also a conversation turn, so the daily digest and
	// cross-channel semantic recall can see it.
	sessionID, err := c.orch.ResolveSession(ctx, user)
	if err != nil {
		return err
	}
	if _, err := c.orch.SaveUserTurn(ctx, user, msg.From, sessionID, memory.ModalityEmail, msg.PlainBody); err != nil {
		return err
	}

	model, err := c.persona.OllamaModel(ctx)
	if err != nil {
		return fmt.Errorf("load model config: %w", err)
	}
	actionSummary := c.actions.Run(ctx, thread.ID, logID, user, msg.PlainBody, model, time.Now())

	history, err := c.store.ThreadHistory(ctx, thread.ID, 50)
	if err != nil {
		return fmt.Errorf("load thread history: %w", err)
	}

	prompt, err := c.buildReplyPrompt(ctx, user, sessionID, msg.PlainBody, actionSummary, analysisLines, history)
	if err != nil {
		return fmt.Errorf("build reply prompt: %w", err)
	}

	reply, err := c.generateReply(ctx, prompt, model)
	if err != nil {
		c.logOutboundFailure(ctx, msg, thread.ID, user, err)
		return fmt.Errorf("generate reply: %w", err)
	}

	if _, err := c.store.SaveThreadMessage(ctx, memory.ThreadMessage{
		ThreadID:       thread.ID,
		EmailLogID:     logID,
		Role:           memory.RoleAssistant,
		MessageContent: reply,
	}); err != nil {
		slog.Warn("email: save assistant thread message failed", "err", err)
	}
	if _, err := c.orch.SaveAssistantTurnSync(ctx, user, msg.From, sessionID, memory.ModalityEmail, reply); err != nil {
		slog.Warn("email: save assistant turn failed", "err", err)
	}

	return c.sendReply(ctx, msg, thread.ID, user, reply)
}

// buildReplyPrompt assembles the e-mail profile prompt:
// actions context, attachments analysis, conditional
// schedule block, persona, and role-labeled thread history, via the context builder.
func (c *Channel) buildReplyPrompt(ctx context.Context, user, sessionID, currentText string, actionSummary *appcontext.EmailActionSummary, analysisLines []string, history []memory.ThreadMessage) (string, error) {
	historyLines := make([]string, 0, len(history))
	for _, h := range history {
		historyLines = append(historyLines, fmt.Sprintf("%s: %s", h.Role, h.MessageContent))
	}
	return c.ctxb.Build(ctx, appcontext.Input{
		User:            user,
		SessionID:       sessionID,
		CurrentTurnText: currentText,
		Channel:         appcontext.ChannelEmail,
		Now:             time.Now(),
		Email: &appcontext.EmailExtra{
			ActionSummary:       actionSummary,
			AttachmentsAnalysis: analysisLines,
			ThreadHistory:       historyLines,
		},
	})
}

func (c *Channel) generateReply(ctx context.Context, prompt, model string) (string, error) {
	reply, err := c.orch.GenerateFromPrompt(ctx, prompt, model)
	if err != nil {
		return "", err
	}
	return enforceWordLimit(reply, replyWordLimit), nil
}

func enforceWordLimit(text string, limit int) string {
	words := strings.Fields(text)
	if len(words) <= limit {
		return text
	}
	return strings.Join(words[:limit], " ") + "..."
}

func (c *Channel) sendReply(ctx context.Context, msg InboundMessage, threadID int64, user, reply string) error {
	subject := ReplySubject(msg.Subject)
	refs := append(append([]string{}, msg.References...), msg.MessageID)

	err := c.mailer.SendReply(ctx, ReplyParams{
		To:         msg.From,
		Subject:    subject,
		PlainBody:  reply,
		InReplyTo:  msg.MessageID,
		References: refs,
	})

	status := memory.EmailStatusSuccess
	errMsg := ""
	if err != nil {
		status = memory.EmailStatusError
		errMsg = err.Error()
	}

	if _, logErr := c.store.LogEmail(ctx, memory.EmailLog{
		Direction:   memory.DirectionSent,
		EmailType:   memory.EmailTypeReply,
		From:        c.cfg.SMTPUser,
		To:          msg.From,
		Subject:     subject,
		BodyPreview: truncate(reply, 200),
		FullBody:    reply,
		Status:      status,
		ErrorMessage: errMsg,
		MappedUser:  user,
		ThreadID:    threadID,
	}); logErr != nil {
		slog.Warn("email: log outbound reply failed", "err", logErr)
	}

	if err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	return nil
}

// RetryOutbound re-attempts a failed outbound send using the stored body,
// flipping the existing log row to success if the resend goes through.
// Exposed for the admin-initiated retry path.
func (c *Channel) RetryOutbound(ctx context.Context, logID int64) error {
	l, found, err := c.store.GetEmailLog(ctx, logID)
	if err != nil {
		return fmt.Errorf("load email log %d: %w", logID, err)
	}
	if !found {
		return fmt.Errorf("email log %d not found", logID)
	}
	if l.Direction != memory.DirectionSent || l.Status != memory.EmailStatusError {
		return fmt.Errorf("email log %d is not a failed outbound send", logID)
	}

	if err := c.mailer.SendReply(ctx, ReplyParams{
		To:        l.To,
		Subject:   l.Subject,
		PlainBody: l.FullBody,
	}); err != nil {
		return fmt.Errorf("resend: %w", err)
	}

	if err := c.store.UpdateEmailLogStatus(ctx, logID, memory.EmailStatusSuccess, ""); err != nil {
		return fmt.Errorf("flip log %d to success: %w", logID, err)
	}
	return nil
}

func (c *Channel) logOutboundFailure(ctx context.Context, msg InboundMessage, threadID int64, user string, cause error) {
	if _, err := c.store.LogEmail(ctx, memory.EmailLog{
		Direction:    memory.DirectionSent,
		EmailType:    memory.EmailTypeReply,
		From:         c.cfg.SMTPUser,
		To:           msg.From,
		Subject:      ReplySubject(msg.Subject),
		Status:       memory.EmailStatusError,
		ErrorMessage: "will be retried: " + cause.Error(),
		MappedUser:   user,
		ThreadID:     threadID,
	}); err != nil {
		slog.Warn("email: log outbound failure failed", "err", err)
	}
}
