// ABOUTME: Telegram bridge: routes chat messages and commands into the orchestration core.
// ABOUTME: Also delivers background job outcomes back to the user as messages or documents.

package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/sebakc/telegram-mcp-client/internal/config"
	"github.com/sebakc/telegram-mcp-client/internal/provider"
	"github.com/sebakc/telegram-mcp-client/internal/registry"
	"github.com/sebakc/telegram-mcp-client/internal/session"
)

// genericFailureReply hides backend failures behind an apology; details go
// to the log, not the chat.
const genericFailureReply = "Sorry, something went wrong while answering that. Please try again."

// Orchestrator is the slice of the tool-call loop the bridge needs.
type Orchestrator interface {
	Run(ctx context.Context, userID int64, query string) (string, error)
}

// sender is the slice of the Telegram bot API the bridge uses for output.
// tgbotapi.BotAPI satisfies it; tests inject fakes.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Bridge connects Telegram to the orchestration core.
type Bridge struct {
	bot       *tgbotapi.BotAPI
	out       sender
	orch      Orchestrator
	providers *provider.Manager
	registry  *registry.Registry
	sessions  *session.Store
	cfg       *config.Config
	logger    *slog.Logger

	allowed map[int64]bool

	// one chat turn per user at a time
	mu     sync.Mutex
	inTurn map[int64]bool
}

// NewBridge creates a Telegram bridge over a live bot connection.
func NewBridge(cfg *config.Config, orch Orchestrator, providers *provider.Manager, reg *registry.Registry, sessions *session.Store, logger *slog.Logger) (*Bridge, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		return nil, fmt.Errorf("creating telegram bot: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	allowed := make(map[int64]bool, len(cfg.Telegram.AllowedUsers))
	for _, id := range cfg.Telegram.AllowedUsers {
		allowed[id] = true
	}

	return &Bridge{
		bot:       bot,
		out:       bot,
		orch:      orch,
		providers: providers,
		registry:  reg,
		sessions:  sessions,
		cfg:       cfg,
		logger:    logger.With("component", "telegram"),
		allowed:   allowed,
		inTurn:    make(map[int64]bool),
	}, nil
}

// Run starts long polling and blocks until the context is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	b.logger.Info("telegram bridge running", "bot", b.bot.Self.UserName)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("shutting down telegram bridge")
			b.bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			go b.handleMessage(ctx, update.Message)
		}
	}
}

func (b *Bridge) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	if len(b.allowed) > 0 && !b.allowed[chatID] {
		b.logger.Warn("message from unlisted chat dropped", "chat_id", chatID)
		return
	}

	if msg.IsCommand() {
		b.reply(chatID, b.handleCommand(ctx, chatID, msg.Command(), msg.CommandArguments()))
		return
	}

	if !b.beginTurn(chatID) {
		b.reply(chatID, "Still working on your previous message, one moment.")
		return
	}
	defer b.endTurn(chatID)

	// Show activity while the model loop runs
	_, _ = b.out.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))

	answer, err := b.orch.Run(ctx, chatID, msg.Text)
	if err != nil {
		b.logger.Error("chat turn failed", "chat_id", chatID, "error", err)
		b.reply(chatID, genericFailureReply)
		return
	}
	b.reply(chatID, answer)
}

// handleCommand executes a slash command and returns the reply text.
func (b *Bridge) handleCommand(ctx context.Context, chatID int64, command, args string) string {
	switch command {
	case "start", "help":
		return helpText

	case "connect":
		id := strings.TrimSpace(args)
		if id == "" {
			return "Usage: /connect <provider-id>"
		}
		spec, ok := b.cfg.FindProvider(id)
		if !ok {
			return fmt.Sprintf("Unknown provider %q. Configured providers: %s", id, b.configuredProviders())
		}
		if err := b.providers.Connect(ctx, spec); err != nil {
			b.logger.Error("connect failed", "provider_id", id, "error", err)
			return fmt.Sprintf("Could not connect %q: %v", id, err)
		}
		b.sessions.ActivateProvider(chatID, id)
		return fmt.Sprintf("Connected %q.", id)

	case "disconnect":
		id := strings.TrimSpace(args)
		if id == "" {
			return "Usage: /disconnect <provider-id>"
		}
		if err := b.providers.Disconnect(ctx, id); err != nil {
			return fmt.Sprintf("Could not disconnect %q: %v", id, err)
		}
		b.sessions.DeactivateProvider(chatID, id)
		return fmt.Sprintf("Disconnected %q.", id)

	case "tools":
		caps := b.registry.All()
		if len(caps) == 0 {
			return "No tools available. Connect a provider with /connect first."
		}
		var sb strings.Builder
		sb.WriteString("Available tools:\n")
		for _, cap := range caps {
			fmt.Fprintf(&sb, "• %s — %s\n", cap.Name, cap.Description)
		}
		return sb.String()

	case "providers":
		connected := b.providers.Connected()
		return fmt.Sprintf("Configured: %s\nConnected: %s",
			b.configuredProviders(), joinOrNone(connected))

	case "reset":
		b.sessions.ClearHistory(chatID)
		return "Conversation history cleared."

	default:
		return "Unknown command. Try /help."
	}
}

const helpText = `I route your requests to connected tool providers.

/connect <id> — connect a configured provider
/disconnect <id> — disconnect a provider
/providers — list configured and connected providers
/tools — list available tools
/reset — clear conversation history`

// Delivered implements background.Delivery: the outcome of a long-running
// job lands here instead of a return value.
func (b *Bridge) Delivered(userID int64, message, artifactPath string) {
	if artifactPath != "" {
		doc := tgbotapi.NewDocument(userID, tgbotapi.FilePath(artifactPath))
		doc.Caption = message
		if _, err := b.out.Send(doc); err != nil {
			b.logger.Error("artifact delivery failed",
				"chat_id", userID,
				"artifact", artifactPath,
				"error", err,
			)
			b.reply(userID, message+" (but sending the file failed)")
		}
		return
	}
	b.reply(userID, message)
}

// Failed implements background.Delivery for terminal failures.
func (b *Bridge) Failed(userID int64, message string) {
	b.reply(userID, "Background task failed: "+message)
}

func (b *Bridge) reply(chatID int64, text string) {
	if text == "" {
		return
	}
	if _, err := b.out.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		b.logger.Error("send failed", "chat_id", chatID, "error", err)
	}
}

func (b *Bridge) beginTurn(chatID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inTurn[chatID] {
		return false
	}
	b.inTurn[chatID] = true
	return true
}

func (b *Bridge) endTurn(chatID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inTurn, chatID)
}

func (b *Bridge) configuredProviders() string {
	ids := make([]string, len(b.cfg.Providers))
	for i, spec := range b.cfg.Providers {
		ids[i] = spec.ID
	}
	return joinOrNone(ids)
}

func joinOrNone(ids []string) string {
	if len(ids) == 0 {
		return "(none)"
	}
	return strings.Join(ids, ", ")
}
