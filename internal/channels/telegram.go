// Package channels implements the Telegram transport adapter. The transport
// itself (long-poll reconnect, access control, message editing) follows the
// teacher's internal/channels/telegram.go idiom; everything downstream of a
// received update — thread resolution, batching, the turn loop, balance
// charging — is this module's own C1-C10 pipeline, not the teacher's
// task-routing/HITL machinery.
package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/halvorsen/tokenbroker/internal/bus"
	"github.com/halvorsen/tokenbroker/internal/cache"
	"github.com/halvorsen/tokenbroker/internal/concurrency"
	"github.com/halvorsen/tokenbroker/internal/display"
	"github.com/halvorsen/tokenbroker/internal/files"
	"github.com/halvorsen/tokenbroker/internal/llmcontext"
	"github.com/halvorsen/tokenbroker/internal/model"
	"github.com/halvorsen/tokenbroker/internal/msgqueue"
	"github.com/halvorsen/tokenbroker/internal/persistence"
	"github.com/halvorsen/tokenbroker/internal/queue"
	"github.com/halvorsen/tokenbroker/internal/shared"
	"github.com/halvorsen/tokenbroker/internal/topicnaming"
	"github.com/halvorsen/tokenbroker/internal/turn"
	"github.com/halvorsen/tokenbroker/internal/uploads"
)

// RecentHistoryLimit bounds how many past messages llmcontext.BuildWindow gets to trim from.
const RecentHistoryLimit = 200

// attachment describes one inbound file still identified by its Telegram
// file_id — not yet downloaded or uploaded to the provider.
type attachment struct {
	fileID   string
	filename string
	mimeType string
}

// inbound is one queued update for a thread, handed through msgqueue.Manager
// as the `any` batching unit.
type inbound struct {
	text        string
	attachments []attachment
}

// TelegramChannel adapts Telegram updates into the conversation pipeline.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI
	httpClient *http.Client

	threads  *persistence.ThreadRepo
	users    *persistence.UserRepo
	messages *persistence.MessageRepo
	writeQ   *queue.Queue
	filePipe *files.Pipeline
	topics   *topicnaming.Service
	bus      *bus.Bus

	uploadTracker *uploads.Tracker
	msgQueue      *msgqueue.Manager
	limiter       *concurrency.Limiter
	generations   *concurrency.GenerationTracker

	turnDeps        turn.Deps
	globalPrompt    string
	defaultModel    string
	maxOutputTokens int64
	thinkingBudget  int64
}

// Config bundles everything NewTelegramChannel needs beyond the token/allowlist.
// Uploader/Cache/FileStore build the files.Pipeline internally — the pipeline
// needs this channel's own file_id→bytes Downloader, which only exists once
// the bot client is constructed, so the channel owns that wiring rather than
// taking a pre-built *files.Pipeline.
type Config struct {
	Threads         *persistence.ThreadRepo
	Users           *persistence.UserRepo
	Messages        *persistence.MessageRepo
	WriteQueue      *queue.Queue
	Uploader        files.Uploader
	Cache           *cache.Client
	FileStore       files.MetadataStore
	TurnDeps        turn.Deps
	GlobalPrompt    string
	DefaultModel    string
	MaxOutputTokens int64
	ThinkingBudget  int64

	// TopicNamingEnabled/TopicNamingModel configure the Service built
	// internally; it reuses TurnDeps.Balance/Charger/Pricing/Provider so
	// the config surface doesn't duplicate those collaborators.
	TopicNamingEnabled bool
	TopicNamingModel   string

	// Bus publishes turn lifecycle events for in-process observers (e.g. an
	// admin dashboard or the data-retention cron); nil disables publishing.
	Bus *bus.Bus
}

// NewTelegramChannel wires a Telegram adapter around the conversation
// pipeline, creating the bot client eagerly so the files.Pipeline's
// Telegram-backed Downloader is ready before Start is called.
func NewTelegramChannel(token string, allowedIDs []int64, cfg Config, logger *slog.Logger) (*TelegramChannel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[int64]struct{}, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}

	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}

	t := &TelegramChannel{
		token:           token,
		allowedIDs:      allowed,
		logger:          logger,
		bot:             bot,
		httpClient:      &http.Client{Timeout: 60 * time.Second},
		threads:         cfg.Threads,
		users:           cfg.Users,
		messages:        cfg.Messages,
		writeQ:          cfg.WriteQueue,
		uploadTracker:   uploads.New(),
		limiter:         concurrency.New(concurrency.DefaultPerUserLimit, concurrency.DefaultWaitTimeout, logger),
		generations:     concurrency.NewGenerationTracker(logger),
		turnDeps:        cfg.TurnDeps,
		globalPrompt:    cfg.GlobalPrompt,
		defaultModel:    cfg.DefaultModel,
		maxOutputTokens: cfg.MaxOutputTokens,
		thinkingBudget:  cfg.ThinkingBudget,
		bus:             cfg.Bus,
	}
	t.filePipe = files.New(t.downloadTelegramFile, cfg.Uploader, cfg.Cache, cfg.FileStore, logger)
	if cfg.TopicNamingEnabled {
		t.topics = topicnaming.New(topicnaming.Config{
			Threads:  cfg.Threads,
			Renamer:  t,
			Balance:  cfg.TurnDeps.Balance,
			Charger:  cfg.TurnDeps.Charger,
			Pricing:  cfg.TurnDeps.Pricing,
			Provider: cfg.TurnDeps.Provider,
			Model:    cfg.TopicNamingModel,
			Logger:   logger,
		})
	}
	t.msgQueue = msgqueue.New(t.processBatch, logger)
	return t, nil
}

// RenameTopic applies a generated title to a Telegram forum topic, the
// topicnaming.Renamer this channel gives topicnaming.Service.
func (t *TelegramChannel) RenameTopic(ctx context.Context, chatID int64, topicID int, title string) error {
	edit := tgbotapi.EditForumTopicConfig{
		ChatID:          chatID,
		MessageThreadID: topicID,
		Name:            title,
	}
	_, err := t.bot.Request(edit)
	return err
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

// Start begins long-polling. Grounded on the teacher's reconnect-with-
// exponential-backoff loop and 150s stall-detection timer.
func (t *TelegramChannel) Start(ctx context.Context) error {
	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		return nil
	}
}

func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message != nil {
				if _, allowed := t.allowedIDs[update.Message.From.ID]; !allowed {
					t.logger.Warn("telegram access denied", "user_id", update.Message.From.ID, "user_name", update.Message.From.UserName)
					continue
				}
				t.handleMessage(ctx, update.Message)
			}

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

// handleMessage resolves the thread, starts background downloads for any
// attachment, and hands the batching unit to msgqueue.Manager once uploads
// for this chat have drained (§C3's "wait for in-flight uploads" rule).
func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if strings.HasPrefix(strings.TrimSpace(msg.Text), "/cancel") {
		t.handleCancel(msg)
		return
	}

	thread, err := t.resolveThread(ctx, msg)
	if err != nil {
		t.logger.Error("telegram: resolve thread failed", "error", err)
		t.reply(msg.Chat.ID, "Something went wrong resolving this conversation.")
		return
	}

	item := inbound{text: strings.TrimSpace(msg.Text)}
	if att, ok := attachmentFromMessage(msg); ok {
		item.attachments = append(item.attachments, att)
	}

	t.uploadTracker.WaitForUploads(ctx, msg.Chat.ID, uploads.DefaultTimeout)
	t.msgQueue.AddMessage(ctx, thread.ID.String(), item)
}

// attachmentFromMessage extracts the single highest-resolution attachment a
// Telegram message can carry (Telegram sends documents/photos/voice as
// distinct message kinds, never combined).
func attachmentFromMessage(msg *tgbotapi.Message) (attachment, bool) {
	switch {
	case msg.Document != nil:
		return attachment{fileID: msg.Document.FileID, filename: msg.Document.FileName, mimeType: msg.Document.MimeType}, true
	case len(msg.Photo) > 0:
		largest := msg.Photo[len(msg.Photo)-1]
		return attachment{fileID: largest.FileID, filename: "photo.jpg", mimeType: "image/jpeg"}, true
	case msg.Voice != nil:
		return attachment{fileID: msg.Voice.FileID, filename: "voice.ogg", mimeType: msg.Voice.MimeType}, true
	case msg.Audio != nil:
		return attachment{fileID: msg.Audio.FileID, filename: msg.Audio.FileName, mimeType: msg.Audio.MimeType}, true
	}
	return attachment{}, false
}

// resolveThread maps a Telegram chat(+forum topic) onto its model.Thread,
// creating both the chat and thread rows the first time they're seen.
func (t *TelegramChannel) resolveThread(ctx context.Context, msg *tgbotapi.Message) (model.Thread, error) {
	isForum := msg.Chat.IsForum
	if err := t.threads.EnsureChat(ctx, msg.Chat.ID, isForum); err != nil {
		return model.Thread{}, err
	}

	topicID := 0
	if msg.MessageThreadID != 0 {
		topicID = msg.MessageThreadID
	}

	if thread, found, err := t.threads.FindThreadByTopic(ctx, msg.Chat.ID, topicID); err != nil {
		return model.Thread{}, err
	} else if found {
		return thread, nil
	}

	if _, err := t.users.EnsureUser(ctx, msg.From.ID, msg.From.UserName); err != nil {
		return model.Thread{}, err
	}

	now := time.Now()
	thread := model.Thread{
		ID:               uuid.New(),
		ChatID:           msg.Chat.ID,
		UserID:           msg.From.ID,
		TelegramTopicID:  topicID,
		NeedsTopicNaming: true,
		Model:            t.defaultModel,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := t.threads.CreateThread(ctx, thread); err != nil {
		return model.Thread{}, err
	}
	return thread, nil
}

// handleCancel signals the generation tracker for every active turn in this
// chat. Scoped to chat rather than (chat,user,thread) since /cancel carries
// no thread-selection argument in the thin adapter.
func (t *TelegramChannel) handleCancel(msg *tgbotapi.Message) {
	cancelled := t.generations.Cancel(msg.Chat.ID, msg.From.ID, fmt.Sprint(msg.MessageThreadID))
	if cancelled {
		t.reply(msg.Chat.ID, "Cancelling...")
	} else {
		t.reply(msg.Chat.ID, "Nothing to cancel.")
	}
}

// processBatch is the msgqueue.ProcessFunc: it downloads/ingests any
// attachments, assembles context, runs the turn loop with a per-chat
// concurrency slot, and streams the response back via progressive edits.
func (t *TelegramChannel) processBatch(ctx context.Context, threadIDStr string, items []any) error {
	threadID, err := uuid.Parse(threadIDStr)
	if err != nil {
		return fmt.Errorf("telegram: invalid thread id %q: %w", threadIDStr, err)
	}
	thread, found, err := t.threads.GetThread(ctx, threadID)
	if err != nil || !found {
		return fmt.Errorf("telegram: thread %s not found: %w", threadIDStr, err)
	}
	user, found, err := t.users.GetUser(ctx, thread.UserID)
	if err != nil || !found {
		return fmt.Errorf("telegram: user %d not found: %w", thread.UserID, err)
	}

	var textParts []string
	var ingested []model.UserFile
	for _, raw := range items {
		in, ok := raw.(inbound)
		if !ok {
			continue
		}
		if in.text != "" {
			textParts = append(textParts, in.text)
		}
		for _, att := range in.attachments {
			t.uploadTracker.StartUpload(thread.ChatID)
			f, err := t.filePipe.Ingest(ctx, thread.ID, att.fileID, att.filename, att.mimeType, 0)
			t.uploadTracker.FinishUpload(thread.ChatID)
			if err != nil {
				t.logger.Error("telegram: file ingest failed", "error", err, "file_id", att.fileID)
				continue
			}
			ingested = append(ingested, f)
		}
	}
	userText := strings.Join(textParts, "\n")
	if userText == "" && len(ingested) == 0 {
		return nil
	}

	release, err := t.limiter.Acquire(ctx, thread.UserID)
	if err != nil {
		if t.bus != nil {
			t.bus.Publish(bus.TopicConcurrencyRejected, bus.ConcurrencyRejected{UserID: thread.UserID})
		}
		t.reply(thread.ChatID, "You already have a request in progress — try again shortly, or /cancel it.")
		return nil
	}
	defer release()

	if t.turnDeps.Balance != nil {
		check, err := t.turnDeps.Balance.CanMakeRequest(ctx, thread.UserID, true)
		if err != nil {
			t.logger.Warn("telegram: balance check failed, failing open", "error", err, "user_id", thread.UserID)
		} else if !check.Allowed {
			botErr := shared.NewInsufficientBalanceError(check.Balance, 0)
			t.reply(thread.ChatID, botErr.UserMessage())
			return nil
		}
	}

	cancel := t.generations.Start(thread.ChatID, thread.UserID, fmt.Sprint(thread.TelegramTopicID))
	defer t.generations.Cleanup(thread.ChatID, thread.UserID, fmt.Sprint(thread.TelegramTopicID))

	if t.bus != nil {
		t.bus.Publish(bus.TopicTurnStarted, bus.TurnStartedEvent{ThreadID: thread.ID.String(), UserID: thread.UserID, ChatID: thread.ChatID})
	}

	history, err := t.loadHistory(ctx, thread)
	if err != nil {
		var botErr shared.BotError
		if errors.As(err, &botErr) {
			t.reply(thread.ChatID, botErr.UserMessage())
			return nil
		}
		return fmt.Errorf("telegram: load history: %w", err)
	}

	if userText != "" {
		msgRow := model.Message{ID: uuid.New(), ThreadID: thread.ID, Role: model.RoleUser, Content: userText, CreatedAt: time.Now()}
		if err := t.writeQ.Enqueue(ctx, persistence.KindMessage, msgRow); err != nil {
			t.logger.Warn("telegram: enqueue user message failed", "error", err)
		}
	}

	placeholder := t.send(thread.ChatID, "...")
	throttler := display.NewThrottler(func(ctx context.Context, text string) error {
		if placeholder == 0 {
			return nil
		}
		return t.editMessageText(thread.ChatID, placeholder, text)
	})

	result, err := turn.Run(ctx, t.turnDeps, turn.Request{
		User:            user,
		Thread:          thread,
		GlobalPrompt:    t.globalPrompt,
		Files:           ingested,
		History:         history,
		MaxOutputTokens: t.maxOutputTokens,
		ThinkingBudget:  t.thinkingBudget,
		HasSession:      true,
		Cancel:          cancel,
		OnUpdate: func(m *display.Manager) {
			_, _ = throttler.Maybe(ctx, display.FormatFinalText(m, display.DefaultParseMode))
		},
	})
	if err != nil {
		t.logger.Error("telegram: turn failed", "error", err, "thread_id", thread.ID)
		if t.bus != nil {
			t.bus.Publish(bus.TopicTurnFailed, bus.TurnStartedEvent{ThreadID: thread.ID.String(), UserID: thread.UserID, ChatID: thread.ChatID})
		}
		msg := "Something went wrong processing that."
		var botErr shared.BotError
		if errors.As(err, &botErr) {
			msg = botErr.UserMessage()
		}
		t.editOrSend(thread.ChatID, placeholder, msg)
		return nil
	}

	finalText := result.FinalText
	if result.Cancelled {
		finalText += "\n\n_Cancelled._"
	}
	_ = throttler.Flush(ctx, finalText)

	if t.bus != nil {
		topic := bus.TopicTurnCompleted
		if result.Cancelled {
			topic = bus.TopicTurnCancelled
		}
		t.bus.Publish(topic, bus.TurnCompletedEvent{
			ThreadID:         thread.ID.String(),
			InputTokens:      result.TokenSummary.InputTokens,
			OutputTokens:     result.TokenSummary.OutputTokens,
			CacheReadTokens:  result.TokenSummary.CacheReadTokens,
			CacheWriteTokens: result.TokenSummary.CacheWriteTokens,
			Iterations:       result.Iterations,
		})
	}

	if t.topics != nil && userText != "" {
		t.topics.MaybeNameTopic(ctx, thread, userText, finalText)
	}

	for _, entry := range result.AssistantRaw {
		if entry.Role != "assistant" && entry.Role != "user" {
			continue
		}
		rawBlocks, err := json.Marshal(entry)
		if err != nil {
			t.logger.Warn("telegram: marshal raw blocks failed", "error", err)
		}
		row := model.Message{ID: uuid.New(), ThreadID: thread.ID, Role: model.Role(entry.Role), Content: entry.Text, RawBlocks: rawBlocks, CreatedAt: time.Now()}
		if err := t.writeQ.Enqueue(ctx, persistence.KindMessage, row); err != nil {
			t.logger.Warn("telegram: enqueue assistant message failed", "error", err)
		}
	}

	for _, tc := range result.ToolCalls {
		if err := t.writeQ.Enqueue(ctx, persistence.KindToolCall, tc); err != nil {
			t.logger.Warn("telegram: enqueue tool call failed", "error", err)
		}
	}

	return nil
}

// loadHistory reads recent messages for the thread and fits them to the
// model's context window.
func (t *TelegramChannel) loadHistory(ctx context.Context, thread model.Thread) ([]llmcontext.WindowMessage, error) {
	recent, err := t.messages.RecentMessages(ctx, thread.ID, RecentHistoryLimit)
	if err != nil {
		return nil, err
	}
	// RecentMessages returns newest-first; BuildWindow wants that order too.
	windowInput := make([]llmcontext.WindowMessage, len(recent))
	for i, m := range recent {
		windowInput[len(recent)-1-i] = llmcontext.WindowMessage{Role: m.Role, Content: m.Content, Tokens: m.Tokens}
	}
	limit := llmcontext.ContextLimitForModel(thread.Model)
	result, err := llmcontext.BuildWindow(windowInput, limit, 0, int(t.maxOutputTokens), 0)
	if err != nil {
		return nil, err
	}
	return result.Messages, nil
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("telegram: send failed", "error", err)
	}
}

// send sends text and returns the new message's ID, or 0 on failure.
func (t *TelegramChannel) send(chatID int64, text string) int {
	msg := tgbotapi.NewMessage(chatID, text)
	sent, err := t.bot.Send(msg)
	if err != nil {
		t.logger.Error("telegram: send failed", "error", err)
		return 0
	}
	return sent.MessageID
}

func (t *TelegramChannel) editMessageText(chatID int64, messageID int, text string) error {
	if text == "" {
		return nil
	}
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	edit.ParseMode = string(display.DefaultParseMode)
	_, err := t.bot.Send(edit)
	return err
}

func (t *TelegramChannel) editOrSend(chatID int64, messageID int, text string) {
	if messageID == 0 {
		t.reply(chatID, text)
		return
	}
	if err := t.editMessageText(chatID, messageID, text); err != nil {
		t.logger.Warn("telegram: final edit failed", "error", err)
	}
}

// downloadTelegramFile resolves a file_id to its direct URL and fetches the
// bytes — the files.Downloader this channel gives internal/files.Pipeline.
func (t *TelegramChannel) downloadTelegramFile(ctx context.Context, fileID string) ([]byte, error) {
	url, err := t.bot.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("telegram: resolve file url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("telegram: download file: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
