package bot

import (
	"context"
	"fmt"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"

	"awg-admin/internal/pincode"
	"awg-admin/internal/provision"
)

const pollTimeoutSeconds = 30

// Bot long-polls Telegram and feeds messages to a Handler.
type Bot struct {
	api     *tgbotapi.BotAPI
	handler *Handler
	log     logrus.FieldLogger
}

// NewBot authenticates with token and prepares the handler.
func NewBot(token string, service *provision.Service, deriver *pincode.Deriver, revealHint bool, logger logrus.FieldLogger) (*Bot, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	botAPI, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Telegram: %w", err)
	}
	logger.WithField("bot", botAPI.Self.UserName).Info("Authorized on Telegram")

	return &Bot{
		api:     botAPI,
		handler: NewHandler(service, deriver, &telegramSender{api: botAPI}, revealHint, logger),
		log:     logger,
	}, nil
}

// Run processes updates until ctx is cancelled. Each message is handled
// in its own goroutine; Run waits for them before returning.
func (b *Bot) Run(ctx context.Context) error {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = pollTimeoutSeconds
	updates := b.api.GetUpdatesChan(cfg)

	// In-flight conversations run to completion after shutdown begins.
	handleCtx := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()

	b.log.Info("Bot started and listening")
	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			msg := update.Message
			if msg == nil || msg.Chat == nil {
				continue
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := b.dispatch(handleCtx, msg); err != nil {
					b.log.WithError(err).WithField("chat_id", msg.Chat.ID).Error("Failed to answer message")
				}
			}()
		}
	}
}

func (b *Bot) dispatch(ctx context.Context, msg *tgbotapi.Message) error {
	if msg.IsCommand() {
		if msg.Command() == "start" {
			return b.handler.HandleStart(ctx, msg.Chat.ID)
		}
		return nil
	}
	if msg.Text == "" {
		return nil
	}

	firstName := ""
	if msg.From != nil {
		firstName = msg.From.FirstName
	}
	return b.handler.HandleText(ctx, msg.Chat.ID, firstName, msg.Text)
}

// telegramSender implements Sender with the Bot API.
type telegramSender struct {
	api *tgbotapi.BotAPI
}

func (s *telegramSender) SendText(ctx context.Context, chatID int64, text string) error {
	_, err := s.api.Send(tgbotapi.NewMessage(chatID, text))
	return err
}

func (s *telegramSender) SendDocument(ctx context.Context, chatID int64, filename string, data []byte, caption string) error {
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: filename, Bytes: data})
	doc.Caption = caption
	_, err := s.api.Send(doc)
	return err
}

func (s *telegramSender) SendPhoto(ctx context.Context, chatID int64, filename string, data []byte, caption string) error {
	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: filename, Bytes: data})
	photo.Caption = caption
	_, err := s.api.Send(photo)
	return err
}
