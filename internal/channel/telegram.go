package channel

import (
	"context"
	"fmt"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram sends messages through a bot token. To is the chat ID as a
// decimal string.
type Telegram struct {
	bot *tgbotapi.BotAPI
}

// NewTelegram authenticates a bot with token.
func NewTelegram(token string) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: new bot: %w", err)
	}
	return &Telegram{bot: bot}, nil
}

func (t *Telegram) Send(ctx context.Context, msg Message) (DeliveryResult, error) {
	chatID, err := strconv.ParseInt(msg.To, 10, 64)
	if err != nil {
		return DeliveryResult{}, fmt.Errorf("telegram: invalid chat id %q: %w", msg.To, err)
	}

	sent, err := t.bot.Send(tgbotapi.NewMessage(chatID, msg.Text))
	if err != nil {
		return DeliveryResult{}, Temporary(fmt.Errorf("telegram: send: %w", err))
	}

	return DeliveryResult{
		ProviderMsgID: strconv.Itoa(sent.MessageID),
		DeliveredAt:   time.Now().UTC(),
	}, nil
}

func (t *Telegram) Logout(ctx context.Context) error {
	_, err := t.bot.Request(tgbotapi.LogoutConfig{})
	return err
}
