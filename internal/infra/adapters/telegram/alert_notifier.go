package telegram

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"payman-billing/internal/config"
	"payman-billing/internal/domain/model"
	"payman-billing/internal/domain/ports/adapter"
)

var (
	_ adapter.AlertNotifier = (*AlertNotifier)(nil)
	_ adapter.AlertNotifier = (*NoopNotifier)(nil)
)

// Sender is the part of *tgbotapi.BotAPI used for alerts.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// AlertNotifier posts critical billing events to the admin chats.
type AlertNotifier struct {
	bot     Sender
	chatIDs []int64
	log     *zerolog.Logger
}

// NewAlertNotifier connects to the Bot API with the configured token.
func NewAlertNotifier(cfg config.AlertConfig, logger *zerolog.Logger) (*AlertNotifier, error) {
	if cfg.TelegramToken == "" {
		return nil, errors.New("telegram token is empty")
	}
	if len(cfg.AdminChatIDs) == 0 {
		return nil, errors.New("no admin chat ids configured")
	}
	bot, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return NewAlertNotifierWithSender(bot, cfg.AdminChatIDs, logger), nil
}

func NewAlertNotifierWithSender(bot Sender, chatIDs []int64, logger *zerolog.Logger) *AlertNotifier {
	l := logger.With().Str("component", "TelegramAlerts").Logger()
	return &AlertNotifier{bot: bot, chatIDs: chatIDs, log: &l}
}

// NotifyBillingEvent sends ev to every admin chat. It keeps going when one
// chat fails and returns the joined errors.
func (n *AlertNotifier) NotifyBillingEvent(ctx context.Context, ev *model.BillingEvent) error {
	text := FormatAlert(ev)
	var errs []error
	for _, id := range n.chatIDs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		msg := tgbotapi.NewMessage(id, text)
		msg.ParseMode = tgbotapi.ModeHTML
		msg.DisableWebPagePreview = true
		if _, err := n.bot.Send(msg); err != nil {
			n.log.Warn().Err(err).Int64("chat_id", id).Str("event_id", ev.ID).Msg("alert not delivered")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FormatAlert renders ev as a Telegram HTML message.
func FormatAlert(ev *model.BillingEvent) string {
	esc := func(s string) string { return tgbotapi.EscapeText(tgbotapi.ModeHTML, s) }

	var b strings.Builder
	fmt.Fprintf(&b, "<b>[%s] %s</b>\n", strings.ToUpper(esc(string(ev.Severity))), esc(string(ev.Type)))
	b.WriteString(esc(ev.Message))
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "user: <code>%s</code>\n", esc(ev.UserID))
	if ev.SubscriptionID != nil {
		fmt.Fprintf(&b, "subscription: <code>%s</code>\n", esc(*ev.SubscriptionID))
	}
	if ev.PaymentID != nil {
		fmt.Fprintf(&b, "payment: <code>%s</code>\n", esc(*ev.PaymentID))
	}
	if ev.PaymentMethodID != nil {
		fmt.Fprintf(&b, "payment method: <code>%s</code>\n", esc(*ev.PaymentMethodID))
	}
	keys := make([]string, 0, len(ev.Metadata))
	for k := range ev.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", esc(k), esc(fmt.Sprint(ev.Metadata[k])))
	}
	fmt.Fprintf(&b, "at: %s", ev.CreatedAt.UTC().Format("2006-01-02 15:04:05Z"))
	return b.String()
}

// NoopNotifier logs alerts instead of sending them (dev mode, no token).
type NoopNotifier struct {
	log *zerolog.Logger
}

func NewNoopNotifier(logger *zerolog.Logger) *NoopNotifier {
	l := logger.With().Str("component", "NoopAlerts").Logger()
	return &NoopNotifier{log: &l}
}

func (n *NoopNotifier) NotifyBillingEvent(_ context.Context, ev *model.BillingEvent) error {
	n.log.Info().Str("event_id", ev.ID).Str("event_type", string(ev.Type)).Msg(ev.Message)
	return nil
}
