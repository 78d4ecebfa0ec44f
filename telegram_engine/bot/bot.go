// Package bot sends operator notifications to a Telegram chat and answers
// /positions and /status from the position journal.
package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
	"go.uber.org/zap"

	"github.com/MarketRaker/trading-bot-example-code/models"
	"github.com/MarketRaker/trading-bot-example-code/storage/journal"
)

type messageSender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*tgmodels.Message, error)
}

// Positions is the read side of the position journal.
type Positions interface {
	List() ([]journal.Record, error)
}

type Notifier struct {
	bot       *bot.Bot
	sender    messageSender
	chatID    int64
	exchange  string
	positions Positions
	log       *zap.Logger
	started   time.Time
}

// New connects to Telegram with token. Only chatID receives notifications and
// may use commands.
func New(token string, chatID int64, exchange string, positions Positions, log *zap.Logger) (*Notifier, error) {
	n := newNotifier(nil, chatID, exchange, positions, log)
	b, err := bot.New(token, bot.WithDefaultHandler(n.defaultHandler))
	if err != nil {
		return nil, errors.Wrap(err, "create telegram bot")
	}
	n.bot = b
	n.sender = b

	b.RegisterHandler(bot.HandlerTypeMessageText, "/start", bot.MatchTypeExact, n.helpHandler)
	b.RegisterHandler(bot.HandlerTypeMessageText, "/positions", bot.MatchTypeExact, n.positionsHandler)
	b.RegisterHandler(bot.HandlerTypeMessageText, "/status", bot.MatchTypeExact, n.statusHandler)
	return n, nil
}

func newNotifier(sender messageSender, chatID int64, exchange string, positions Positions, log *zap.Logger) *Notifier {
	return &Notifier{
		sender:    sender,
		chatID:    chatID,
		exchange:  exchange,
		positions: positions,
		log:       log.With(zap.String("component", "telegram")),
		started:   time.Now(),
	}
}

// Run polls for updates until ctx is done.
func (n *Notifier) Run(ctx context.Context) error {
	n.send(ctx, n.chatID, title("Bot has been started")+"\n"+line("Exchange", n.exchange))
	n.bot.Start(ctx)
	return nil
}

func (n *Notifier) PositionOpened(ctx context.Context, pos models.OpenPosition) {
	n.send(ctx, n.chatID, title("Position opened")+"\n"+describe(pos))
}

func (n *Notifier) PositionClosed(ctx context.Context, pos models.OpenPosition, exit models.ExitDecision) {
	lines := []string{title("Position closed"), describe(pos), line("Exit", exit.Kind.String())}
	if exit.Price > 0 {
		lines = append(lines, line("Exit price", formatFloat(exit.Price)))
	}
	if exit.Reason != "" {
		lines = append(lines, line("Reason", exit.Reason))
	}
	n.send(ctx, n.chatID, strings.Join(lines, "\n"))
}

func (n *Notifier) send(ctx context.Context, chatID int64, text string) {
	_, err := n.sender.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      text,
		ParseMode: tgmodels.ParseModeMarkdown,
	})
	if err != nil {
		n.log.Warn("telegram send failed", zap.Error(err))
	}
}

func (n *Notifier) authorized(update *tgmodels.Update) bool {
	return update.Message != nil && update.Message.Chat.ID == n.chatID
}

func (n *Notifier) defaultHandler(ctx context.Context, b *bot.Bot, update *tgmodels.Update) {
	if !n.authorized(update) {
		return
	}
	n.helpHandler(ctx, b, update)
}

func (n *Notifier) helpHandler(ctx context.Context, b *bot.Bot, update *tgmodels.Update) {
	if !n.authorized(update) {
		return
	}
	n.send(ctx, update.Message.Chat.ID, bot.EscapeMarkdown("Commands: /positions /status"))
}

func (n *Notifier) positionsHandler(ctx context.Context, b *bot.Bot, update *tgmodels.Update) {
	if !n.authorized(update) {
		return
	}
	recs, err := n.positions.List()
	if err != nil {
		n.log.Error("list positions", zap.Error(err))
		n.send(ctx, update.Message.Chat.ID, bot.EscapeMarkdown("Could not read the position journal."))
		return
	}
	if len(recs) == 0 {
		n.send(ctx, update.Message.Chat.ID, bot.EscapeMarkdown("No open positions."))
		return
	}
	blocks := make([]string, 0, len(recs))
	for _, rec := range recs {
		block := describe(rec.Position) + "\n" + line("Status", string(rec.Status))
		if rec.Reason != "" {
			block += "\n" + line("Reason", rec.Reason)
		}
		blocks = append(blocks, block)
	}
	n.send(ctx, update.Message.Chat.ID, strings.Join(blocks, "\n\n"))
}

func (n *Notifier) statusHandler(ctx context.Context, b *bot.Bot, update *tgmodels.Update) {
	if !n.authorized(update) {
		return
	}
	var monitoring, unresolved int
	recs, err := n.positions.List()
	if err != nil {
		n.log.Error("list positions", zap.Error(err))
	}
	for _, rec := range recs {
		if rec.Status == journal.StatusUnresolved {
			unresolved++
		} else {
			monitoring++
		}
	}
	n.send(ctx, update.Message.Chat.ID, strings.Join([]string{
		title("Status"),
		line("Exchange", n.exchange),
		line("Uptime", time.Since(n.started).Truncate(time.Second).String()),
		line("Monitoring", strconv.Itoa(monitoring)),
		line("Unresolved", strconv.Itoa(unresolved)),
	}, "\n"))
}

func describe(pos models.OpenPosition) string {
	lines := []string{
		line("Symbol", pos.Symbol),
		line("Side", string(pos.Side)),
		line("Strategy", pos.Strategy),
		line("Entry", formatFloat(pos.EntryPrice)),
		line("Quantity", formatFloat(pos.Quantity)),
		line("Order", pos.OrderID),
	}
	if pos.Stoploss != nil {
		lines = append(lines, line("Stoploss", formatFloat(*pos.Stoploss)))
	}
	return strings.Join(lines, "\n")
}

func title(s string) string { return "*" + bot.EscapeMarkdown(s) + "*" }

func line(label, value string) string {
	return bot.EscapeMarkdown(fmt.Sprintf("%s: %s", label, value))
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
