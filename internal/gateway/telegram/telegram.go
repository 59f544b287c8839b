// Package telegram delivers reminders as Telegram messages and turns the
// inline "acknowledge" button into callback acknowledgements.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"remindd/internal/gateway"
	"remindd/internal/reminder"
	rtsup "remindd/internal/runtime/supervisor"
	"remindd/pkg/logx"
)

// Config for the Telegram gateway.
type Config struct {
	Token       string
	PollTimeout time.Duration
	// AlertChatID receives forwarded log alerts; 0 disables SendAlert.
	AlertChatID int64
	// AckButton attaches an acknowledge button to messages that expect one.
	AckButton bool
}

// AckFunc records an acknowledgement for userID.
type AckFunc func(ctx context.Context, userID, phone string, at time.Time) error

const ackUnique = "ack"

const textLimit = 4000

// sender is the slice of *tele.Bot the gateway sends through.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Gateway struct {
	cfg   Config
	log   logx.Logger
	users reminder.UserDirectory

	bot *tele.Bot
	out sender

	ackMu sync.RWMutex
	ack   AckFunc

	runMu sync.Mutex
	sup   *rtsup.Supervisor

	sent   atomic.Uint64
	failed atomic.Uint64
	acks   atomic.Uint64
}

func New(cfg Config, users reminder.UserDirectory, log logx.Logger) (*Gateway, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if users == nil {
		return nil, errors.New("telegram gateway needs a user directory")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	g := &Gateway{cfg: cfg, log: log, users: users, bot: b, out: b}
	g.registerHandlers()
	return g, nil
}

// OnAck sets the acknowledgement sink. Without one, button presses are only answered.
func (g *Gateway) OnAck(fn AckFunc) {
	g.ackMu.Lock()
	g.ack = fn
	g.ackMu.Unlock()
}

func (g *Gateway) registerHandlers() {
	btn := (&tele.ReplyMarkup{}).Data("Acknowledge", ackUnique)
	g.bot.Handle(&btn, func(c tele.Context) error {
		var chatID int64
		if ch := c.Chat(); ch != nil {
			chatID = ch.ID
		}
		reply := g.handleAck(context.Background(), c.Data(), chatID, time.Now().UTC())
		return c.Respond(&tele.CallbackResponse{Text: reply})
	})

	g.bot.Handle("/start", func(c tele.Context) error {
		ch := c.Chat()
		if ch == nil {
			return nil
		}
		return c.Send(fmt.Sprintf("Your chat id is %d. Share it with your coordinator to receive reminders here.", ch.ID))
	})
}

// handleAck validates that the pressing chat belongs to userID and records the ack.
// It returns the text shown to the user.
func (g *Gateway) handleAck(ctx context.Context, userID string, chatID int64, at time.Time) string {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "Unknown reminder."
	}
	u, err := g.users.GetUser(ctx, userID)
	if err != nil {
		g.log.Warn("ack for unknown user", logx.String("user_id", userID), logx.Err(err))
		return "Unknown reminder."
	}
	if want, ok := gateway.ChatID(u); !ok || want != chatID {
		g.log.Warn("ack from foreign chat", logx.String("user_id", userID), logx.Int64("chat_id", chatID))
		return "This reminder belongs to someone else."
	}

	g.ackMu.RLock()
	fn := g.ack
	g.ackMu.RUnlock()
	if fn != nil {
		if err := fn(ctx, userID, u.PhoneNumber, at); err != nil {
			g.log.Error("record ack failed", logx.String("user_id", userID), logx.Err(err))
			return "Could not record that, please try again."
		}
	}
	g.acks.Add(1)
	return "Thanks, noted."
}

// Send implements reminder.MessagingGateway.
func (g *Gateway) Send(ctx context.Context, m reminder.OutboundMessage) error {
	u, err := g.users.GetUser(ctx, m.UserID)
	if err != nil {
		return fmt.Errorf("resolve recipient %s: %w", m.UserID, err)
	}
	chatID, ok := gateway.ChatID(u)
	if !ok {
		return fmt.Errorf("%w: %s", gateway.ErrNoRecipient, m.UserID)
	}
	var markup *tele.ReplyMarkup
	if m.ExpectAck && g.cfg.AckButton {
		markup = ackMarkup(m.UserID)
	}
	if err := g.sendText(ctx, chatID, m.Text, markup); err != nil {
		g.failed.Add(1)
		return err
	}
	g.sent.Add(1)
	return nil
}

func ackMarkup(userID string) *tele.ReplyMarkup {
	rm := &tele.ReplyMarkup{}
	rm.Inline(rm.Row(rm.Data("Acknowledge", ackUnique, userID)))
	return rm
}

// SendAlert implements logx.AlertSender.
func (g *Gateway) SendAlert(ctx context.Context, text string) error {
	if g.cfg.AlertChatID == 0 {
		return nil
	}
	return g.sendText(ctx, g.cfg.AlertChatID, text, nil)
}

func (g *Gateway) sendText(ctx context.Context, chatID int64, text string, markup *tele.ReplyMarkup) error {
	chat := &tele.Chat{ID: chatID}
	chunks := splitText(text, textLimit)
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		opt := &tele.SendOptions{DisableWebPagePreview: true}
		// markup goes on the last chunk so the button sits under the full text
		if markup != nil && i == len(chunks)-1 {
			opt.ReplyMarkup = markup
		}
		if _, err := g.out.Send(chat, chunk, opt); err != nil {
			return err
		}
	}
	return nil
}

// splitText cuts s into chunks of at most limit runes, preferring newline boundaries.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	for start := 0; start < len(rs); {
		end := start + limit
		if end >= len(rs) {
			out = append(out, string(rs[start:]))
			break
		}
		for i := end - 1; i > start+limit/3; i-- {
			if rs[i] == '\n' {
				end = i + 1
				break
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

// Start runs the long-poll loop that receives button presses.
func (g *Gateway) Start(ctx context.Context) error {
	g.runMu.Lock()
	defer g.runMu.Unlock()
	if g.sup != nil {
		return nil
	}
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(g.log.With(logx.String("comp", "telegram"))),
		rtsup.WithCancelOnError(false),
	)
	g.sup = sup

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		g.bot.Stop()
	})
	// telebot's Start can return while the context is still live; restart it.
	sup.GoRestart0("telebot.poll", func(c context.Context) {
		g.log.Info("polling started")
		g.bot.Start()
		g.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

// Stop ends polling; a long-poll still waiting is abandoned after a short grace.
func (g *Gateway) Stop(ctx context.Context) error {
	g.runMu.Lock()
	sup := g.sup
	g.sup = nil
	g.runMu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		g.log.Warn("telegram stop error", logx.Err(err))
	}
	g.log.Info("telegram stopped",
		logx.Uint64("sent", g.sent.Load()),
		logx.Uint64("failed", g.failed.Load()),
		logx.Uint64("acks", g.acks.Load()),
	)
	return nil
}
