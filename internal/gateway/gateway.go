// Package gateway holds the outbound transports reminders are delivered through.
//
// Drivers:
//   - "log": messages are written to the log only (development, dry runs)
//   - "telegram": see package gateway/telegram
//
// Email reminders go through SMTP (see Mailer). Every transport can be wrapped
// with Limit to bound the send rate and per-message latency.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"remindd/internal/reminder"
	"remindd/pkg/logx"
)

var (
	// ErrNoRecipient means the user has no address on this transport.
	ErrNoRecipient = errors.New("gateway: no recipient address for user")
	// ErrRateLimited is returned when the limiter cannot admit a send before the deadline.
	ErrRateLimited = errors.New("gateway: rate limited")
)

// ChatIDKey is the user_data key holding a Telegram chat id.
const ChatIDKey = "telegram_chat_id"

// ChatID resolves the Telegram chat of u: user_data[telegram_chat_id] first,
// then a purely numeric phone number.
func ChatID(u *reminder.User) (int64, bool) {
	if u == nil {
		return 0, false
	}
	if v, ok := u.Data[ChatIDKey]; ok {
		if id, ok := toInt64(v); ok && id != 0 {
			return id, true
		}
	}
	phone := strings.TrimPrefix(strings.TrimSpace(u.PhoneNumber), "+")
	if phone == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(phone, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

func toInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int64:
		return x, true
	case float64:
		return int64(x), x == float64(int64(x))
	case json.Number:
		n, err := x.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// Log is the "log" driver: it accepts every message and writes it to the log.
type Log struct {
	log logx.Logger
}

func NewLog(log logx.Logger) *Log {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Log{log: log}
}

func (g *Log) Send(_ context.Context, m reminder.OutboundMessage) error {
	g.log.Info("reminder message",
		logx.String("user_id", m.UserID),
		logx.String("phone", m.PhoneNumber),
		logx.String("instance_id", m.InstanceID),
		logx.Bool("expect_ack", m.ExpectAck),
		logx.Int("chars", len([]rune(m.Text))),
	)
	g.log.Debug("reminder message body", logx.String("instance_id", m.InstanceID), logx.String("text", m.Text))
	return nil
}

func (g *Log) SendEmail(_ context.Context, to, subject, body string) error {
	g.log.Info("reminder email", logx.String("to", to), logx.String("subject", subject), logx.Int("chars", len([]rune(body))))
	return nil
}

// Limited bounds the rate and latency of an underlying gateway.
type Limited struct {
	next    reminder.MessagingGateway
	lim     *rate.Limiter
	timeout time.Duration
}

// Limit wraps next. perSec <= 0 disables rate limiting; timeout <= 0 disables the per-send deadline.
func Limit(next reminder.MessagingGateway, perSec int, timeout time.Duration) *Limited {
	l := &Limited{next: next, timeout: timeout}
	if perSec > 0 {
		l.lim = rate.NewLimiter(rate.Limit(perSec), perSec)
	}
	return l
}

func (l *Limited) Send(ctx context.Context, m reminder.OutboundMessage) error {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	if l.lim != nil {
		if err := l.lim.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
	}
	return l.next.Send(ctx, m)
}
