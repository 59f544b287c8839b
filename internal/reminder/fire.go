package reminder

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"remindd/internal/eventbus"
	"remindd/internal/render"
	"remindd/pkg/logx"
)

var errNoEmailSender = errors.New("email delivery is not configured")

// Fire dispatches the current event of a due instance.
//
// It reports whether the attempt counts as delivered, in which case the
// caller advances the schedule. A false result leaves the instance due so the
// next tick retries it. A callback already acknowledged since the last send
// returns true without sending anything.
func (e *Engine) Fire(ctx context.Context, def *Definition, inst *Instance, now time.Time) bool {
	def.clampEvent(inst)
	log := e.log.With(instanceFields(inst)...)

	if def.expectsCallback(inst) && !inst.LastFired.IsZero() {
		acked, err := e.acks.AckedBetween(ctx, inst.UserID, inst.LastFired, now)
		switch {
		case err != nil:
			log.Warn("ack lookup failed", logx.Err(err))
		case acked:
			inst.CallbackReceived = true
			e.publish(eventbus.TypeAcked, inst, "")
			log.Debug("callback acknowledged")
			return true
		}
	}

	inst.LastFired = now
	ev := def.Events[inst.EventIndex]
	tmpl, ok := ev.Messages[inst.Language]
	if !ok {
		tmpl = ev.Messages[def.DefaultLanguage]
	}

	c, err := e.cases.GetCase(ctx, inst.Domain, inst.CaseID)
	if err != nil {
		log.Warn("case lookup failed, rendering without case data", logx.Err(err))
	}
	text := render.Render(tmpl, map[string]any{"case": c.Snapshot()}, now)

	var user *User
	if u, err := e.users.GetUser(ctx, inst.UserID); err == nil {
		user = u
	} else {
		log.Warn("owner lookup failed", logx.Err(err))
		user = &User{ID: inst.UserID}
	}

	sendErr := e.dispatch(ctx, def, inst, user, text)
	ok = sendErr == nil

	d := Delivery{
		ID:           uuid.NewString(),
		At:           now,
		InstanceID:   inst.ID,
		DefinitionID: inst.DefinitionID,
		CaseID:       inst.CaseID,
		UserID:       inst.UserID,
		Method:       inst.Method,
		Iteration:    inst.Iteration,
		EventIndex:   inst.EventIndex,
		OK:           ok,
		Chars:        len(text),
	}
	if sendErr != nil {
		d.Error = sendErr.Error()
	}
	if err := e.store.AppendDelivery(ctx, d); err != nil {
		log.Warn("delivery audit write failed", logx.Err(err))
	}

	if !ok {
		log.Warn("reminder send failed", logx.String("method", string(inst.Method)), logx.Err(sendErr))
		e.publish(eventbus.TypeFailed, inst, sendErr.Error())
		return false
	}
	log.Info("reminder fired",
		logx.String("method", string(inst.Method)),
		logx.Int("iteration", inst.Iteration),
		logx.Int("event", inst.EventIndex),
	)
	e.publish(eventbus.TypeFired, inst, "")
	return true
}

func (e *Engine) dispatch(ctx context.Context, def *Definition, inst *Instance, user *User, text string) error {
	switch inst.Method {
	case MethodTest, MethodCallbackTest:
		e.log.Info("test reminder", logx.String("instance", inst.ID), logx.String("text", text))
		return nil
	case MethodEmail:
		if e.email == nil {
			return errNoEmailSender
		}
		subject := strings.ReplaceAll(e.cfg.EmailSubject, "{nickname}", def.Nickname)
		return e.email.SendEmail(ctx, user.Email, subject, text)
	default:
		return e.gateway.Send(ctx, OutboundMessage{
			Domain:      inst.Domain,
			UserID:      inst.UserID,
			PhoneNumber: user.PhoneNumber,
			Text:        text,
			InstanceID:  inst.ID,
			ExpectAck:   def.expectsCallback(inst),
		})
	}
}
