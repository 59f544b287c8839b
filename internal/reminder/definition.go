package reminder

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"remindd/internal/tz"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// Normalize trims identifiers and fills defaults for optional fields.
func (d *Definition) Normalize() {
	d.ID = strings.TrimSpace(d.ID)
	d.Domain = strings.TrimSpace(d.Domain)
	d.CaseType = strings.TrimSpace(d.CaseType)
	d.StartCondition = strings.TrimSpace(d.StartCondition)
	d.UntilCondition = strings.TrimSpace(d.UntilCondition)
	d.Method = DeliveryMethod(strings.ToLower(strings.TrimSpace(string(d.Method))))
	if d.Method == "" {
		d.Method = MethodSMS
	}
	if d.DefaultLanguage == "" {
		d.DefaultLanguage = "en"
	}
	if d.MaxIterationCount == 0 {
		d.MaxIterationCount = 1
	}
}

// Validate checks struct constraints and that every event carries a
// message in the default language.
func (d *Definition) Validate() error {
	if err := validate.Struct(d); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w %q: %s", ErrInvalidDefinition, d.ID, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w %q: %v", ErrInvalidDefinition, d.ID, err)
	}
	for i, ev := range d.Events {
		if _, ok := ev.Messages[d.DefaultLanguage]; !ok {
			return fmt.Errorf("%w %q: event %d has no %q message", ErrInvalidDefinition, d.ID, i, d.DefaultLanguage)
		}
	}
	return nil
}

// Spawn starts a new instance for c at trigger (naive UTC).
// The start date is the trigger's calendar date in the owner's zone.
func (d *Definition) Spawn(c *Case, owner *User, trigger time.Time) (*Instance, error) {
	if len(d.Events) == 0 {
		return nil, fmt.Errorf("%w %q: no events", ErrInvalidDefinition, d.ID)
	}
	if c == nil || owner == nil {
		return nil, fmt.Errorf("spawn %s: case owner: %w", d.ID, ErrNotFound)
	}
	inst := &Instance{
		ID:           uuid.NewString(),
		Domain:       d.Domain,
		CaseID:       c.ID,
		DefinitionID: d.ID,
		UserID:       owner.ID,
		Method:       d.Method,
		Active:       true,
		Language:     d.DefaultLanguage,
		StartDate:    tz.Date(tz.ToLocal(owner.TimeZone, trigger)),
		Iteration:    1,
	}
	inst.NextFire = d.ScheduledAt(inst, owner.TimeZone)
	return inst, nil
}

// ScheduledAt is the UTC time of the instance's current event in its current iteration.
func (d *Definition) ScheduledAt(inst *Instance, zoneID string) time.Time {
	ev := d.Events[inst.EventIndex]
	days := d.StartOffsetDays + d.CadenceLengthDays*(inst.Iteration-1) + ev.DayOffset
	local := ev.TimeOfDay.On(inst.StartDate.AddDate(0, 0, days))
	return tz.ToUTC(zoneID, local)
}

// AdvanceEvent moves to the next event, wrapping into the next iteration.
// Passing the last iteration deactivates the instance.
func (d *Definition) AdvanceEvent(inst *Instance) {
	inst.EventIndex++
	inst.CallbackTryCount = 0
	inst.CallbackReceived = false
	if inst.EventIndex >= len(d.Events) {
		inst.EventIndex = 0
		inst.Iteration++
	}
	if inst.Iteration > d.MaxIterationCount {
		inst.Active = false
	}
}

// ComputeNextFire moves NextFire past now.
//
// Pending callback intervals are consumed first; otherwise the instance
// advances event by event. An instance that has been due for a long time
// skips the events it missed and only the latest one is left to fire.
func (d *Definition) ComputeNextFire(inst *Instance, zoneID string, now time.Time) {
	d.clampEvent(inst)
	for inst.Active && !now.Before(inst.NextFire) {
		if d.callbackPending(inst) {
			ev := d.Events[inst.EventIndex]
			inst.NextFire = inst.NextFire.Add(time.Duration(ev.CallbackTimeoutIntervals[inst.CallbackTryCount]) * time.Minute)
			inst.CallbackTryCount++
			continue
		}
		d.AdvanceEvent(inst)
		if inst.Active {
			inst.NextFire = d.ScheduledAt(inst, zoneID)
		}
	}
}

// callbackPending reports whether the current event still has callback
// timeouts left and no acknowledgement has arrived.
func (d *Definition) callbackPending(inst *Instance) bool {
	if !inst.Method.IsCallback() || inst.CallbackReceived {
		return false
	}
	return inst.CallbackTryCount < len(d.Events[inst.EventIndex].CallbackTimeoutIntervals)
}

// expectsCallback reports whether the current event waits for an acknowledgement at all.
func (d *Definition) expectsCallback(inst *Instance) bool {
	return inst.Method.IsCallback() && len(d.Events[inst.EventIndex].CallbackTimeoutIntervals) > 0
}

// clampEvent repairs an event pointer left out of range by an edited definition.
func (d *Definition) clampEvent(inst *Instance) bool {
	if inst.EventIndex >= 0 && inst.EventIndex < len(d.Events) {
		return false
	}
	inst.EventIndex = 0
	inst.CallbackTryCount = 0
	inst.CallbackReceived = false
	return true
}
