package reminder

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DeliveryMethod selects the channel a definition dispatches through.
type DeliveryMethod string

const (
	MethodSMS          DeliveryMethod = "sms"
	MethodEmail        DeliveryMethod = "email"
	MethodTest         DeliveryMethod = "test"
	MethodCallback     DeliveryMethod = "callback"
	MethodCallbackTest DeliveryMethod = "callback_test"
)

// IsCallback reports whether the method waits for a callback acknowledgement.
func (m DeliveryMethod) IsCallback() bool {
	return m == MethodCallback || m == MethodCallbackTest
}

// IsTest reports whether the method only logs instead of sending.
func (m DeliveryMethod) IsTest() bool {
	return m == MethodTest || m == MethodCallbackTest
}

// Clock is a time of day.
type Clock struct {
	Hour   int
	Minute int
	Second int
}

// ParseClock accepts "HH:MM" or "HH:MM:SS".
func ParseClock(s string) (Clock, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return Clock{}, fmt.Errorf("invalid time of day %q, expected HH:MM[:SS]", s)
	}
	vals := [3]int{}
	limits := [3]int{23, 59, 59}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > limits[i] {
			return Clock{}, fmt.Errorf("invalid time of day %q", s)
		}
		vals[i] = n
	}
	return Clock{Hour: vals[0], Minute: vals[1], Second: vals[2]}, nil
}

func (c Clock) String() string {
	if c.Second != 0 {
		return fmt.Sprintf("%02d:%02d:%02d", c.Hour, c.Minute, c.Second)
	}
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// On places the clock on the calendar day of d (naive).
func (c Clock) On(d time.Time) time.Time {
	y, m, day := d.Date()
	return time.Date(y, m, day, c.Hour, c.Minute, c.Second, 0, time.UTC)
}

func (c Clock) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Clock) UnmarshalText(b []byte) error {
	v, err := ParseClock(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Event is one position in a definition's timeline.
type Event struct {
	// DayOffset counts days from the start of the current iteration.
	DayOffset int   `json:"day_num"`
	TimeOfDay Clock `json:"fire_time"`
	// Messages maps language code to template text.
	Messages map[string]string `json:"message" validate:"required,min=1"`
	// CallbackTimeoutIntervals (minutes) bound the resends of a callback event.
	CallbackTimeoutIntervals []int `json:"callback_timeout_intervals,omitempty" validate:"dive,min=0"`
}

// Definition is the static configuration for a family of reminders.
type Definition struct {
	ID       string `json:"id" validate:"required"`
	Domain   string `json:"domain" validate:"required"`
	CaseType string `json:"case_type,omitempty"`
	Nickname string `json:"nickname,omitempty"`

	// StartCondition names the case property that starts a reminder: a date, or "ok".
	StartCondition  string `json:"start" validate:"required"`
	StartOffsetDays int    `json:"start_offset"`
	// UntilCondition names the case property that pauses a reminder while it holds.
	UntilCondition string `json:"until,omitempty"`

	LanguageProperty string         `json:"lang_property,omitempty"`
	DefaultLanguage  string         `json:"default_lang" validate:"required"`
	Method           DeliveryMethod `json:"method" validate:"required,oneof=sms email test callback callback_test"`

	MaxIterationCount int     `json:"max_iteration_count" validate:"min=1"`
	CadenceLengthDays int     `json:"schedule_length" validate:"min=0"`
	Events            []Event `json:"events" validate:"required,min=1,dive"`

	Retired   bool      `json:"retired,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Applies reports whether the definition targets cases of this domain and type.
func (d *Definition) Applies(domain, caseType string) bool {
	if d == nil || d.Retired || d.Domain != domain {
		return false
	}
	return d.CaseType == "" || d.CaseType == caseType
}

// Instance is the per-(definition, case) progression state.
type Instance struct {
	ID           string         `json:"id"`
	Domain       string         `json:"domain"`
	CaseID       string         `json:"case_id"`
	DefinitionID string         `json:"definition_id"`
	UserID       string         `json:"user_id"`
	Method       DeliveryMethod `json:"method"`

	NextFire  time.Time `json:"next_fire"`
	LastFired time.Time `json:"last_fired,omitempty"`
	Active    bool      `json:"active"`
	Language  string    `json:"lang"`
	// StartDate is the user's local calendar date the reminder started on.
	StartDate time.Time `json:"start_date"`

	Iteration        int  `json:"schedule_iteration_num"`
	EventIndex       int  `json:"current_event_sequence_num"`
	CallbackTryCount int  `json:"callback_try_count"`
	CallbackReceived bool `json:"callback_received"`
	Retired          bool `json:"retired"`

	// Version guards concurrent writers; the store bumps it on every update.
	Version int64 `json:"version"`
}

// Key identifies the (definition, case) pair an instance belongs to.
func (i *Instance) Key() string { return lockKey(i.DefinitionID, i.CaseID) }

// Retire marks the instance as permanently finished.
func (i *Instance) Retire() {
	i.Retired = true
	i.Active = false
}

// Exhausted reports whether every iteration of def has been used up.
func (i *Instance) Exhausted(def *Definition) bool {
	return i.Iteration > def.MaxIterationCount
}

// Case is a snapshot of the external record reminders are tied to.
type Case struct {
	ID         string         `json:"id"`
	Domain     string         `json:"domain"`
	Type       string         `json:"type"`
	OwnerID    string         `json:"user_id"`
	Closed     bool           `json:"closed"`
	Properties map[string]any `json:"properties"`
	ModifiedAt time.Time      `json:"modified_at,omitempty"`
}

// Property returns the named case property, or nil.
func (c *Case) Property(name string) any {
	if c == nil || c.Properties == nil || name == "" {
		return nil
	}
	return c.Properties[name]
}

// Snapshot copies the properties for template rendering.
func (c *Case) Snapshot() map[string]any {
	if c == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(c.Properties))
	for k, v := range c.Properties {
		out[k] = v
	}
	return out
}

// User is the directory entry of a case owner.
type User struct {
	ID          string         `json:"id"`
	TimeZone    string         `json:"time_zone"`
	PhoneNumber string         `json:"phone_number"`
	Email       string         `json:"email,omitempty"`
	Data        map[string]any `json:"user_data,omitempty"`
}

// Ack records a callback acknowledgement from a user.
type Ack struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	PhoneNumber string    `json:"phone_number,omitempty"`
	At          time.Time `json:"timestamp"`
}

// Delivery is an audit row for one dispatch attempt.
type Delivery struct {
	ID           string         `json:"id"`
	At           time.Time      `json:"at"`
	InstanceID   string         `json:"instance_id"`
	DefinitionID string         `json:"definition_id"`
	CaseID       string         `json:"case_id"`
	UserID       string         `json:"user_id"`
	Method       DeliveryMethod `json:"method"`
	Iteration    int            `json:"iteration"`
	EventIndex   int            `json:"event_index"`
	OK           bool           `json:"ok"`
	Chars        int            `json:"chars"`
	Error        string         `json:"error,omitempty"`
}
