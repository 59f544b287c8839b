package server

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"remindd/internal/reminder"
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

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

type caseRequest struct {
	ID         string         `json:"id" validate:"required"`
	Domain     string         `json:"domain" validate:"required"`
	Type       string         `json:"type"`
	OwnerID    string         `json:"user_id" validate:"required"`
	Closed     bool           `json:"closed"`
	Properties map[string]any `json:"properties"`
	ModifiedAt *time.Time     `json:"modified_at,omitempty"`
}

func (r *caseRequest) toCase() *reminder.Case {
	c := &reminder.Case{
		ID:         strings.TrimSpace(r.ID),
		Domain:     strings.TrimSpace(r.Domain),
		Type:       strings.TrimSpace(r.Type),
		OwnerID:    strings.TrimSpace(r.OwnerID),
		Closed:     r.Closed,
		Properties: r.Properties,
	}
	if c.Properties == nil {
		c.Properties = map[string]any{}
	}
	if r.ModifiedAt != nil {
		c.ModifiedAt = r.ModifiedAt.UTC()
	}
	return c
}

type userRequest struct {
	TimeZone    string         `json:"time_zone" validate:"omitempty,timezone"`
	PhoneNumber string         `json:"phone_number"`
	Email       string         `json:"email" validate:"omitempty,email"`
	Data        map[string]any `json:"user_data"`
}

func (r *userRequest) toUser(id string) *reminder.User {
	return &reminder.User{
		ID:          strings.TrimSpace(id),
		TimeZone:    strings.TrimSpace(r.TimeZone),
		PhoneNumber: strings.TrimSpace(r.PhoneNumber),
		Email:       strings.TrimSpace(r.Email),
		Data:        r.Data,
	}
}

type ackRequest struct {
	UserID      string     `json:"user_id" validate:"required"`
	PhoneNumber string     `json:"phone_number"`
	At          *time.Time `json:"timestamp,omitempty"`
}
