// Package validation applies struct-tag validation to inbound requests
// beyond what gin's binding tags check on their own -- namely the
// oneof/range constraints the notification_type and priority fields need.
package validation

import (
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	once     sync.Once
	validate *validator.Validate
)

func instance() *validator.Validate {
	once.Do(func() {
		validate = validator.New()
	})
	return validate
}

// ValidatableNotificationRequest mirrors dto.NotificationRequest's shape
// with validator tags. It exists separately from the DTO so the wire
// format (gin binding tags) and the validation rules (validator tags) can
// evolve independently.
type ValidatableNotificationRequest struct {
	NotificationType string `validate:"required,oneof=email push"`
	UserID           string `validate:"required"`
	TemplateCode     string `validate:"required"`
	Priority         int    `validate:"omitempty,min=1,max=4"`
}

// Validate runs struct-tag validation and flattens any failures into a
// single human-readable message.
func Validate(req ValidatableNotificationRequest) error {
	err := instance().Struct(req)
	if err == nil {
		return nil
	}

	validationErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}

	messages := make([]string, 0, len(validationErrs))
	for _, fe := range validationErrs {
		messages = append(messages, fieldMessage(fe))
	}
	return &Error{messages: messages}
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "oneof":
		return fe.Field() + " must be one of: " + fe.Param()
	case "min", "max":
		return fe.Field() + " must be between 1 and 4"
	default:
		return fe.Field() + " is invalid"
	}
}

// Error joins one or more field-level validation failures into a single error.
type Error struct {
	messages []string
}

func (e *Error) Error() string {
	return strings.Join(e.messages, "; ")
}
