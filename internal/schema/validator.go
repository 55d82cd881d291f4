package schema

import (
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
)

// channelPattern defines the valid format for channel tokens.
// Channel names appear in batch file names, so they cannot contain
// underscores, path separators or whitespace.
// Examples: "Application", "ForwardedEvents", "Microsoft-Windows-PowerShell"
var channelPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9.\-]*$`)

// Validator handles validation of event records read from export batches.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	v := validator.New()

	// Register custom validation for channel tokens
	v.RegisterValidation("channel_token", func(fl validator.FieldLevel) bool {
		return channelPattern.MatchString(fl.Field().String())
	})

	return &Validator{validate: v}
}

// Validate validates a record. Returns an error if validation fails.
func (v *Validator) Validate(record *EventRecord) error {
	if err := v.validate.Struct(record); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// Struct validates any struct using the registered tags, including channel_token.
func (v *Validator) Struct(s any) error {
	return v.validate.Struct(s)
}

// ValidateChannel checks if a channel name can be used as a batch file token.
func ValidateChannel(channel string) bool {
	return channelPattern.MatchString(channel)
}
