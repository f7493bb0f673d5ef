package util

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// MaxPasswordBytes is the longest input bcrypt accepts.
const MaxPasswordBytes = 72

// NewValidator returns a validator with the project's custom tags:
// duration_gt0 for positive durations and password_bytes for strings that
// fit bcrypt's byte limit.
func NewValidator() *validator.Validate {
	validate := validator.New()
	_ = validate.RegisterValidation("duration_gt0", func(fl validator.FieldLevel) bool {
		d, ok := fl.Field().Interface().(time.Duration)
		return ok && d > 0
	})
	_ = validate.RegisterValidation("password_bytes", func(fl validator.FieldLevel) bool {
		return len(fl.Field().String()) <= MaxPasswordBytes
	})
	return validate
}
