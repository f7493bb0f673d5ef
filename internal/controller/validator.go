package controller

import (
	"github.com/go-playground/validator/v10"

	"github.com/rryowa/authsessions/internal/util"
)

// RequestValidator plugs go-playground/validator into echo's Context.Validate.
type RequestValidator struct {
	validate *validator.Validate
}

func NewRequestValidator() *RequestValidator {
	return &RequestValidator{validate: util.NewValidator()}
}

func (v *RequestValidator) Validate(i any) error {
	return v.validate.Struct(i)
}
