package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

// Validator plugs go-playground/validator into echo.
type Validator struct {
	validate *validator.Validate
}

func NewValidator() *Validator {
	return &Validator{validate: validator.New()}
}

func (v *Validator) Validate(i interface{}) error {
	return v.validate.Struct(i)
}

func bindValidate(c echo.Context, i interface{}) error {
	if err := c.Bind(i); err != nil {
		return err
	}
	if err := c.Validate(i); err != nil {
		return err
	}
	return nil
}
