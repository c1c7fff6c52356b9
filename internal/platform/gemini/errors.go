package gemini

import "errors"

var (
	ErrInvalidConfig   = errors.New("invalid gemini configuration")
	ErrInvalidResponse = errors.New("invalid response from gemini")
	ErrContentBlocked  = errors.New("content blocked by safety filters")
	ErrEmptyPrompt     = errors.New("prompt cannot be empty")
)
