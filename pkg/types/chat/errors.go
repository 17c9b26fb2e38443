package chat

import "errors"

var (
	errEmptyParts           = errors.New("chat: message must have at least one part")
	errFunctionResponseRole = errors.New("chat: function_response part only valid in a user-role message")
	errFunctionCallRole     = errors.New("chat: function_call part only valid in a model-role message")
)
