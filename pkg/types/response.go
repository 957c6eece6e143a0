package types

// SuccessEnvelope wraps every successful JSON reply.
type SuccessEnvelope struct {
	Data any `json:"data"`
}

// StatusMessage is the payload of acknowledgement-only replies.
type StatusMessage struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}
