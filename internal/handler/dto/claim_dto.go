package dto

import "github.com/yourusername/candy-api/internal/claim"

// SuffixRequest - ввод последних 4 цифр телефона
type SuffixRequest struct {
	Suffix string `json:"suffix"`
}

// CodeRequest - ввод 6-значного кода
type CodeRequest struct {
	Code string `json:"code"`
}

// FlagRequest - новое значение has_candy
type FlagRequest struct {
	HasCandy *bool `json:"has_candy" binding:"required"`
}

// FlagResponse - текущее значение has_candy
type FlagResponse struct {
	HasCandy bool           `json:"has_candy"`
	Flow     claim.Snapshot `json:"flow"`
}

// SuffixResponse - результат проверки суффикса
type SuffixResponse struct {
	Attempt claim.ChallengeAttempt `json:"attempt"`
	Flow    claim.Snapshot         `json:"flow"`
}

// ErrorResponse - ошибка API. Flow заполняется для ошибок внутри claim-потока.
type ErrorResponse struct {
	Error      string          `json:"error"`
	ErrorType  string          `json:"error_type"`
	RetryAfter int             `json:"retry_after,omitempty"`
	Flow       *claim.Snapshot `json:"flow,omitempty"`
}
