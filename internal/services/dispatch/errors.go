package dispatch

import "errors"

// Ошибки state machine предложений. API-слой мапит их на HTTP-коды;
// различаем "уже обработано" (Conflict) и "опоздал" (Expired), чтобы
// приложение водителя могло показать осмысленное сообщение.
var (
	ErrNotFound    = errors.New("job not found")
	ErrConflict    = errors.New("offer already handled")
	ErrForbidden   = errors.New("not your offer")
	ErrExpired     = errors.New("offer expired")
	ErrNoCandidate = errors.New("no eligible driver nearby")
)
