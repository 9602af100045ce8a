package notify

import "context"

// Notification — то, что уходит в приложение водителя. Data попадает в
// payload пуша как есть (type/job_id/root_job_id).
type Notification struct {
	Title string
	Body  string
	Data  map[string]string
}

// Client — best-effort доставка: ошибка логируется вызывающей стороной и
// никогда не влияет на переход состояния заявки.
type Client interface {
	Send(ctx context.Context, token string, n Notification) error
}
