package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/BearBump/CabBox/internal/broker/messages"
	"github.com/BearBump/CabBox/internal/models"
	"github.com/BearBump/CabBox/internal/notify"
)

type DriversRepository interface {
	GetDriver(ctx context.Context, driverID string) (*models.Driver, error)
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

// Notifier превращает события заявок в push-уведомления водителям.
// Доставка best-effort: любая ошибка логируется, сообщение считается
// обработанным — ретраи пушей поверх Kafka-ретраев только множат спам.
type Notifier struct {
	drivers DriversRepository
	push    notify.Client
	rl      RateLimiter

	limitPerMinute int64
	log            *slog.Logger
}

func New(drivers DriversRepository, push notify.Client, rl RateLimiter, limitPerMinute int64, log *slog.Logger) *Notifier {
	if limitPerMinute <= 0 {
		limitPerMinute = 30
	}
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{
		drivers:        drivers,
		push:           push,
		rl:             rl,
		limitPerMinute: limitPerMinute,
		log:            log,
	}
}

// HandleMessage обрабатывает одно событие из топика заявок.
func (n *Notifier) HandleMessage(ctx context.Context, value []byte) error {
	var ev messages.JobEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		// Непарсящееся сообщение ретраить бессмысленно.
		n.log.Error("unmarshal job event", "err", err)
		return nil
	}

	notif, ok := buildNotification(ev)
	if !ok {
		return nil
	}
	if ev.DriverID == "" {
		return nil
	}

	d, err := n.drivers.GetDriver(ctx, ev.DriverID)
	if err != nil {
		n.log.Error("get driver for push", "driver_id", ev.DriverID, "err", err)
		return nil
	}
	if d == nil || d.PushToken == nil || *d.PushToken == "" {
		n.log.Debug("driver has no push token", "driver_id", ev.DriverID)
		return nil
	}

	if n.rl != nil {
		key := fmt.Sprintf("rl:push:%s:%s", ev.DriverID, time.Now().UTC().Format("200601021504"))
		allowed, cnt, err := n.rl.Allow(ctx, key, n.limitPerMinute, 70*time.Second)
		if err != nil {
			n.log.Error("push rate limit", "driver_id", ev.DriverID, "err", err)
		} else if !allowed {
			n.log.Warn("push rate limit exceeded", "driver_id", ev.DriverID, "count", cnt)
			return nil
		}
	}

	if err := n.push.Send(ctx, *d.PushToken, notif); err != nil {
		n.log.Error("send push", "driver_id", ev.DriverID, "type", ev.Type, "err", err)
	}
	return nil
}

// buildNotification решает, заслуживает ли событие пуша, и собирает текст.
func buildNotification(ev messages.JobEvent) (notify.Notification, bool) {
	data := map[string]string{
		"type":        ev.Type,
		"job_id":      ev.JobID,
		"root_job_id": ev.RootJobID,
	}

	switch ev.Type {
	case messages.EventJobCreated:
		return notify.Notification{
			Title: "Новая заявка",
			Body:  bodyLine(ev),
			Data:  data,
		}, true
	case messages.EventJobOffered:
		if ev.ExpiresAt != nil {
			data["expires_at"] = ev.ExpiresAt.UTC().Format(time.RFC3339)
		}
		if ev.DistanceKm != nil {
			data["distance_km"] = strconv.FormatFloat(*ev.DistanceKm, 'f', 3, 64)
		}
		return notify.Notification{
			Title: "Предложение заявки",
			Body:  bodyLine(ev),
			Data:  data,
		}, true
	}
	return notify.Notification{}, false
}

func bodyLine(ev messages.JobEvent) string {
	switch {
	case ev.Address != "" && ev.CustomerName != "":
		return ev.CustomerName + ", " + ev.Address
	case ev.Address != "":
		return ev.Address
	case ev.CustomerName != "":
		return ev.CustomerName
	}
	return "Откройте приложение, чтобы посмотреть детали"
}
