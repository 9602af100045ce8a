package fake

import (
	"context"
	"sync"

	"github.com/BearBump/CabBox/internal/notify"
)

// FakeClient запоминает отправленные уведомления; для тестов и локального
// запуска без Expo.
type FakeClient struct {
	mu   sync.Mutex
	sent []Sent
	err  error
}

type Sent struct {
	Token        string
	Notification notify.Notification
}

func New() *FakeClient { return &FakeClient{} }

func NewWithError(err error) *FakeClient { return &FakeClient{err: err} }

func (f *FakeClient) Send(ctx context.Context, token string, n notify.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, Sent{Token: token, Notification: n})
	return nil
}

func (f *FakeClient) Sent() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Sent(nil), f.sent...)
}
