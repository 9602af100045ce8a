package expopush

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BearBump/CabBox/internal/notify"
	"github.com/stretchr/testify/require"
)

func TestClient_Send_OK(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"data":{"status":"ok"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	err := c.Send(context.Background(), "ExponentPushToken[abc]", notify.Notification{
		Title: "New ride offer",
		Body:  "John - Main St 1",
		Data:  map[string]string{"type": "job_offer", "job_id": "j1"},
	})
	require.NoError(t, err)
	require.Equal(t, "ExponentPushToken[abc]", got["to"])
	require.Equal(t, "default", got["sound"])
	require.Equal(t, "New ride offer", got["title"])
}

func TestClient_Send_TicketError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"status":"error","message":"DeviceNotRegistered"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	err := c.Send(context.Background(), "tok", notify.Notification{Title: "t"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "DeviceNotRegistered")
}

func TestClient_Send_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL)
	require.Error(t, c.Send(context.Background(), "tok", notify.Notification{Title: "t"}))
}

func TestClient_Send_EmptyToken(t *testing.T) {
	c := New("")
	require.Error(t, c.Send(context.Background(), "", notify.Notification{Title: "t"}))
}
