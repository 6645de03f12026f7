package heartbeat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendAliveMessage(t *testing.T) {
	t.Run("Test Alive Payload", func(t *testing.T) {
		got := make(chan AliveRequest, 8)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var req AliveRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			select {
			case got <- req:
			default:
			}
			_ = json.NewEncoder(w).Encode(AliveResponse{Id: req.Id, Success: true})
		}))
		defer srv.Close()

		ctx, cancel := context.WithCancel(context.Background())
		wg := &sync.WaitGroup{}
		wg.Add(1)
		status := func() Status { return Status{State: "Running", FPS: 12.5} }
		go SendAliveMessage(srv.URL, "10.0.0.7", 8080, 10*time.Millisecond, status, ctx, wg)

		select {
		case req := <-got:
			assert.NotEmpty(t, req.Id)
			assert.Equal(t, "10.0.0.7", req.IP)
			assert.Equal(t, 8080, req.Port)
			assert.Equal(t, ServiceName, req.Service)
			assert.Equal(t, "Running", req.State)
			assert.InDelta(t, 12.5, req.FPS, 1e-6)
			assert.NotZero(t, req.TimeStamp)
		case <-time.After(2 * time.Second):
			t.Fatal("no heartbeat received")
		}

		cancel()
		wg.Wait()
	})

	t.Run("Test Id Stable Across Beats", func(t *testing.T) {
		got := make(chan string, 8)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var req AliveRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			select {
			case got <- req.Id:
			default:
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		ctx, cancel := context.WithCancel(context.Background())
		wg := &sync.WaitGroup{}
		wg.Add(1)
		go SendAliveMessage(srv.URL, "10.0.0.7", 8080, 10*time.Millisecond, nil, ctx, wg)

		var first, second string
		select {
		case first = <-got:
		case <-time.After(2 * time.Second):
			t.Fatal("no heartbeat received")
		}
		select {
		case second = <-got:
		case <-time.After(2 * time.Second):
			t.Fatal("no second heartbeat received")
		}
		assert.Equal(t, first, second)

		cancel()
		wg.Wait()
	})

	t.Run("Test Exits On Cancel", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		ctx, cancel := context.WithCancel(context.Background())
		wg := &sync.WaitGroup{}
		wg.Add(1)
		go SendAliveMessage(srv.URL, "10.0.0.7", 8080, time.Hour, nil, ctx, wg)
		cancel()

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("goroutine did not exit after cancel")
		}
	})
}
