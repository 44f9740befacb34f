package Adhoc

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendAliveRegisters(t *testing.T) {
	got := make(chan RegisterRequest, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/register", r.URL.Path)
		var req RegisterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			got <- req
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(RegisterResponse{Id: req.Id, Success: true})
	}))
	defer srv.Close()

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	reg := RegServerConfig{}
	reg.SetAddress(host, port)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sendAlive(ctx, reg, "10.0.0.7", 8000, 20*time.Millisecond)
		close(done)
	}()

	first := <-got
	second := <-got
	cancel()
	<-done

	assert.Equal(t, "10.0.0.7", first.IP)
	assert.Equal(t, 8000, first.Port)
	assert.Equal(t, ServiceName, first.Service)
	assert.NotEmpty(t, first.Id)
	assert.Equal(t, first.Id, second.Id, "one id per process")
}

func TestSendAliveMessageStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var wg sync.WaitGroup
	wg.Add(1)
	reg := RegServerConfig{Addr: "127.0.0.1", Port: 1}
	SendAliveMessage(ctx, &wg, reg, "127.0.0.1", 8000)
	wg.Wait()
}

func TestURL(t *testing.T) {
	reg := RegServerConfig{}
	reg.SetAddress("registry.local", 8080)
	assert.Equal(t, "http://registry.local:8080/api/register", reg.URL())
}
