package integration

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudserver/internal/app"
	"cloudserver/internal/config"
)

type LoadTestMetrics struct {
	MessagesSent     atomic.Int64
	MessagesReceived atomic.Int64
	Errors           atomic.Int64
}

func (m *LoadTestMetrics) Report(elapsed time.Duration) string {
	return fmt.Sprintf("sent=%d received=%d errors=%d in %v",
		m.MessagesSent.Load(), m.MessagesReceived.Load(), m.Errors.Load(), elapsed)
}

func startServer(t testing.TB, mutate func(*config.Config)) (*app.Application, string) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Monitoring.AuditLog.Enabled = false
	cfg.Monitoring.Monitoring.LogFormat = "simple"
	cfg.Server.WebSocket.ConnectionsPerSecond = 1000
	cfg.Server.WebSocket.ConnectionBurst = 1000
	if mutate != nil {
		mutate(cfg)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	application, err := app.NewApplication(cfg, app.Options{FiltersDir: t.TempDir(), Listener: listener})
	require.NoError(t, err)
	require.NoError(t, application.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = application.Stop(ctx)
	})
	return application, "http://" + application.Addr().String()
}

func connectAll(t testing.TB, clients []*TestClient) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, c := range clients {
		require.NoError(t, c.Connect(ctx))
		t.Cleanup(func() { _ = c.Close() })
	}
}

func TestRoomFanOutLoad(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping load test in short mode")
	}
	application, serverURL := startServer(t, nil)

	const rooms, perRoom, setsEach = 4, 8, 20
	var clients []*TestClient
	for r := 0; r < rooms; r++ {
		for c := 0; c < perRoom; c++ {
			clients = append(clients, NewTestClient(fmt.Sprintf("user%d_%d", r, c), fmt.Sprintf("room-%d", r), serverURL))
		}
	}
	connectAll(t, clients)
	require.Eventually(t, func() bool {
		return application.Rooms().Stats().Clients == rooms*perRoom
	}, 5*time.Second, 10*time.Millisecond)

	metrics := &LoadTestMetrics{}
	start := time.Now()
	expected := (perRoom - 1) * setsEach

	var wg sync.WaitGroup
	for _, c := range clients {
		c := c
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < setsEach; i++ {
				if err := c.Set("☁ "+c.Username, fmt.Sprint(i)); err != nil {
					metrics.Errors.Add(1)
					return
				}
				metrics.MessagesSent.Add(1)
			}
		}()
		go func() {
			defer wg.Done()
			msgs, err := c.ReceiveMessages(expected, 20*time.Second)
			metrics.MessagesReceived.Add(int64(len(msgs)))
			if err != nil {
				metrics.Errors.Add(1)
			}
		}()
	}
	wg.Wait()
	t.Log(metrics.Report(time.Since(start)))

	assert.Zero(t, metrics.Errors.Load())
	assert.Equal(t, int64(rooms*perRoom*setsEach), metrics.MessagesSent.Load())
	assert.Equal(t, int64(rooms*perRoom*expected), metrics.MessagesReceived.Load(), "rooms do not leak into each other")

	stats := application.Rooms().Stats()
	assert.Equal(t, rooms, stats.Rooms)
	assert.Equal(t, rooms*perRoom, stats.Variables)
}

func TestRoomCapacityOverWebSocket(t *testing.T) {
	_, serverURL := startServer(t, func(c *config.Config) { c.Room.Limits.MaxClientsPerRoom = 2 })

	first := NewTestClient("first", "full", serverURL)
	second := NewTestClient("second", "full", serverURL)
	connectAll(t, []*TestClient{first, second})
	require.NoError(t, first.Set("☁ ready", "1"))
	_, err := second.ReceiveMessage(2 * time.Second)
	require.NoError(t, err)

	third := NewTestClient("third", "full", serverURL)
	require.NoError(t, third.Connect(context.Background()))
	defer third.Close()
	code, err := third.WaitClosed(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, 4003, code)
}

func BenchmarkSetThroughput(b *testing.B) {
	_, serverURL := startServer(b, func(c *config.Config) { c.Server.Performance.BufferSends = 0 })
	writer := NewTestClient("writer", "bench", serverURL)
	reader := NewTestClient("reader", "bench", serverURL)
	connectAll(b, []*TestClient{writer, reader})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := writer.Set("☁ n", fmt.Sprint(i)); err != nil {
			b.Fatal(err)
		}
		if _, err := reader.ReceiveMessage(5 * time.Second); err != nil {
			b.Fatal(err)
		}
	}
}
