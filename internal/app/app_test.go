package app

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dropDatabas3/discover/internal/advert"
	"github.com/dropDatabas3/discover/internal/channel"
	"github.com/dropDatabas3/discover/internal/config"
	"github.com/dropDatabas3/discover/internal/discover"
)

const webConfig = `
self:
  type: service.web
  attributes:
    port: 3000
transport:
  kind: memory
  heartbeat: -1s
discover:
  stall_report_interval: -1s
services:
  - type: service.queue
    setup: broker
    match: first
  - type: service.search
`

func loadConfig(t *testing.T, body string) *config.Config {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	cfg, err := config.Load(p)
	require.NoError(t, err)
	return cfg
}

func readyzStatus(t *testing.T, base string) int {
	t.Helper()
	resp, err := http.Get(base + "/readyz")
	if err != nil {
		return 0
	}
	defer resp.Body.Close()
	return resp.StatusCode
}

func TestApp_BecomesReadyAfterDiscovery(t *testing.T) {
	cfg := loadConfig(t, webConfig)
	hub := channel.NewHub(nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	base := "http://" + ln.Addr().String()

	a, err := Build(context.Background(), cfg, Deps{
		Hub:      hub,
		Registry: prometheus.NewRegistry(),
		Listener: ln,
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		return readyzStatus(t, base) == http.StatusServiceUnavailable
	}, 2*time.Second, 10*time.Millisecond)
	require.ElementsMatch(t, []string{
		"mandate:configure.broker",
		"service:service.queue#1",
		"service:service.search#1",
	}, a.Coordinator().Outstanding())

	// Un peer observa los anuncios del daemon.
	peer := channel.New(channel.NewMemoryTransport(hub), channel.Options{
		Heartbeat:      -1,
		ConnectBackOff: backoff.NewConstantBackOff(time.Millisecond),
		Logger:         zap.NewNop(),
	})
	defer peer.Close()
	var mu sync.Mutex
	var seen []advert.Advertisement
	_, err = peer.Subscribe(func(ad advert.Advertisement) {
		mu.Lock()
		seen = append(seen, ad)
		mu.Unlock()
	})
	require.NoError(t, err)
	require.NoError(t, peer.Connect(context.Background()))

	require.NoError(t, peer.Publish(context.Background(), advert.New("service.queue", map[string]any{
		"config": map[string]any{"host": "mq", "port": 5672},
	})))
	require.NoError(t, peer.Publish(context.Background(), advert.New("service.search", nil)))

	require.Eventually(t, func() bool {
		return readyzStatus(t, base) == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, discover.Ready, a.Coordinator().State())
	require.NotNil(t, a.Setup().Register())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, ad := range seen {
			if ad.Kind == "service.web" && ad.Ready {
				port, _ := ad.IntAt("port")
				return port == 3000
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get(base + "/v1/peers/service.queue")
	require.NoError(t, err)
	var body struct{ Count int }
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	_ = resp.Body.Close()
	require.Equal(t, 1, body.Count)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop")
	}
}

func TestBuild_RejectsDuplicateWithErrorPolicy(t *testing.T) {
	cfg := loadConfig(t, `
self:
  type: service.web
discover:
  duplicate_policy: merge
mandates:
  - name: a
  - name: a
`)
	cfg.Discover.DuplicatePolicy = "error"
	_, err := Build(context.Background(), cfg, Deps{Registry: prometheus.NewRegistry(), Logger: zap.NewNop()})
	require.ErrorIs(t, err, discover.ErrDuplicateDeclaration)
}
