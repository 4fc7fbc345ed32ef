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

type regServer struct {
	mu      sync.Mutex
	reqs    []RegisterRequest
	success bool
}

func (s *regServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/register" {
		http.NotFound(w, r)
		return
	}
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	ok := s.success
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(RegisterResponse{Id: req.Id, Success: ok})
}

func (s *regServer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reqs)
}

func regConfig(t *testing.T, srv *httptest.Server) RegServerConfig {
	t.Helper()
	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	var cfg RegServerConfig
	cfg.SetAddress(host, port)
	return cfg
}

func TestAnnounce(t *testing.T) {
	rs := &regServer{success: true}
	srv := httptest.NewServer(rs)
	defer srv.Close()

	a := NewAnnouncer(regConfig(t, srv), "10.0.0.7", 7001, 50051, "abcd", func() (int, int) { return 3, 5 })
	require.NoError(t, a.Announce(context.Background()))

	require.Equal(t, 1, rs.count())
	got := rs.reqs[0]
	assert.Equal(t, a.ID(), got.Id)
	assert.Equal(t, "10.0.0.7", got.IP)
	assert.Equal(t, 7001, got.HTTPPort)
	assert.Equal(t, 50051, got.RPCPort)
	assert.Equal(t, "abcd", got.KeyFingerprint)
	assert.Equal(t, 3, got.Subscribers)
	assert.Equal(t, 5, got.Tracks)
	assert.NotZero(t, got.TimeStamp)
}

func TestAnnounce_Failures(t *testing.T) {
	rs := &regServer{success: false}
	srv := httptest.NewServer(rs)
	a := NewAnnouncer(regConfig(t, srv), "ip", 1, 2, "", nil)
	assert.ErrorContains(t, a.Announce(context.Background()), "rejected")

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer bad.Close()
	a = NewAnnouncer(regConfig(t, bad), "ip", 1, 2, "", nil)
	assert.ErrorContains(t, a.Announce(context.Background()), "500")

	srv.Close()
	a = NewAnnouncer(regConfig(t, srv), "ip", 1, 2, "", nil)
	assert.Error(t, a.Announce(context.Background()))
}

func TestRun_RepeatsUntilCancelled(t *testing.T) {
	rs := &regServer{success: true}
	srv := httptest.NewServer(rs)
	defer srv.Close()

	a := NewAnnouncer(regConfig(t, srv), "ip", 1, 2, "", nil)
	a.SetInterval(20 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go a.Run(ctx, &wg)

	assert.Eventually(t, func() bool { return rs.count() >= 3 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	wg.Wait()
}
