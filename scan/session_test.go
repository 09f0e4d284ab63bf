package scan

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, cfg Config, handle *fakeHandle) (*Session, *Summary) {
	t.Helper()
	s, err := NewSession(cfg, handle)
	require.NoError(t, err)
	summary, err := s.Run(context.Background())
	require.NoError(t, err)
	return s, summary
}

func TestSessionNoReplies(t *testing.T) {
	cfg := testConfig("192.168.1.0/30")
	cfg.GlobalTimeout = 2 * time.Second
	cfg.Timeout = time.Second
	cfg.Retries = 5 //需要远超过 2s,所以由全局超时结束

	start := time.Now()
	s, summary := run(t, cfg, newFakeHandle(nil))
	elapsed := time.Since(start)

	assert.Empty(t, summary.Results)
	assert.Equal(t, Complete, s.State())
	assert.False(t, summary.Interrupted)
	assert.GreaterOrEqual(t, elapsed, 1900*time.Millisecond)
	assert.Less(t, elapsed, 2600*time.Millisecond)
}

func TestSessionRepliesInArrivalOrder(t *testing.T) {
	handle := newFakeHandle(replyFrom(map[string]time.Duration{
		"192.168.1.2": 60 * time.Millisecond,
		"192.168.1.5": 5 * time.Millisecond,
	}))

	_, summary := run(t, testConfig("192.168.1.0/29"), handle)

	require.Len(t, summary.Results, 2)
	assert.Equal(t, "192.168.1.5", summary.Results[0].IP.String())
	assert.Equal(t, hostMAC(5), summary.Results[0].MAC)
	assert.Equal(t, "192.168.1.2", summary.Results[1].IP.String())
	assert.Equal(t, hostMAC(2), summary.Results[1].MAC)
	assert.False(t, summary.Results[1].ReceivedAt.Before(summary.Results[0].ReceivedAt))

	assert.Equal(t, 6, summary.ProbeCount)
	assert.Equal(t, 2, summary.ARPCount)
	assert.Len(t, summary.Probes, 6)
	for _, r := range summary.Results {
		latency := summary.Latency(r)
		assert.Greater(t, latency, time.Duration(0))
		assert.Less(t, latency, 100*time.Millisecond)
	}
}

func TestSessionProbeCountPerRetry(t *testing.T) {
	for _, retries := range []int{0, 1, 2, 3} {
		cfg := testConfig("192.168.1.7/32")
		cfg.Timeout = 30 * time.Millisecond
		cfg.Retries = retries
		cfg.GracePeriod = 10 * time.Millisecond
		handle := newFakeHandle(nil)

		_, summary := run(t, cfg, handle)

		assert.Equal(t, retries+1, handle.sentTo("192.168.1.7"), "retries=%d", retries)
		assert.Equal(t, retries+1, summary.ProbeCount)
		require.Len(t, summary.Probes, 1)
		assert.Equal(t, retries, summary.Probes[0].Retries)
		assert.Empty(t, summary.Results)
	}
}

func TestSessionAnswerOnThirdProbe(t *testing.T) {
	handle := newFakeHandle(func(target net.IP, attempt int) []fakeReply {
		if target.String() == "192.168.1.3" && attempt == 3 {
			return []fakeReply{{mac: hostMAC(3), delay: 5 * time.Millisecond}}
		}
		return nil
	})
	cfg := testConfig("192.168.1.0/29")
	cfg.Timeout = 500 * time.Millisecond
	cfg.Retries = 2

	_, summary := run(t, cfg, handle)

	require.Len(t, summary.Results, 1)
	assert.Equal(t, "192.168.1.3", summary.Results[0].IP.String())
	assert.Equal(t, 3, handle.sentTo("192.168.1.3"))
	assert.Equal(t, 3, handle.sentTo("192.168.1.1"), "silent hosts get R+1 probes")
}

func TestSessionCancel(t *testing.T) {
	handle := newFakeHandle(replyFrom(map[string]time.Duration{
		"192.168.1.1": time.Millisecond,
		"192.168.1.2": time.Millisecond,
		"192.168.1.3": time.Millisecond,
	}))
	cfg := testConfig("192.168.1.0/29")
	cfg.Interval = 100 * time.Millisecond
	cfg.Timeout = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var replies int32
	var cancelledAt atomic.Value
	cfg.OnReply = func(ReplyRecord) {
		if atomic.AddInt32(&replies, 1) == 3 {
			cancelledAt.Store(time.Now())
			cancel()
		}
	}

	s, err := NewSession(cfg, handle)
	require.NoError(t, err)
	summary, err := s.Run(ctx)
	require.NoError(t, err)
	returned := time.Now()

	assert.True(t, summary.Interrupted)
	assert.Equal(t, Complete, s.State())
	require.Len(t, summary.Results, 3)
	for i, r := range summary.Results {
		assert.Equal(t, net.IPv4(192, 168, 1, byte(i+1)).String(), r.IP.String())
	}

	at, ok := cancelledAt.Load().(time.Time)
	require.True(t, ok)
	assert.Less(t, returned.Sub(at), 300*time.Millisecond)

	sent := handle.sentTotal()
	assert.LessOrEqual(t, sent, 4)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, sent, handle.sentTotal(), "no probes after the interrupt")
}

func TestSessionDuplicateReplies(t *testing.T) {
	handle := newFakeHandle(func(target net.IP, attempt int) []fakeReply {
		if target.String() != "192.168.1.2" {
			return nil
		}
		return []fakeReply{
			{mac: hostMAC(2), delay: 5 * time.Millisecond},
			{mac: hostMAC(0xee), delay: 20 * time.Millisecond},
		}
	})

	_, summary := run(t, testConfig("192.168.1.0/30"), handle)

	require.Len(t, summary.Results, 1)
	assert.Equal(t, hostMAC(2), summary.Results[0].MAC, "first reply wins")
	assert.Equal(t, 1, summary.Duplicates)
	assert.Equal(t, 2, summary.ARPCount)
}

func TestSessionDiscardsIrrelevantFrames(t *testing.T) {
	handle := newFakeHandle(replyFrom(map[string]time.Duration{"192.168.1.1": 20 * time.Millisecond}))

	valid := arpFrame(layers.ARPReply, net.IPv4(192, 168, 1, 2), hostMAC(2), ourIP, ourMAC)
	handle.inject([]byte{0xde, 0xad, 0xbe, 0xef})
	handle.inject(valid[:20])
	handle.inject(arpFrame(layers.ARPRequest, net.IPv4(192, 168, 1, 2), hostMAC(2), ourIP, BroadcastMAC))
	handle.inject(arpFrame(layers.ARPReply, net.IPv4(192, 168, 1, 2), hostMAC(2), net.IPv4(192, 168, 1, 50), hostMAC(50)))
	handle.inject(arpFrame(layers.ARPReply, net.IPv4(10, 9, 9, 9), hostMAC(9), ourIP, ourMAC))

	_, summary := run(t, testConfig("192.168.1.0/30"), handle)

	require.Len(t, summary.Results, 1)
	assert.Equal(t, "192.168.1.1", summary.Results[0].IP.String())
	assert.Equal(t, 6, summary.PacketCount)
	assert.Equal(t, 1, summary.ARPCount)
}

func TestSessionSurvivesReadErrors(t *testing.T) {
	handle := newFakeHandle(replyFrom(map[string]time.Duration{"192.168.1.2": 30 * time.Millisecond}))
	handle.readErrs = []error{errors.New("interrupted system call"), errors.New("buffer overrun")}

	_, summary := run(t, testConfig("192.168.1.0/30"), handle)

	require.Len(t, summary.Results, 1)
	assert.Equal(t, "192.168.1.2", summary.Results[0].IP.String())
}

func TestSessionWriteErrorAborts(t *testing.T) {
	handle := newFakeHandle(nil)
	handle.writeErr = errors.New("operation not permitted")

	s, err := NewSession(testConfig("192.168.1.0/29"), handle)
	require.NoError(t, err)
	summary, err := s.Run(context.Background())

	var werr *InterfaceWriteError
	require.True(t, errors.As(err, &werr))
	require.NotNil(t, summary)
	assert.Empty(t, summary.Results)
	assert.Equal(t, Complete, s.State())
}

func TestSessionAllAnsweredSkipsGrace(t *testing.T) {
	handle := newFakeHandle(replyFrom(map[string]time.Duration{
		"192.168.1.1": time.Millisecond,
		"192.168.1.2": time.Millisecond,
	}))
	cfg := testConfig("192.168.1.0/30")
	cfg.GracePeriod = 5 * time.Second

	start := time.Now()
	_, summary := run(t, cfg, handle)

	assert.Len(t, summary.Results, 2)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSessionStateTransitions(t *testing.T) {
	var mu sync.Mutex
	var states []State
	cfg := testConfig("192.168.1.0/30")
	cfg.OnState = func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}

	s, err := NewSession(cfg, newFakeHandle(nil))
	require.NoError(t, err)
	assert.Equal(t, Idle, s.State())

	_, err = s.Snapshot()
	assert.Equal(t, ErrNotComplete, err)
	assert.Nil(t, s.Summary())

	_, err = s.Run(context.Background())
	require.NoError(t, err)

	mu.Lock()
	assert.Equal(t, []State{Running, Draining, Complete}, states)
	mu.Unlock()

	_, err = s.Run(context.Background())
	assert.Equal(t, ErrAlreadyStarted, err)
}

func TestSessionSnapshotIdempotent(t *testing.T) {
	handle := newFakeHandle(replyFrom(map[string]time.Duration{"192.168.1.4": time.Millisecond}))
	s, _ := run(t, testConfig("192.168.1.0/29"), handle)

	first, err := s.Snapshot()
	require.NoError(t, err)
	second, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, first, 1)
	assert.LessOrEqual(t, len(first), s.Targets())
}

func TestNewSessionConfigErrors(t *testing.T) {
	bad := func(mutate func(*Config)) Config {
		cfg := testConfig("192.168.1.0/29")
		mutate(&cfg)
		return cfg
	}
	tests := map[string]Config{
		"range":           bad(func(c *Config) { c.Ranges = []string{"192.168.1.0/40"} }),
		"source ip":       bad(func(c *Config) { c.SourceIP = nil }),
		"source mac":      bad(func(c *Config) { c.SourceMAC = net.HardwareAddr{1, 2} }),
		"destination mac": bad(func(c *Config) { c.DestinationMAC = net.HardwareAddr{1} }),
		"timeout":         bad(func(c *Config) { c.Timeout = 0 }),
		"scan timeout":    bad(func(c *Config) { c.GlobalTimeout = -time.Second }),
		"retry count":     bad(func(c *Config) { c.Retries = -1 }),
		"interval":        bad(func(c *Config) { c.Interval = -time.Millisecond }),
	}

	for field, cfg := range tests {
		_, err := NewSession(cfg, newFakeHandle(nil))
		var cerr *ConfigError
		require.True(t, errors.As(err, &cerr), field)
		assert.Equal(t, field, cerr.Field)
	}

	_, err := NewSession(testConfig("192.168.1.0/29"), nil)
	assert.Error(t, err)

	var rerr *InvalidRangeError
	_, err = NewSession(tests["range"], newFakeHandle(nil))
	assert.True(t, errors.As(err, &rerr))
}

func TestSessionExcludesOwnAddress(t *testing.T) {
	cfg := testConfig("192.168.1.96/29")
	handle := newFakeHandle(nil)

	s, summary := run(t, cfg, handle)

	assert.Equal(t, 5, s.Targets())
	assert.Equal(t, 0, handle.sentTo(ourIP.String()))
	assert.Equal(t, 5, summary.ProbeCount)
}

func TestSessionPacing(t *testing.T) {
	cfg := testConfig("192.168.1.0/29")
	cfg.Interval = 50 * time.Millisecond
	cfg.Timeout = 60 * time.Millisecond
	cfg.Retries = 1

	type probe struct {
		at      time.Time
		attempt int
	}
	var mu sync.Mutex
	var probes []probe
	cfg.OnProbe = func(_ net.IP, attempt int) {
		mu.Lock()
		probes = append(probes, probe{time.Now(), attempt})
		mu.Unlock()
	}

	run(t, cfg, newFakeHandle(nil))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, probes, 12, "6 targets, each sent twice")
	retries := 0
	for i, p := range probes {
		if p.attempt == 2 {
			retries++
		}
		if i > 0 {
			assert.GreaterOrEqual(t, p.at.Sub(probes[i-1].at), cfg.Interval, "gap before send %d (attempt %d)", i, p.attempt)
		}
	}
	assert.Equal(t, 6, retries)
}

func TestSessionCallerDeadlineIsNotInterrupt(t *testing.T) {
	cfg := testConfig("192.168.1.0/30")
	cfg.Timeout = time.Second
	cfg.Retries = 3

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	s, err := NewSession(cfg, newFakeHandle(nil))
	require.NoError(t, err)
	start := time.Now()
	summary, err := s.Run(ctx)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, summary.Interrupted)
	assert.Equal(t, Complete, s.State())
}
