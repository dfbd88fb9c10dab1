package dnsresolver

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/busybox42/mailcore/internal/cache"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	mux := dns.NewServeMux()
	mux.HandleFunc("example.com.", func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)
		q := req.Question[0]
		switch q.Qtype {
		case dns.TypeTXT:
			rr, _ := dns.NewRR(`example.com. 300 IN TXT "v=spf1 ip4:192.0.2.0/24 " "-all"`)
			m.Answer = append(m.Answer, rr)
		case dns.TypeMX:
			rr1, _ := dns.NewRR("example.com. 300 IN MX 20 mx2.example.com.")
			rr2, _ := dns.NewRR("example.com. 300 IN MX 10 mx1.example.com.")
			m.Answer = append(m.Answer, rr1, rr2)
		case dns.TypeA:
			rr, _ := dns.NewRR("example.com. 300 IN A 192.0.2.10")
			m.Answer = append(m.Answer, rr)
		}
		_ = w.WriteMsg(m)
	})
	mux.HandleFunc("missing.example.", func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetRcode(req, dns.RcodeNameError)
		_ = w.WriteMsg(m)
	})
	mux.HandleFunc("broken.example.", func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetRcode(req, dns.RcodeServerFailure)
		_ = w.WriteMsg(m)
	})

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: mux, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })

	return pc.LocalAddr().String()
}

func TestDNSResolver(t *testing.T) {
	addr := startTestServer(t)
	r := New(Config{Servers: []string{addr}, Timeout: 2 * time.Second})
	ctx := context.Background()

	txt, err := r.LookupTXT(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"v=spf1 ip4:192.0.2.0/24 -all"}, txt)

	mx, err := r.LookupMX(ctx, "example.com")
	require.NoError(t, err)
	require.Len(t, mx, 2)
	assert.Equal(t, "mx2.example.com.", mx[0].Host)

	ips, err := r.LookupIP(ctx, "example.com")
	require.NoError(t, err)
	require.Len(t, ips, 1)
	assert.Equal(t, "192.0.2.10", ips[0].String())

	_, err = r.LookupTXT(ctx, "missing.example")
	assert.True(t, IsNotFound(err))

	_, err = r.LookupTXT(ctx, "broken.example")
	var lerr *LookupError
	require.True(t, errors.As(err, &lerr))
	assert.True(t, lerr.Temporary())
	assert.False(t, IsNotFound(err))
}

func TestCachingResolver(t *testing.T) {
	ctx := context.Background()
	static := NewStatic()
	static.TXT["example.com"] = []string{"v=spf1 -all"}
	static.Fail["flaky.example"] = true

	c := cache.NewMemory(cache.Config{})
	require.NoError(t, c.Connect())
	defer c.Close()

	r := NewCachingResolver(static, c, time.Minute)

	for i := 0; i < 3; i++ {
		txt, err := r.LookupTXT(ctx, "Example.COM.")
		require.NoError(t, err)
		assert.Equal(t, []string{"v=spf1 -all"}, txt)
	}
	assert.Equal(t, 1, static.QueryCount())

	for i := 0; i < 2; i++ {
		_, err := r.LookupMX(ctx, "example.com")
		assert.True(t, IsNotFound(err))
	}
	assert.Equal(t, 2, static.QueryCount())

	for i := 0; i < 2; i++ {
		_, err := r.LookupTXT(ctx, "flaky.example")
		assert.Error(t, err)
		assert.False(t, IsNotFound(err))
	}
	assert.Equal(t, 4, static.QueryCount())
}
