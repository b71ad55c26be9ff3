package dns

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startResolver runs a UDP DNS server on a random local port that answers A
// queries for the given names and NXDOMAIN for everything else.
func startResolver(t *testing.T, names map[string]string) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	handler := dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		q := r.Question[0]
		if ip, ok := names[q.Name]; ok && q.Qtype == dns.TypeA {
			m.Answer = append(m.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
				A:   net.ParseIP(ip),
			})
		} else {
			m.Rcode = dns.RcodeNameError
		}
		w.WriteMsg(m)
	})

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go srv.ActivateAndServe()
	<-started
	t.Cleanup(func() { srv.Shutdown() })

	return pc.LocalAddr().String()
}

func TestVerifierResolves(t *testing.T) {
	addr := startResolver(t, map[string]string{"google.es.": "142.250.184.3"})

	v := NewVerifier(addr, []string{"blocked.example", "google.es"}, time.Second)
	assert.True(t, v.Verify(context.Background()), "any resolving probe is enough")

	res, err := v.Lookup(context.Background(), "google.es")
	require.NoError(t, err)
	require.True(t, res.Resolved())
	assert.Equal(t, "142.250.184.3", res.Answers[0])
}

func TestVerifierNoAnswers(t *testing.T) {
	addr := startResolver(t, map[string]string{})

	v := NewVerifier(addr, []string{"google.es", "google.com"}, time.Second)
	assert.False(t, v.Verify(context.Background()))

	res, err := v.Lookup(context.Background(), "google.es")
	require.NoError(t, err)
	assert.Equal(t, "NXDOMAIN", res.Rcode)
	assert.False(t, res.Resolved())
}

func TestVerifierUnreachable(t *testing.T) {
	// Bind and close to get a port nothing listens on.
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := pc.LocalAddr().String()
	pc.Close()

	v := NewVerifier(addr, []string{"google.es"}, 200*time.Millisecond)
	start := time.Now()
	assert.False(t, v.Verify(context.Background()))
	assert.Less(t, time.Since(start), 2*time.Second, "verification was not bounded by its timeout")
}
