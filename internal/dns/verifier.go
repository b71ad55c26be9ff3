package dns

import (
	"context"
	"fmt"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

// Verifier checks that the local resolver answers queries.
type Verifier struct {
	addr    string
	domains []string
	timeout time.Duration
	client  *dns.Client
}

func NewVerifier(addr string, domains []string, timeout time.Duration) *Verifier {
	return &Verifier{
		addr:    addr,
		domains: domains,
		timeout: timeout,
		client:  &dns.Client{Net: "udp", Timeout: timeout},
	}
}

// LookupResult is the outcome of a single A query.
type LookupResult struct {
	Domain  string
	Rcode   string
	Answers []string
	RTT     time.Duration
}

// Resolved reports whether the query returned at least one answer.
func (r *LookupResult) Resolved() bool {
	return r.Rcode == dns.RcodeToString[dns.RcodeSuccess] && len(r.Answers) > 0
}

// Lookup sends an A query for domain to the local resolver.
func (v *Verifier) Lookup(ctx context.Context, domain string) (*LookupResult, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(domain), dns.TypeA)
	m.RecursionDesired = true

	r, rtt, err := v.client.ExchangeContext(ctx, m, v.addr)
	if err != nil {
		return nil, fmt.Errorf("query %s via %s: %w", domain, v.addr, err)
	}

	res := &LookupResult{
		Domain: domain,
		Rcode:  dns.RcodeToString[r.Rcode],
		RTT:    rtt,
	}
	for _, ans := range r.Answer {
		switch rr := ans.(type) {
		case *dns.A:
			res.Answers = append(res.Answers, rr.A.String())
		case *dns.CNAME:
			res.Answers = append(res.Answers, rr.Target)
		}
	}
	return res, nil
}

// Verify succeeds if any probe domain resolves.
func (v *Verifier) Verify(ctx context.Context) bool {
	for _, domain := range v.domains {
		res, err := v.Lookup(ctx, domain)
		if err != nil {
			logrus.WithError(err).WithField("domain", domain).Debug("DNS probe failed")
			continue
		}
		if res.Resolved() {
			logrus.WithFields(logrus.Fields{
				"domain": domain,
				"rtt":    res.RTT,
			}).Debug("DNS probe resolved")
			return true
		}
		logrus.WithFields(logrus.Fields{
			"domain": domain,
			"rcode":  res.Rcode,
		}).Debug("DNS probe returned no answer")
	}
	return false
}
