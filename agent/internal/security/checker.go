package security

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math"
	"net"
	"net/url"
	"time"

	"github.com/obsidianstack/relay/agent/internal/config"
	"github.com/obsidianstack/relay/agent/internal/scraper"
	"github.com/obsidianstack/relay/pkg/types"
)

const (
	MetricCertDaysLeft = "relay_tls_cert_days_left"
	MetricCertStatus   = "relay_tls_cert_status"

	// Values of MetricCertStatus.
	StatusValid    = 0
	StatusExpiring = 1
	StatusExpired  = 2

	expiringDays = 30
	dialTimeout  = 10 * time.Second
)

// SourceSuffix is appended to a source ID to form the checker's source ID.
const SourceSuffix = ":tls"

// CertChecker dials a source's TLS endpoint and reports its leaf certificate.
type CertChecker struct {
	src  config.Source
	host string
	now  func() time.Time
}

// NewCertChecker returns a checker for src, or false if src is not served over
// https and has no certificate to inspect.
func NewCertChecker(src config.Source) (*CertChecker, bool) {
	u, err := url.Parse(src.Endpoint)
	if err != nil || u.Scheme != "https" {
		return nil, false
	}
	host := u.Host
	if _, _, err := net.SplitHostPort(host); err != nil {
		// No explicit port in the URL — append the HTTPS default.
		host = net.JoinHostPort(host, "443")
	}
	return &CertChecker{src: src, host: host, now: time.Now}, true
}

// SourceID is the ID under which the checker's samples are keyed.
func (p *CertChecker) SourceID() string { return p.src.ID + SourceSuffix }

// Scrape dials the endpoint and reports days left and status of the leaf
// certificate. Dial failures are carried in ScrapeResult.Err.
func (p *CertChecker) Scrape(ctx context.Context) (*scraper.ScrapeResult, error) {
	now := p.now()
	res := &scraper.ScrapeResult{
		SourceID:   p.SourceID(),
		SourceType: p.src.Type,
		ScrapedAt:  now,
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{},
		Config: &tls.Config{
			InsecureSkipVerify: p.src.TLS.InsecureSkipVerify, //nolint:gosec
		},
	}

	netConn, err := dialer.DialContext(dialCtx, "tcp", p.host)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		res.Err = fmt.Errorf("tls dial %s: %w", p.host, err)
		return res, nil
	}
	conn := netConn.(*tls.Conn)
	defer conn.Close()

	peerCerts := conn.ConnectionState().PeerCertificates
	if len(peerCerts) == 0 {
		res.Err = errors.New("no peer certificates presented")
		return res, nil
	}

	leaf := peerCerts[0]
	daysLeft := leaf.NotAfter.Sub(now).Hours() / 24

	status := StatusValid
	switch {
	case daysLeft <= 0:
		status = StatusExpired
	case daysLeft <= expiringDays:
		status = StatusExpiring
	}

	authType := p.src.Auth.Mode
	if authType == "" {
		authType = "none"
	}
	labels := map[string]string{"auth_type": authType}

	res.Samples = []types.Sample{
		{Source: res.SourceID, Name: MetricCertDaysLeft, Labels: labels, Kind: types.KindGauge, Value: math.Floor(daysLeft), Timestamp: now},
		{Source: res.SourceID, Name: MetricCertStatus, Labels: map[string]string{"auth_type": authType}, Kind: types.KindGauge, Value: float64(status), Timestamp: now},
	}
	return res, nil
}
