package source

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"net/url"
	"time"

	"github.com/heartwatch/heartwatch/watchdog/internal/config"
)

var errNoPeerCert = errors.New("server presented no certificate")

// CertState classifies a data source certificate.
type CertState string

const (
	CertValid       CertState = "valid"
	CertExpiring    CertState = "expiring"
	CertExpired     CertState = "expired"
	CertUnreachable CertState = "unreachable"
)

// certExpiringWithin is the horizon under which a certificate is reported as expiring.
const certExpiringWithin = 30 * 24 * time.Hour

// CertStatus is the leaf certificate of one https source address.
type CertStatus struct {
	Address  string
	State    CertState
	NotAfter time.Time
	Issuer   string
	DaysLeft int
	Err      error // set when State is CertUnreachable
}

// CheckCerts inspects the certificate of every https address of src, using
// the same TLS options as queries. Plain http addresses are skipped.
func CheckCerts(ctx context.Context, src config.SourceConfig) []CertStatus {
	tlsCfg := baseTransport(src).TLSClientConfig
	now := time.Now()

	var out []CertStatus
	for _, addr := range src.Addresses {
		u, err := url.Parse(addr)
		if err != nil || u.Scheme != "https" {
			continue
		}
		cs := CertStatus{Address: addr}
		leaf, err := fetchLeaf(ctx, hostPort(u), tlsCfg)
		if err != nil {
			cs.State, cs.Err = CertUnreachable, err
		} else {
			cs.NotAfter = leaf.NotAfter.UTC()
			cs.Issuer = leaf.Issuer.CommonName
			cs.State, cs.DaysLeft = classifyCert(leaf.NotAfter, now)
		}
		out = append(out, cs)
	}
	return out
}

// classifyCert returns the state of a certificate expiring at notAfter and
// the whole days left before it does.
func classifyCert(notAfter, now time.Time) (CertState, int) {
	left := notAfter.Sub(now)
	days := int(left / (24 * time.Hour))
	switch {
	case left <= 0:
		return CertExpired, days
	case left <= certExpiringWithin:
		return CertExpiring, days
	default:
		return CertValid, days
	}
}

func hostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	return net.JoinHostPort(u.Hostname(), "443")
}

func fetchLeaf(ctx context.Context, addr string, tlsCfg *tls.Config) (*x509.Certificate, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()

	dialer := &tls.Dialer{Config: tlsCfg}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	certs := conn.(*tls.Conn).ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return nil, errNoPeerCert
	}
	return certs[0], nil
}
