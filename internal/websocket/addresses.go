package websocket

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/zeebo/blake3"

	"cloudserver/internal/config"
)

// anonymizedLength is the number of hex characters kept from the digest.
const anonymizedLength = 16

// AddressResolver works out the address a request should be attributed to.
type AddressResolver struct {
	trustProxy bool
	anonymize  bool
	key        [32]byte
}

// NewAddressResolver creates a resolver. When addresses are anonymized a
// random key is drawn for this process, so digests are stable for the
// process lifetime but cannot be correlated across restarts.
func NewAddressResolver(proxy config.ProxyConfig) (*AddressResolver, error) {
	a := &AddressResolver{trustProxy: proxy.TrustProxy, anonymize: proxy.AnonymizeAddresses}
	if a.anonymize {
		if _, err := rand.Read(a.key[:]); err != nil {
			return nil, fmt.Errorf("failed to generate anonymization key: %w", err)
		}
	}
	return a, nil
}

// Resolve returns the client address for r, anonymized if configured.
func (a *AddressResolver) Resolve(r *http.Request) string {
	ip := a.remoteIP(r)
	if a.anonymize {
		return a.Anonymize(ip)
	}
	return ip
}

// remoteIP is the socket peer, or the first X-Forwarded-For hop behind a
// trusted proxy.
func (a *AddressResolver) remoteIP(r *http.Request) string {
	if a.trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Anonymize returns a keyed BLAKE3 digest of ip as 16 hex characters.
func (a *AddressResolver) Anonymize(ip string) string {
	hasher, err := blake3.NewKeyed(a.key[:])
	if err != nil {
		panic("websocket: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = hasher.Write([]byte(ip))
	sum := hasher.Sum(nil)
	return hex.EncodeToString(sum)[:anonymizedLength]
}
