// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package portal speaks the Phoenix channel protocol over a secured
// WebSocket to authenticate, receive resource/relay updates, and act
// as the signaling plane for ICE candidates and flow creation
// (spec.md §4.11). Session is the one deliberately non-sans-IO piece
// of this client, the same exception already taken for
// internal/dnsintercept.Resolver: a WebSocket connection has no
// meaningful sans-IO decomposition, so it owns a goroutine-free but
// blocking read/write pair instead and is driven by the eventloop's
// own suspension points (spec.md §5).
package portal

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/google/uuid"
)

// Mode selects which Phoenix channel topic a login URL joins.
type Mode string

const (
	ModeClient Mode = "client"
	ModeGateway Mode = "gateway"
	ModeRelay  Mode = "relay"
)

// DeviceInfo carries the optional platform-identifying query
// parameters the portal accepts alongside a login, per spec.md §6.
type DeviceInfo struct {
	DeviceSerial          string
	DeviceUUID            string
	IdentifierForVendor   string
	FirebaseInstallationID string
}

// LoginURLParams describes one login URL's variable parts. PublicKey
// is only meaningful for ModeClient and ModeGateway; Relay logins
// carry no public key.
type LoginURLParams struct {
	Mode       Mode
	ExternalID string
	Name       string
	PublicKey  *[32]byte
	ListenPort uint16
	Info       DeviceInfo

	// AllowInsecure permits a plain ws:// scheme, the explicit test
	// override capability spec.md §6 carves out; production callers
	// must never set this.
	AllowInsecure bool
}

var errMissingHost = errors.New("portal: login url is missing a host")

// ErrInsecureScheme is returned when apiURL resolves to a plain ws://
// (or http://) scheme and AllowInsecure wasn't set.
var ErrInsecureScheme = errors.New("portal: only wss:// login urls are accepted")

// BuildLoginURL renders the Phoenix channel join URL for apiURL,
// following the same path/query construction as the original client's
// `get_websocket_path` (login_url.rs): scheme forced to ws(s), path
// becomes `/{mode}/websocket`, and every identifying field is carried
// as a query parameter rather than in the path or a request body.
func BuildLoginURL(apiURL string, p LoginURLParams) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", fmt.Errorf("portal: invalid url: %w", err)
	}

	if err := setSecureScheme(u, p.AllowInsecure); err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", errMissingHost
	}

	u.Path = singleJoiningSlash(u.Path, string(p.Mode)+"/websocket")

	q := url.Values{}
	if p.ExternalID != "" {
		q.Set("external_id", p.ExternalID)
	}
	if p.Name != "" {
		q.Set("name", p.Name)
	}
	if p.PublicKey != nil {
		q.Set("public_key", base64.StdEncoding.EncodeToString(p.PublicKey[:]))
	}
	if p.ListenPort != 0 {
		q.Set("port", strconv.Itoa(int(p.ListenPort)))
	}
	if p.Info.DeviceSerial != "" {
		q.Set("device_serial", p.Info.DeviceSerial)
	}
	if p.Info.DeviceUUID != "" {
		q.Set("device_uuid", p.Info.DeviceUUID)
	}
	if p.Info.IdentifierForVendor != "" {
		q.Set("identifier_for_vendor", p.Info.IdentifierForVendor)
	}
	if p.Info.FirebaseInstallationID != "" {
		q.Set("firebase_installation_id", p.Info.FirebaseInstallationID)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

func setSecureScheme(u *url.URL, allowInsecure bool) error {
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		if !allowInsecure {
			return ErrInsecureScheme
		}
		u.Scheme = "ws"
	default:
		return fmt.Errorf("portal: invalid scheme %q; only http(s) and ws(s) are allowed", u.Scheme)
	}
	return nil
}

func singleJoiningSlash(a, b string) string {
	aslash := len(a) > 0 && a[len(a)-1] == '/'
	bslash := len(b) > 0 && b[0] == '/'
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	default:
		return a + b
	}
}

// ExternalIDFor decides the value the portal should see for a
// device's identity: its SHA-256 hex digest if deviceID parses as a
// UUID, the raw string otherwise, mirroring the original client's own
// (initially surprising) rule verbatim.
func ExternalIDFor(deviceID string) string {
	if _, err := uuid.Parse(deviceID); err == nil {
		sum := sha256.Sum256([]byte(deviceID))
		return hex.EncodeToString(sum[:])
	}
	return deviceID
}
