// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package portal

import (
	"net/url"
	"testing"

	"github.com/google/uuid"
)

func TestBuildLoginURLUpgradesHTTPSToWSS(t *testing.T) {
	pk := [32]byte{1, 2, 3}
	got, err := BuildLoginURL("https://api.firez.one", LoginURLParams{
		Mode:       ModeClient,
		ExternalID: "abc123",
		Name:       "laptop",
		PublicKey:  &pk,
	})
	if err != nil {
		t.Fatalf("BuildLoginURL: %v", err)
	}

	u, err := url.Parse(got)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	if u.Scheme != "wss" {
		t.Fatalf("expected wss scheme, got %q", u.Scheme)
	}
	if u.Path != "/client/websocket" {
		t.Fatalf("expected /client/websocket path, got %q", u.Path)
	}
	q := u.Query()
	if q.Get("external_id") != "abc123" || q.Get("name") != "laptop" {
		t.Fatalf("unexpected query: %v", q)
	}
	if q.Get("public_key") == "" {
		t.Fatalf("expected public_key query param")
	}
}

func TestBuildLoginURLRefusesInsecureByDefault(t *testing.T) {
	_, err := BuildLoginURL("http://api.firez.one", LoginURLParams{Mode: ModeClient})
	if err != ErrInsecureScheme {
		t.Fatalf("expected ErrInsecureScheme, got %v", err)
	}
}

func TestBuildLoginURLAllowsInsecureOverride(t *testing.T) {
	got, err := BuildLoginURL("http://127.0.0.1:9999", LoginURLParams{Mode: ModeClient, AllowInsecure: true})
	if err != nil {
		t.Fatalf("BuildLoginURL: %v", err)
	}
	u, err := url.Parse(got)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	if u.Scheme != "ws" {
		t.Fatalf("expected ws scheme under override, got %q", u.Scheme)
	}
}

func TestBuildLoginURLRejectsUnknownScheme(t *testing.T) {
	_, err := BuildLoginURL("ftp://api.firez.one", LoginURLParams{Mode: ModeClient})
	if err == nil {
		t.Fatalf("expected an error for an unsupported scheme")
	}
}

func TestBuildLoginURLRelayHasNoPublicKey(t *testing.T) {
	got, err := BuildLoginURL("wss://api.firez.one", LoginURLParams{
		Mode:       ModeRelay,
		Name:       "relay-1",
		ListenPort: 3478,
	})
	if err != nil {
		t.Fatalf("BuildLoginURL: %v", err)
	}
	u, _ := url.Parse(got)
	if u.Path != "/relay/websocket" {
		t.Fatalf("expected /relay/websocket, got %q", u.Path)
	}
	if u.Query().Get("public_key") != "" {
		t.Fatalf("relay login should carry no public_key")
	}
	if u.Query().Get("port") != "3478" {
		t.Fatalf("expected port=3478, got %q", u.Query().Get("port"))
	}
}

func TestExternalIDForHashesUUIDs(t *testing.T) {
	id := uuid.New().String()
	got := ExternalIDFor(id)
	if got == id {
		t.Fatalf("expected a UUID device id to be hashed, got it back verbatim")
	}
	if len(got) != 64 {
		t.Fatalf("expected a 64-char hex sha256 digest, got %d chars", len(got))
	}
}

func TestExternalIDForPassesThroughNonUUID(t *testing.T) {
	got := ExternalIDFor("already-an-external-id")
	if got != "already-an-external-id" {
		t.Fatalf("expected non-UUID device id unchanged, got %q", got)
	}
}
