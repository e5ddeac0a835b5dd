// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/firezone/client-core/internal/errors"
	"github.com/firezone/client-core/internal/logging"
	"github.com/firezone/client-core/internal/metrics"
)

const (
	channelTopic = "client"

	// heartbeatInterval matches Phoenix's own default; the server
	// times out a channel that misses a few of these.
	heartbeatInterval = 30 * time.Second

	initialBackoff = 1 * time.Second
	maxBackoff      = 2 * time.Minute
	backoffFactor   = 2.0

	// maxPartitionTime bounds how long Session keeps retrying before
	// giving up and surfacing a permanent disconnect, per spec.md
	// §4.11's "maximum partition time".
	maxPartitionTime = 5 * time.Minute
)

// EventKind classifies one decoded inbound portal event.
type EventKind int

const (
	EventConnected EventKind = iota
	EventInit
	EventConfigChanged
	EventIceCandidates
	EventInvalidateIceCandidates
	EventResourceCreatedOrUpdated
	EventResourceDeleted
	EventRelaysPresence
	EventCreateFlowOk
	EventCreateFlowErr
	EventDisconnected
)

// Event is what ReadEvent hands back to the eventloop: exactly one of
// the typed payload fields is populated, selected by Kind.
type Event struct {
	Kind EventKind

	Init                   Init
	ConfigChanged          ConfigChanged
	IceCandidates          IceCandidates
	InvalidateIceCandidates InvalidateIceCandidates
	ResourceCreatedOrUpdated ResourceCreatedOrUpdated
	ResourceDeleted        ResourceDeleted
	RelaysPresence         RelaysPresence
	CreateFlowOk           CreateFlowOk
	CreateFlowErr          CreateFlowErr

	// DisconnectErr is set on EventDisconnected; KindAuthentication
	// means the disconnect is permanent (spec.md §4.12's failure
	// semantics). ReadEvent reports a lost connection, phx_error and
	// phx_close as EventDisconnected with KindTransientSignaling.
	DisconnectErr error
}

// Dialer opens the underlying WebSocket transport. The default wraps
// *websocket.Dialer; tests substitute one that talks to an in-process
// server.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (*websocket.Conn, error)
}

type defaultDialer struct{ d websocket.Dialer }

func (w defaultDialer) Dial(ctx context.Context, url string, header http.Header) (*websocket.Conn, error) {
	conn, resp, err := w.d.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, errors.Wrap(err, errors.KindAuthentication, "portal: rejected during handshake")
		}
		return nil, errors.Wrap(err, errors.KindTransientSignaling, "portal: dial failed")
	}
	return conn, nil
}

// NewDefaultDialer returns the production Dialer, a thin wrapper over
// a gorilla/websocket Dialer with a 10-second handshake timeout.
func NewDefaultDialer() Dialer {
	return defaultDialer{d: websocket.Dialer{HandshakeTimeout: 10 * time.Second}}
}

// Session owns one Portal WebSocket connection and the single Phoenix
// channel this client joins on it. It is the one piece of this
// package that performs real I/O: connect/reconnect, the join
// handshake, heartbeats, and the blocking read loop all live here.
type Session struct {
	dialer Dialer
	url    string
	token  string
	logger *logging.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	joinRef int
	msgRef  int
	joined  bool
}

// NewSession builds a Session that will dial loginURL (produced by
// BuildLoginURL), authenticating with token both via the HTTP
// handshake's Authorization header and the channel join payload's
// token field, matching spec.md §6's "sent via Authorization: Bearer
// <token> ... and as the channel's token parameter".
func NewSession(dialer Dialer, loginURL, token string, logger *logging.Logger) *Session {
	if logger == nil {
		logger = logging.WithComponent("portal")
	}
	return &Session{dialer: dialer, url: loginURL, token: token, logger: logger}
}

// Connect dials the portal and performs the Phoenix join handshake,
// retrying with exponential backoff (capped at maxBackoff) until
// maxPartitionTime elapses without a successful connection, at which
// point it returns a KindAuthentication-free transient error for the
// caller to treat as permanent for this attempt. A rejected join
// (unauthorized) returns immediately without retrying, since gateway
// and portal authentication failures are non-retryable per spec.md
// §4.12.
func (s *Session) Connect(ctx context.Context) error {
	backoff := initialBackoff
	start := time.Now()

	for {
		err := s.dialAndJoin(ctx)
		if err == nil {
			return nil
		}

		var authErr *errors.Error
		if isAuthFailure(err, &authErr) {
			return err
		}

		if time.Since(start) > maxPartitionTime {
			return errors.Wrap(err, errors.KindTransientSignaling, "portal: exceeded maximum partition time")
		}

		s.logger.Warn("portal connect failed, retrying", "error", err, "backoff", backoff)
		metrics.Get().PortalReconnects.Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * backoffFactor)
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func isAuthFailure(err error, target **errors.Error) bool {
	e, ok := err.(*errors.Error)
	if !ok {
		return false
	}
	*target = e
	return e.Kind == errors.KindAuthentication
}

func (s *Session) dialAndJoin(ctx context.Context) error {
	header := http.Header{}
	if s.token != "" {
		header.Set("Authorization", "Bearer "+s.token)
	}

	conn, err := s.dialer.Dial(ctx, s.url, header)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.joinRef++
	joinRef := s.joinRef
	s.joined = false
	s.mu.Unlock()

	payload, err := json.Marshal(map[string]string{"token": s.token})
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "portal: marshal join payload")
	}
	env := envelope{
		JoinRef: strPtr(strconv.Itoa(joinRef)),
		Ref:     strPtr(strconv.Itoa(joinRef)),
		Topic:   channelTopic,
		Event:   eventPhxJoin,
		Payload: payload,
	}
	if err := s.writeEnvelope(env); err != nil {
		_ = conn.Close()
		return errors.Wrap(err, errors.KindTransientSignaling, "portal: write join frame")
	}

	reply, err := s.readEnvelope()
	if err != nil {
		_ = conn.Close()
		return errors.Wrap(err, errors.KindTransientSignaling, "portal: read join reply")
	}
	if reply.Event != eventPhxReply {
		_ = conn.Close()
		return errors.Errorf(errors.KindProtocolViolation, "portal: expected phx_reply, got %q", reply.Event)
	}

	var parsed struct {
		Status   string          `json:"status"`
		Response json.RawMessage `json:"response"`
	}
	if err := json.Unmarshal(reply.Payload, &parsed); err != nil {
		_ = conn.Close()
		return errors.Wrap(err, errors.KindProtocolViolation, "portal: malformed join reply")
	}
	if parsed.Status != replyStatusOK {
		_ = conn.Close()
		return errors.Errorf(errors.KindAuthentication, "portal: join rejected: %s", parsed.Response)
	}

	s.mu.Lock()
	s.joined = true
	s.mu.Unlock()

	return nil
}

// ReadEvent blocks for the next decoded portal event, transparently
// answering heartbeats and ignoring unrelated reply frames. Any
// non-fatal read error is folded into EventDisconnected rather than
// returned, matching spec.md §4.12's "Portal disconnect is always
// retried; the client never surfaces it unless authentication fails
// permanently" — the eventloop's job is to call Connect again.
func (s *Session) ReadEvent(ctx context.Context) (Event, error) {
	for {
		env, err := s.readEnvelope()
		if err != nil {
			return Event{Kind: EventDisconnected, DisconnectErr: errors.Wrap(err, errors.KindTransientSignaling, "portal: connection lost")}, nil
		}

		switch env.Event {
		case eventPhxReply:
			continue // replies to our own pushes are not tracked; they are skipped
		case eventPhxError:
			return Event{Kind: EventDisconnected, DisconnectErr: errors.New(errors.KindTransientSignaling, "portal: channel error")}, nil
		case eventPhxClose:
			return Event{Kind: EventDisconnected, DisconnectErr: errors.New(errors.KindTransientSignaling, "portal: channel closed")}, nil
		}

		ev, ok, err := decodeEvent(env)
		if err != nil {
			s.logger.Warn("portal: dropping malformed event", "event", env.Event, "error", err)
			continue
		}
		if !ok {
			continue
		}
		return ev, nil
	}
}

func decodeEvent(env envelope) (Event, bool, error) {
	switch env.Event {
	case eventInit:
		var v Init
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return Event{}, false, err
		}
		return Event{Kind: EventInit, Init: v}, true, nil
	case eventConfigChanged:
		var v ConfigChanged
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return Event{}, false, err
		}
		return Event{Kind: EventConfigChanged, ConfigChanged: v}, true, nil
	case eventIceCandidates:
		var v IceCandidates
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return Event{}, false, err
		}
		return Event{Kind: EventIceCandidates, IceCandidates: v}, true, nil
	case eventInvalidateIceCandidates:
		var v InvalidateIceCandidates
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return Event{}, false, err
		}
		return Event{Kind: EventInvalidateIceCandidates, InvalidateIceCandidates: v}, true, nil
	case eventResourceCreatedOrUpdated:
		var v ResourceCreatedOrUpdated
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return Event{}, false, err
		}
		return Event{Kind: EventResourceCreatedOrUpdated, ResourceCreatedOrUpdated: v}, true, nil
	case eventResourceDeleted:
		var v ResourceDeleted
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return Event{}, false, err
		}
		return Event{Kind: EventResourceDeleted, ResourceDeleted: v}, true, nil
	case eventRelaysPresence:
		var v RelaysPresence
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return Event{}, false, err
		}
		return Event{Kind: EventRelaysPresence, RelaysPresence: v}, true, nil
	case eventCreateFlowOk:
		var v CreateFlowOk
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return Event{}, false, err
		}
		return Event{Kind: EventCreateFlowOk, CreateFlowOk: v}, true, nil
	case eventCreateFlowErr:
		var v CreateFlowErr
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return Event{}, false, err
		}
		return Event{Kind: EventCreateFlowErr, CreateFlowErr: v}, true, nil
	default:
		return Event{}, false, nil
	}
}

// PushCreateFlow sends a create_flow request for resource over the
// joined channel.
func (s *Session) PushCreateFlow(msg CreateFlow) error {
	return s.push(eventCreateFlow, msg)
}

// PushBroadcastIceCandidates sends newly gathered local candidates to
// one or more gateways.
func (s *Session) PushBroadcastIceCandidates(msg BroadcastIceCandidates) error {
	return s.push(eventBroadcastIceCandidates, msg)
}

// PushBroadcastInvalidatedIceCandidates tells one or more gateways to
// drop candidates this client no longer considers valid.
func (s *Session) PushBroadcastInvalidatedIceCandidates(msg BroadcastInvalidatedIceCandidates) error {
	return s.push(eventBroadcastInvalidatedIceCandidates, msg)
}

func (s *Session) push(event string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "portal: marshal outbound payload")
	}

	s.mu.Lock()
	s.msgRef++
	ref := s.msgRef
	joinRef := s.joinRef
	s.mu.Unlock()

	return s.writeEnvelope(envelope{
		JoinRef: strPtr(strconv.Itoa(joinRef)),
		Ref:     strPtr(strconv.Itoa(ref)),
		Topic:   channelTopic,
		Event:   event,
		Payload: payload,
	})
}

// Heartbeat sends one Phoenix heartbeat; the caller is responsible
// for invoking this roughly every heartbeatInterval while connected.
func (s *Session) Heartbeat() error {
	return s.writeEnvelope(envelope{
		Ref:   strPtr("0"),
		Topic: "phoenix",
		Event: eventHeartbeat,
		Payload: json.RawMessage("{}"),
	})
}

// HeartbeatInterval reports the cadence Heartbeat should be driven at.
func (s *Session) HeartbeatInterval() time.Duration { return heartbeatInterval }

func (s *Session) writeEnvelope(env envelope) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("portal: not connected")
	}
	b, err := env.MarshalJSON()
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (s *Session) readEnvelope() (envelope, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return envelope{}, fmt.Errorf("portal: not connected")
	}
	_, b, err := conn.ReadMessage()
	if err != nil {
		return envelope{}, err
	}
	var env envelope
	if err := env.UnmarshalJSON(b); err != nil {
		return envelope{}, err
	}
	return env, nil
}

// Close tears down the current connection, if any.
func (s *Session) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.joined = false
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
