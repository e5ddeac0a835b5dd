// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package core

import (
	"context"
	"net"
	"time"

	"github.com/firezone/client-core/internal/portal"
)

// start launches the four goroutines a sans-IO core needs a host
// runtime for: three readers that only ever call an Inject* method,
// and the single driver goroutine that calls Poll. The driver is also
// the only caller of Heartbeat — internal/portal.Session's writeEnvelope
// locks only long enough to snapshot the connection, then writes
// outside the lock, so two goroutines pushing concurrently would race
// gorilla/websocket's single-writer requirement. Serializing Heartbeat
// into the same goroutine that drives Poll (rather than a separate
// ticker) keeps the Portal channel owned by a single writer without
// having to touch Session itself.
func (s *Session) start(ctx context.Context) {
	s.wg.Add(4)
	go s.readTunLoop(ctx)
	go s.readUDPLoop(ctx)
	go s.readPortalLoop(ctx)
	go s.driveLoop(ctx)
}

func (s *Session) readTunLoop(ctx context.Context) {
	defer s.wg.Done()
	pool := s.tunPool
	for {
		if ctx.Err() != nil {
			return
		}
		tun := s.tun.get()
		if tun == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(driverTick):
			}
			continue
		}
		buf := pool.Get()
		buf.Reserve(buf.Cap())
		n, err := tun.Read(buf.Bytes())
		if err != nil {
			buf.Release()
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("tun read failed", "err", err)
			continue
		}
		s.el.InjectTunPacket(buf.Bytes()[:n])
		buf.Release()
	}
}

func (s *Session) readUDPLoop(ctx context.Context) {
	defer s.wg.Done()
	pool := s.udpPool
	for {
		if ctx.Err() != nil {
			return
		}
		buf := pool.Get()
		buf.Reserve(buf.Cap())
		n, addr, err := s.udpConn.ReadFrom(buf.Bytes())
		if err != nil {
			buf.Release()
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("udp read failed", "err", err)
			continue
		}
		from, ok := addr.(*net.UDPAddr)
		if !ok {
			buf.Release()
			continue
		}
		s.el.InjectUDPDatagram(from.AddrPort(), s.localUDPAddr, buf.Bytes()[:n])
		buf.Release()
	}
}

func (s *Session) readPortalLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		ev, err := s.portalSession.ReadEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("portal read failed", "err", err)
			continue
		}
		s.el.InjectPortalEvent(ev)
		if ev.Kind == portal.EventDisconnected && ev.DisconnectErr != nil {
			// ReadEvent itself only ever returns a nil error alongside
			// EventDisconnected for a permanent (KindAuthentication)
			// failure — anything transient is retried internally and
			// never reaches here as an event at all.
			return
		}
	}
}

func (s *Session) driveLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(driverTick)
	defer ticker.Stop()

	lastHeartbeat := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if s.el.Poll(now) {
				return
			}
			if now.Sub(lastHeartbeat) >= s.portalSession.HeartbeatInterval() {
				if err := s.portalSession.Heartbeat(); err != nil {
					s.logger.Warn("portal heartbeat failed", "err", err)
				}
				lastHeartbeat = now
			}
		}
	}
}
