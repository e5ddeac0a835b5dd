// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package eventloop

import (
	"net/netip"

	"github.com/firezone/client-core/internal/ids"
	"github.com/firezone/client-core/internal/iface"
)

// Command is one of the host-originated requests that always take
// priority over tunnel and portal activity (spec.md §4.12).
type Command interface{ isCommand() }

// StopCommand aborts the eventloop cleanly; Poll returns Stopped=true
// on the call that processes it.
type StopCommand struct{}

// ResetCommand removes the connpool peers of the gateways in use,
// re-arms the STUN bindings and clears every tracked resource's flow
// state and DNS-over-TCP connection. TURN allocations and the Portal
// connection are left as they are.
type ResetCommand struct{}

// SetDNSCommand carries a replacement set of upstream DNS servers. The
// eventloop logs how many were given; the resolver's upstream set and
// sentinel mapping are not changed.
type SetDNSCommand struct{ Servers []netip.Addr }

// SetDisabledResourcesCommand marks a set of resources unroutable
// without waiting on a fresh Portal snapshot.
type SetDisabledResourcesCommand struct{ Disabled map[ids.ResourceId]bool }

// SetTunCommand swaps the TUN device the eventloop writes decapsulated
// traffic and DNS answers to, e.g. after the host recreates it.
type SetTunCommand struct{ Tun iface.Tun }

func (StopCommand) isCommand()                  {}
func (ResetCommand) isCommand()                 {}
func (SetDNSCommand) isCommand()                {}
func (SetDisabledResourcesCommand) isCommand()  {}
func (SetTunCommand) isCommand()                {}
