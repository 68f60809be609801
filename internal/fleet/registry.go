// Package fleet owns host and client identity and the per-host lease set
// that derives desired power intent. It is the single writer of leases;
// every other component reads snapshots.
package fleet

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/shuthost/shuthost/internal/eventbus"
)

// Host is a configured fleet member. The identity fields (Name, MAC, IP,
// Port, Secret, BroadcastAddress) come from config and are immutable for
// the lifetime of the Host value; Online/LastProbeAt/LastOnlineAt are
// runtime state owned by the liveness monitor, not by Registry -- Registry
// only stores the identity half and exposes Online via a separate map it
// does not mutate itself.
type Host struct {
	Name             string
	MAC              net.HardwareAddr
	IP               net.IP
	Port             int
	Secret           []byte
	BroadcastAddress net.IP
	Comment          string
}

// Client is an M2M caller permitted to take/release leases.
type Client struct {
	ID      string
	Secret  []byte
	Comment string
}

// TakeResult reports the outcome of a Take call.
type TakeResult struct {
	WasAlready bool
	LeaseCount int
}

// ReleaseResult reports the outcome of a Release call.
type ReleaseResult struct {
	WasPresent bool
	LeaseCount int
}

// Registry tracks configured hosts, clients, and the current lease set
// L(h) for each host. It is the exclusive writer of leases (spec §3
// Ownership); readers take the RLock and clone what they need.
type Registry struct {
	mu sync.RWMutex

	hosts   map[string]Host
	clients map[string]Client
	leases  map[string]map[string]struct{} // host -> set of client IDs

	bus *eventbus.Bus
}

// New creates an empty Registry publishing lease/config events to bus.
func New(bus *eventbus.Bus) *Registry {
	return &Registry{
		hosts:   make(map[string]Host),
		clients: make(map[string]Client),
		leases:  make(map[string]map[string]struct{}),
		bus:     bus,
	}
}

// Host returns the host named name, if configured.
func (r *Registry) Host(name string) (Host, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.hosts[name]
	return h, ok
}

// Client returns the client with the given id, if configured.
func (r *Registry) Client(id string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// Hosts returns a snapshot of every configured host.
func (r *Registry) Hosts() []Host {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Host, 0, len(r.hosts))
	for _, h := range r.hosts {
		out = append(out, h)
	}
	return out
}

// LeaseChangedEvent is published to eventbus.TopicLeaseChanged whenever a
// host's lease set changes.
type LeaseChangedEvent struct {
	Host    string   `json:"host"`
	Clients []string `json:"clients"`
}

// Take records that client holds a lease on host. Idempotent: taking an
// already-held lease succeeds and reports WasAlready=true.
func (r *Registry) Take(host, client string) (TakeResult, error) {
	r.mu.Lock()
	if _, ok := r.hosts[host]; !ok {
		r.mu.Unlock()
		return TakeResult{}, ErrUnknownHost(host)
	}
	if _, ok := r.clients[client]; !ok {
		r.mu.Unlock()
		return TakeResult{}, ErrUnknownClient(client)
	}

	set, ok := r.leases[host]
	if !ok {
		set = make(map[string]struct{})
		r.leases[host] = set
	}
	_, already := set[client]
	set[client] = struct{}{}
	holders := holdersLocked(set)
	r.mu.Unlock()

	r.bus.Publish(eventbus.TopicLeaseChanged, LeaseChangedEvent{Host: host, Clients: holders})
	return TakeResult{WasAlready: already, LeaseCount: len(holders)}, nil
}

// Release drops client's lease on host, if any. Idempotent: releasing a
// lease that doesn't exist succeeds and reports WasPresent=false.
func (r *Registry) Release(host, client string) (ReleaseResult, error) {
	r.mu.Lock()
	if _, ok := r.hosts[host]; !ok {
		r.mu.Unlock()
		return ReleaseResult{}, ErrUnknownHost(host)
	}
	if _, ok := r.clients[client]; !ok {
		r.mu.Unlock()
		return ReleaseResult{}, ErrUnknownClient(client)
	}

	set, ok := r.leases[host]
	var present bool
	if ok {
		_, present = set[client]
		delete(set, client)
	}
	holders := holdersLocked(set)
	r.mu.Unlock()

	r.bus.Publish(eventbus.TopicLeaseChanged, LeaseChangedEvent{Host: host, Clients: holders})
	return ReleaseResult{WasPresent: present, LeaseCount: len(holders)}, nil
}

// LeasesOf returns the current leaseholder set for host.
func (r *Registry) LeasesOf(host string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return holdersLocked(r.leases[host])
}

// HostsLeasedBy returns the names of every host client currently holds a
// lease on.
func (r *Registry) HostsLeasedBy(client string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for host, set := range r.leases {
		if _, ok := set[client]; ok {
			out = append(out, host)
		}
	}
	return out
}

// Desired reports whether host's lease set is non-empty -- the derived
// power intent from spec §3 ("desired(h) = on iff |L(h)| > 0").
func (r *Registry) Desired(host string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.leases[host]) > 0
}

func holdersLocked(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// ApplyConfig replaces the host/client tables with newHosts/newClients.
// Hosts and clients present before but absent from the new tables have
// their leases synthetically released first (spec §4.9/§3 Lifecycles),
// then are dropped. Hosts/clients unchanged keep their existing lease
// state. It returns the set of host names removed (for the caller to stop
// probes/WoL loops for), the set added (to start them), and the set of
// surviving hosts whose lease set changed because a removed client held a
// lease on them (for the caller to re-evaluate desired intent for).
func (r *Registry) ApplyConfig(newHosts map[string]Host, newClients map[string]Client) (removedHosts, addedHosts, affectedHosts []string) {
	r.mu.Lock()

	var releaseNotices []LeaseChangedEvent

	for name := range r.hosts {
		if _, keep := newHosts[name]; !keep {
			releaseNotices = append(releaseNotices, LeaseChangedEvent{Host: name, Clients: nil})
			delete(r.leases, name)
			removedHosts = append(removedHosts, name)
		}
	}
	for clientID := range r.clients {
		if _, keep := newClients[clientID]; !keep {
			for host, set := range r.leases {
				if _, had := set[clientID]; had {
					delete(set, clientID)
					releaseNotices = append(releaseNotices, LeaseChangedEvent{Host: host, Clients: holdersLocked(set)})
					if _, stillConfigured := newHosts[host]; stillConfigured {
						affectedHosts = append(affectedHosts, host)
					}
				}
			}
		}
	}

	for name := range newHosts {
		if _, existed := r.hosts[name]; !existed {
			addedHosts = append(addedHosts, name)
		}
	}

	r.hosts = newHosts
	r.clients = newClients
	r.mu.Unlock()

	r.bus.Publish(eventbus.TopicConfigChanged, struct {
		RemovedHosts []string `json:"removed_hosts"`
		AddedHosts   []string `json:"added_hosts"`
	}{RemovedHosts: removedHosts, AddedHosts: addedHosts})

	for _, n := range releaseNotices {
		r.bus.Publish(eventbus.TopicLeaseChanged, n)
	}

	return removedHosts, addedHosts, affectedHosts
}

// ErrUnknownHost reports that host names a host not present in the
// registry.
type ErrUnknownHost string

func (e ErrUnknownHost) Error() string { return fmt.Sprintf("fleet: unknown host %q", string(e)) }

// ErrUnknownClient reports that id names a client not present in the
// registry.
type ErrUnknownClient string

func (e ErrUnknownClient) Error() string { return fmt.Sprintf("fleet: unknown client %q", string(e)) }

// HostSnapshot is the read-only view of a host plus its current runtime
// state, used by the /api/hosts endpoint.
type HostSnapshot struct {
	Name        string    `json:"name"`
	Online      bool      `json:"online"`
	Leases      []string  `json:"leases"`
	LastProbeAt time.Time `json:"last_probe_at"`
}
