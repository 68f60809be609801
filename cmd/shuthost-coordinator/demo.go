package main

import (
	"context"
	"net"

	"github.com/shuthost/shuthost/internal/config"
	"github.com/shuthost/shuthost/internal/fleet"
	"github.com/shuthost/shuthost/internal/liveness"
	"github.com/shuthost/shuthost/internal/power"
)

// demoHosts is the synthetic fleet demo-service presents: demo-1 is
// already up with no lease, demo-2 is down with a standing lease so its
// WoL loop is visible, demo-3 is down with nothing wanting it.
func demoHosts() map[string]fleet.Host {
	mac := func(b byte) net.HardwareAddr { return net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, b} }
	return map[string]fleet.Host{
		"demo-1": {Name: "demo-1", MAC: mac(1), IP: net.ParseIP("192.0.2.11"), Port: 5757, Secret: []byte("demo-secret-1"), Comment: "already awake"},
		"demo-2": {Name: "demo-2", MAC: mac(2), IP: net.ParseIP("192.0.2.12"), Port: 5757, Secret: []byte("demo-secret-2"), Comment: "asleep, wanted"},
		"demo-3": {Name: "demo-3", MAC: mac(3), IP: net.ParseIP("192.0.2.13"), Port: 5757, Secret: []byte("demo-secret-3"), Comment: "asleep, idle"},
	}
}

func demoClients() map[string]fleet.Client {
	return map[string]fleet.Client{
		"demo-client": {ID: "demo-client", Secret: []byte("demo-client-secret"), Comment: "synthetic demo caller"},
	}
}

// seedDemoFleet populates the registry with the synthetic fleet, points
// the liveness monitor at fixed (non-network) online states, and takes an
// initial lease on demo-2 so the WoL loop has something to do.
func seedDemoFleet(ctx context.Context, registry *fleet.Registry, monitor *liveness.Monitor, controller *power.Controller, onLoad config.ReloadFunc) {
	monitor.SetDemoOnline(map[string]bool{
		"demo-1": true,
		"demo-2": false,
		"demo-3": false,
	})

	onLoad(demoHosts(), demoClients())
	monitor.Start(ctx)

	if _, err := registry.Take("demo-2", "demo-client"); err == nil {
		controller.Evaluate("demo-2", registry.Desired("demo-2"), monitor.Online("demo-2"))
	}
}
