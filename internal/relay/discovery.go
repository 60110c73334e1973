package relay

import (
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
)

// ServiceType is the mDNS service type hubs advertise.
const ServiceType = "_dotlock._tcp"

// DefaultDiscoverTimeout bounds a Discover call when ctx has no deadline.
const DefaultDiscoverTimeout = 2 * time.Second

// Service is a hub found on the local network.
type Service struct {
	Instance string
	Host     string
	Addr     string // host:port
	Info     []string
}

// URL returns the websocket URL of the hub.
func (s Service) URL() string {
	return "ws://" + s.Addr + "/ws"
}

// Advertise announces a hub listening on port. Shut the returned server
// down to withdraw the announcement.
func Advertise(port int, info ...string) (*mdns.Server, error) {
	host, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("could not get hostname: %w", err)
	}

	if len(info) == 0 {
		info = []string{"dotlock"}
	}

	service, err := mdns.NewMDNSService(host, ServiceType, "", "", port, nil, info)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("failed to start mDNS server: %w", err)
	}
	return server, nil
}

// Discover browses for hubs until ctx is done or the timeout elapses.
// Results are deduplicated by address and sorted.
func Discover(ctx context.Context, timeout time.Duration) ([]Service, error) {
	if timeout <= 0 {
		timeout = DefaultDiscoverTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}

	entries := make(chan *mdns.ServiceEntry, 16)
	found := make(map[string]Service)
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for e := range entries {
			if s, ok := serviceFromEntry(e); ok {
				found[s.Addr] = s
			}
		}
	}()

	params := mdns.DefaultParams(ServiceType)
	params.Entries = entries
	params.Timeout = timeout
	params.DisableIPv6 = true

	err := mdns.Query(params)
	close(entries)
	<-collected
	if err != nil {
		return nil, fmt.Errorf("mDNS query: %w", err)
	}

	services := make([]Service, 0, len(found))
	for _, s := range found {
		services = append(services, s)
	}
	sort.Slice(services, func(i, j int) bool { return services[i].Addr < services[j].Addr })
	return services, nil
}

// serviceFromEntry converts an mDNS answer. Entries of other services or
// without an IPv4 address and port are skipped.
func serviceFromEntry(e *mdns.ServiceEntry) (Service, bool) {
	if e == nil || e.AddrV4 == nil || e.Port == 0 {
		return Service{}, false
	}
	if !strings.Contains(e.Name, ServiceType) {
		return Service{}, false
	}

	instance := e.Name
	if i := strings.Index(instance, "."+ServiceType); i > 0 {
		instance = instance[:i]
	}

	return Service{
		Instance: instance,
		Host:     strings.TrimSuffix(e.Host, "."),
		Addr:     net.JoinHostPort(e.AddrV4.String(), fmt.Sprint(e.Port)),
		Info:     e.InfoFields,
	}, true
}
