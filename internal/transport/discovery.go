package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
)

const ServiceType = "_sketchsync._tcp"

const deviceTXTPrefix = "device="

var (
	ErrNoPeerFound = errors.New("no peer found")
	// ErrPeerDials means the discovered peer is the one that connects.
	ErrPeerDials = errors.New("peer dials this device")
)

// Advertise publishes this device on the local network until the returned
// server is shut down.
func Advertise(deviceID string, port int) (*mdns.Server, error) {
	host, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("could not get hostname: %w", err)
	}

	service, err := mdns.NewMDNSService(
		host,
		ServiceType,
		"",
		"",
		port,
		nil,
		[]string{deviceTXTPrefix + deviceID},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("failed to start mDNS server: %w", err)
	}
	log.Printf("[Discovery] advertising %s as %s on port %d", ServiceType, deviceID, port)
	return server, nil
}

// DiscoveredPeer is one advertised device other than ourselves.
type DiscoveredPeer struct {
	DeviceID string
	Addr     string
}

// Browse returns the first advertised device whose id differs from selfID.
func Browse(ctx context.Context, selfID string, timeout time.Duration) (*DiscoveredPeer, error) {
	entries := make(chan *mdns.ServiceEntry, 8)
	found := make(chan *DiscoveredPeer, 1)
	consumed := make(chan struct{})

	go func() {
		defer close(consumed)
		for e := range entries {
			peer := peerFromEntry(e, selfID)
			if peer == nil {
				continue
			}
			select {
			case found <- peer:
			default:
			}
		}
	}()

	params := mdns.DefaultParams(ServiceType)
	params.Entries = entries
	params.Timeout = timeout
	params.DisableIPv6 = true

	err := mdns.Query(params)
	close(entries)
	<-consumed
	if err != nil {
		return nil, fmt.Errorf("mDNS query failed: %w", err)
	}

	select {
	case peer := <-found:
		return peer, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return nil, ErrNoPeerFound
	}
}

func peerFromEntry(e *mdns.ServiceEntry, selfID string) *DiscoveredPeer {
	if e == nil || e.AddrV4 == nil || e.Port == 0 {
		return nil
	}
	deviceID := ""
	for _, field := range e.InfoFields {
		if strings.HasPrefix(field, deviceTXTPrefix) {
			deviceID = strings.TrimPrefix(field, deviceTXTPrefix)
		}
	}
	if deviceID == "" || deviceID == selfID {
		return nil
	}
	return &DiscoveredPeer{
		DeviceID: deviceID,
		Addr:     fmt.Sprintf("%s:%d", e.AddrV4.String(), e.Port),
	}
}

// ShouldDial reports whether this device initiates the connection. Only the
// smaller id dials so two discovering devices do not both connect.
func ShouldDial(selfID, peerID string) bool {
	return selfID < peerID
}

// DiscoveryResolver adapts Browse to LinkConfig.Resolve. It keeps browsing
// until it finds a peer this device should dial.
func DiscoveryResolver(selfID, path string, timeout time.Duration) func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		peer, err := Browse(ctx, selfID, timeout)
		if err != nil {
			return "", err
		}
		if !ShouldDial(selfID, peer.DeviceID) {
			return "", fmt.Errorf("%w: %s", ErrPeerDials, peer.DeviceID)
		}
		return fmt.Sprintf("ws://%s%s", peer.Addr, path), nil
	}
}

func StaticResolver(url string) func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		return url, nil
	}
}
