package flamingo

import (
	"context"
	"fmt"
	"time"

	"github.com/brutella/dnssd"
)

// flamingoServiceType is the mDNS/Bonjour service type a controller
// advertises on the lab network, used by the host command in place of a
// hardcoded control_ip when none is configured.
const flamingoServiceType = "_flamingo._tcp.local."

// DiscoverController browses the local network for a Flamingo controller
// advertising flamingoServiceType and returns the address (host:port) of
// the first one that responds within timeout.
func DiscoverController(ctx context.Context, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	found := make(chan string, 1)
	added := func(e dnssd.BrowseEntry) {
		if len(e.IPs) == 0 {
			return
		}
		addr := fmt.Sprintf("%s:%d", e.IPs[0].String(), e.Port)
		select {
		case found <- addr:
		default:
		}
	}
	removed := func(dnssd.BrowseEntry) {}

	errCh := make(chan error, 1)
	go func() { errCh <- dnssd.LookupType(ctx, flamingoServiceType, added, removed) }()

	select {
	case addr := <-found:
		return addr, nil
	case <-ctx.Done():
		return "", errConnectFailed("no flamingo controller found via mDNS within " + timeout.String())
	case err := <-errCh:
		if err != nil {
			return "", errConnectFailed(err.Error())
		}
		return "", errConnectFailed("mDNS browse ended before any controller responded")
	}
}
