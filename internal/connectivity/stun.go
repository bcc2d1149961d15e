package connectivity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pion/stun/v3"
)

// Connection type labels.
const (
	NATTypeUnknown          = "unknown"
	NATTypeSymmetric        = "symmetric"
	NATTypeConeOrRestricted = "cone_or_restricted"
	TypeNone                = "none"
	TypeStatic              = "static"
)

// ErrNoServers is returned when a STUN check has nothing to query.
var ErrNoServers = errors.New("no STUN servers configured")

// Reachability is the outcome of one STUN round over every configured server.
type Reachability struct {
	PublicAddr string
	NATType    string
}

// CheckSTUN sends a binding request to each server. Any answer proves the
// host reaches the internet; comparing the mapped addresses classifies the NAT.
func CheckSTUN(ctx context.Context, servers []string, timeout time.Duration) (Reachability, error) {
	if len(servers) == 0 {
		return Reachability{NATType: NATTypeUnknown}, ErrNoServers
	}

	mapped := make([]string, 0, len(servers))
	var lastErr error
	for _, server := range servers {
		addr, err := bindingRequest(ctx, server, timeout)
		if err != nil {
			lastErr = fmt.Errorf("stun %s: %w", server, err)
			continue
		}
		mapped = append(mapped, addr)
	}

	if len(mapped) == 0 {
		return Reachability{NATType: NATTypeUnknown}, lastErr
	}
	return Reachability{PublicAddr: mapped[0], NATType: Classify(mapped)}, nil
}

// Classify infers NAT type by comparing mapped addresses from multiple servers.
func Classify(addrs []string) string {
	if len(addrs) < 2 {
		return NATTypeUnknown
	}
	for _, addr := range addrs[1:] {
		if addr != addrs[0] {
			return NATTypeSymmetric
		}
	}
	return NATTypeConeOrRestricted
}

func bindingRequest(ctx context.Context, server string, timeout time.Duration) (string, error) {
	raw := strings.TrimSpace(server)
	if raw == "" {
		return "", fmt.Errorf("empty STUN server")
	}
	if !strings.HasPrefix(raw, "stun:") {
		raw = "stun:" + raw
	}

	uri, err := stun.ParseURI(raw)
	if err != nil {
		return "", err
	}
	client, err := stun.DialURI(uri, &stun.DialConfig{})
	if err != nil {
		return "", err
	}
	defer client.Close()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type answer struct {
		addr string
		err  error
	}
	done := make(chan answer, 1)
	go func() {
		var xor stun.XORMappedAddress
		var got answer
		err := client.Do(stun.MustBuild(stun.TransactionID, stun.BindingRequest), func(ev stun.Event) {
			if ev.Error != nil {
				got.err = ev.Error
				return
			}
			if err := xor.GetFrom(ev.Message); err != nil {
				got.err = err
				return
			}
			got.addr = xor.String()
		})
		if err != nil && got.err == nil {
			got.err = err
		}
		done <- got
	}()

	select {
	case a := <-done:
		return a.addr, a.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
