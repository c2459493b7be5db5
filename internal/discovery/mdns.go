package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/mdns"

	"github.com/danmuck/autofab/internal/logging"
)

const DefaultBrowseTimeout = 2 * time.Second

// AdvertiseConfig describes this node's service record.
type AdvertiseConfig struct {
	Instance string
	Service  string
	Domain   string
	// Host is the target host name; a trailing dot is added when missing.
	Host string
	Port int
	IPs  []net.IP
	TXT  []string
}

// Advertiser answers mDNS queries for this node until Close.
type Advertiser struct {
	server  *mdns.Server
	service *mdns.MDNSService
}

// Advertise registers the node under cfg.Service so browsers can resolve it.
func Advertise(cfg AdvertiseConfig) (*Advertiser, error) {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("%w: port %d", ErrAdvertise, cfg.Port)
	}
	if cfg.Service == "" {
		cfg.Service = DefaultService
	}
	if cfg.Domain == "" {
		cfg.Domain = DefaultDomain
	}
	host := cfg.Host
	if host == "" {
		name, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("%w: hostname: %v", ErrAdvertise, err)
		}
		host = name
	}
	if !strings.HasSuffix(host, ".") {
		host += "."
	}
	if cfg.Instance == "" {
		cfg.Instance = strings.TrimSuffix(host, ".")
	}

	service, err := mdns.NewMDNSService(cfg.Instance, cfg.Service, cfg.Domain, host, cfg.Port, cfg.IPs, cfg.TXT)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAdvertise, err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAdvertise, err)
	}
	log := logging.Component("discovery")
	log.Info().
		Str("instance", cfg.Instance).
		Str("service", cfg.Service).
		Int("port", cfg.Port).
		Msg("advertising")
	return &Advertiser{server: server, service: service}, nil
}

func (a *Advertiser) Close() error {
	if a == nil || a.server == nil {
		return nil
	}
	return a.server.Shutdown()
}

// Browser resolves peers advertising Service over mDNS.
type Browser struct {
	Service string
	Domain  string
	Timeout time.Duration

	query func(*mdns.QueryParam) error
}

var _ Source = (*Browser)(nil)

func NewBrowser(service, domain string, timeout time.Duration) *Browser {
	if service == "" {
		service = DefaultService
	}
	if domain == "" {
		domain = DefaultDomain
	}
	if timeout <= 0 {
		timeout = DefaultBrowseTimeout
	}
	return &Browser{Service: service, Domain: domain, Timeout: timeout, query: mdns.Query}
}

// Peers runs one browse and returns every resolved answer, deduplicated by name.
func (b *Browser) Peers(ctx context.Context) ([]Peer, error) {
	found, err := b.browse(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Peer, 0, len(found))
	for _, p := range found {
		out = append(out, p)
	}
	sortPeers(out)
	return out, nil
}

func (b *Browser) browse(ctx context.Context) (map[string]Peer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries := make(chan *mdns.ServiceEntry, 32)
	found := make(map[string]Peer)
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for entry := range entries {
			p, ok := peerFromEntry(entry, b.Service, b.Domain)
			if !ok {
				continue
			}
			if prev, dup := found[p.Name]; dup {
				p.Addrs = mergeAddrs(prev.Addrs, p.Addrs)
			}
			found[p.Name] = p
		}
	}()

	err := b.query(&mdns.QueryParam{
		Service: b.Service,
		Domain:  b.Domain,
		Timeout: b.Timeout,
		Entries: entries,
	})
	close(entries)
	<-collected
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBrowse, err)
	}
	return found, nil
}

// Watch browses every interval and sends the resulting add/remove/resolve
// events on out until ctx is done.
func (b *Browser) Watch(ctx context.Context, interval time.Duration, out chan<- Event) {
	log := logging.Component("discovery")
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	prev := map[string]Peer{}
	for {
		next, err := b.browse(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("browse failed")
		} else {
			for _, ev := range Diff(prev, next) {
				log.Debug().Str("event", ev.Kind.String()).Str("peer", ev.Peer.Name).Strs("addrs", ev.Peer.Addrs).Msg("peer change")
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
			prev = next
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func peerFromEntry(e *mdns.ServiceEntry, service, domain string) (Peer, bool) {
	if e == nil || e.Name == "" {
		return Peer{}, false
	}
	p := Peer{Name: instanceName(e.Name, service, domain), Port: e.Port}
	if e.AddrV4 != nil {
		p.Addrs = append(p.Addrs, e.AddrV4.String())
	}
	if e.AddrV6 != nil {
		p.Addrs = append(p.Addrs, e.AddrV6.String())
	}
	return p, true
}

// instanceName strips the service and domain labels from a full record name.
func instanceName(full, service, domain string) string {
	name := strings.TrimSuffix(full, ".")
	suffix := "." + strings.Trim(service, ".") + "." + strings.Trim(domain, ".")
	name = strings.TrimSuffix(name, suffix)
	return strings.ReplaceAll(name, `\ `, " ")
}

func mergeAddrs(a, b []string) []string {
	out := append([]string(nil), a...)
	for _, addr := range b {
		dup := false
		for _, have := range out {
			if have == addr {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, addr)
		}
	}
	return out
}
