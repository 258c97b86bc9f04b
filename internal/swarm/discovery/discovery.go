// Package discovery finds peers three ways: static seed URLs at startup,
// gossip summaries relayed by known peers, and SSDP multicast on the local
// segment. Every channel funnels into a single deduplicated callback.
package discovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/koron/go-ssdp"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"

	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/common"
	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/transport"
)

const (
	ssdpServiceType = "urn:karnevil9:service:swarm-node:1"

	// SSDP notifications carry a 120s max-age; re-announce at half that.
	ssdpMaxAgeSec     = 120
	ssdpAliveInterval = 60 * time.Second
	ssdpSearchWaitSec = 2
)

// Config controls the discovery channels.
type Config struct {
	Seeds            []string `json:"seeds"`
	MulticastEnabled bool     `json:"multicast_enabled"`
	SearchIntervalMs int64    `json:"search_interval_ms"`
}

// DefaultConfig returns discovery defaults: seeds only, multicast off.
func DefaultConfig() Config {
	return Config{SearchIntervalMs: 30_000}
}

// identityFetcher is the one transport call discovery needs; swapped out in
// tests.
type identityFetcher func(ctx context.Context, baseURL string) (*common.NodeIdentity, error)

// Discovery drives all three peer-finding channels.
type Discovery struct {
	self   common.NodeIdentity
	config Config
	fetch  identityFetcher
	logger *slog.Logger

	// onPeerDiscovered fires at most once per node id for the discovery's
	// lifetime; revived peers re-enter through join, not re-discovery.
	onPeerDiscovered func(common.NodeIdentity)
	seen             *cache.Cache

	mu         sync.Mutex
	advertiser *ssdp.Advertiser
	cancel     context.CancelFunc
	done       chan struct{}
}

// New builds a Discovery using client for identity fetches.
func New(self common.NodeIdentity, config Config, client *transport.Client, onPeerDiscovered func(common.NodeIdentity), logger *slog.Logger) *Discovery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discovery{
		self:   self,
		config: config,
		fetch: func(ctx context.Context, baseURL string) (*common.NodeIdentity, error) {
			identity, _, err := client.FetchIdentity(ctx, baseURL)
			return identity, err
		},
		onPeerDiscovered: onPeerDiscovered,
		seen:             cache.New(cache.NoExpiration, 0),
		logger:           logger.With("component", "discovery"),
	}
}

// SetAdvertiseURL rebinds our own URL once the listener address is known.
// Must be called before Bootstrap or Start.
func (d *Discovery) SetAdvertiseURL(url string) {
	d.mu.Lock()
	d.self.APIURL = url
	d.mu.Unlock()
}

// Bootstrap contacts every seed in parallel and reports how many answered.
// A dead seed is logged, not fatal.
func (d *Discovery) Bootstrap(ctx context.Context) int {
	var (
		g       errgroup.Group
		mu      sync.Mutex
		reached int
	)
	g.SetLimit(8)
	for _, seed := range d.config.Seeds {
		seed := seed
		g.Go(func() error {
			identity, err := d.fetch(ctx, seed)
			if err != nil {
				d.logger.Warn("seed unreachable", "seed", seed, "error", err)
				return nil
			}
			if d.ingest(*identity, "seed") {
				mu.Lock()
				reached++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	d.logger.Info("bootstrap complete", "seeds", len(d.config.Seeds), "reached", reached)
	return reached
}

// IngestGossip folds relayed peer summaries in, chasing unknown ids back to
// their identity endpoint.
func (d *Discovery) IngestGossip(ctx context.Context, peers []common.PeerSummary) {
	for _, p := range peers {
		if p.NodeID == "" || p.NodeID == d.self.NodeID || p.APIURL == "" {
			continue
		}
		if _, dup := d.seen.Get(p.NodeID); dup {
			continue
		}
		identity, err := d.fetch(ctx, p.APIURL)
		if err != nil {
			d.logger.Debug("gossiped peer unreachable", "node_id", p.NodeID, "error", err)
			continue
		}
		if identity.NodeID != p.NodeID {
			d.logger.Warn("gossiped node id mismatch", "expected", p.NodeID, "got", identity.NodeID)
			continue
		}
		d.ingest(*identity, "gossip")
	}
}

// ingest dedupes and fires the callback. Returns true when the node id was
// never seen before.
func (d *Discovery) ingest(identity common.NodeIdentity, source string) bool {
	if identity.NodeID == "" || identity.NodeID == d.self.NodeID {
		return false
	}
	if err := d.seen.Add(identity.NodeID, struct{}{}, cache.DefaultExpiration); err != nil {
		return false
	}
	d.logger.Info("peer discovered", "node_id", identity.NodeID, "source", source)
	if d.onPeerDiscovered != nil {
		d.onPeerDiscovered(identity)
	}
	return true
}

// Start launches the multicast announce/search loop when enabled. Multicast
// being unavailable on the host is non-fatal: discovery degrades to seeds
// and gossip.
func (d *Discovery) Start(ctx context.Context) {
	if !d.config.MulticastEnabled {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.done = make(chan struct{})
	d.mu.Unlock()

	ad, err := ssdp.Advertise(ssdpServiceType, "uuid:"+d.self.NodeID, d.self.APIURL, d.self.Name, ssdpMaxAgeSec)
	if err != nil {
		d.logger.Warn("multicast announce unavailable", "error", err)
	} else {
		d.mu.Lock()
		d.advertiser = ad
		d.mu.Unlock()
	}

	go d.multicastLoop(ctx)
}

func (d *Discovery) multicastLoop(ctx context.Context) {
	defer close(d.done)

	searchInterval := time.Duration(d.config.SearchIntervalMs) * time.Millisecond
	if searchInterval <= 0 {
		searchInterval = 30 * time.Second
	}
	alive := time.NewTicker(ssdpAliveInterval)
	search := time.NewTicker(searchInterval)
	defer alive.Stop()
	defer search.Stop()

	d.searchOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-alive.C:
			d.mu.Lock()
			ad := d.advertiser
			d.mu.Unlock()
			if ad != nil {
				if err := ad.Alive(); err != nil {
					d.logger.Debug("multicast alive failed", "error", err)
				}
			}
		case <-search.C:
			d.searchOnce(ctx)
		}
	}
}

func (d *Discovery) searchOnce(ctx context.Context) {
	services, err := ssdp.Search(ssdpServiceType, ssdpSearchWaitSec, "")
	if err != nil {
		d.logger.Debug("multicast search failed", "error", err)
		return
	}
	for _, svc := range services {
		if svc.Location == "" || svc.Location == d.self.APIURL {
			continue
		}
		identity, err := d.fetch(ctx, svc.Location)
		if err != nil {
			continue
		}
		d.ingest(*identity, "multicast")
	}
}

// Stop tears down the multicast loop and sends a byebye.
func (d *Discovery) Stop() {
	d.mu.Lock()
	cancel, done, ad := d.cancel, d.done, d.advertiser
	d.cancel, d.done, d.advertiser = nil, nil, nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if ad != nil {
		_ = ad.Bye()
		_ = ad.Close()
	}
}
