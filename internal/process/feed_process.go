// Package process supervises the per-group feed pipelines. Each
// channel group gets one stream client and one lifecycle manager; the
// orchestrator starts a FeedProcess per group and tears them down in
// reverse order on shutdown.
package process

import (
	"context"
	"errors"
	"sync"

	"github.com/oddslab/steamwatch/internal/adapters/inbound/oddsfeed"
	"github.com/oddslab/steamwatch/internal/audit"
	"github.com/oddslab/steamwatch/internal/config"
	"github.com/oddslab/steamwatch/internal/core/lifecycle"
	"github.com/oddslab/steamwatch/internal/events"
	"github.com/oddslab/steamwatch/internal/telemetry"
)

// Deps are the shared collaborators every feed process wires into its
// client. One token provider serves all groups; the upstream issues
// tokens per connection, not per channel set.
type Deps struct {
	Config *config.Config
	Bus    *events.Bus
	Sink   *audit.Sink
	Tokens *oddsfeed.TokenProvider
}

// FeedProcess runs one channel group: the stream client plus the
// lifecycle manager observing its sessions.
type FeedProcess struct {
	group    config.FeedGroup
	client   *oddsfeed.Client
	sessions *lifecycle.Manager

	mu   sync.Mutex
	err  error
	done chan struct{}
}

func New(group config.FeedGroup, deps Deps) *FeedProcess {
	cfg := deps.Config
	client := oddsfeed.NewClient(oddsfeed.ClientConfig{
		StreamURL:      cfg.FeedStreamURL,
		Channels:       group.Channels,
		Group:          group.Name,
		ConnectTimeout: cfg.ConnectTimeout,
		HeartbeatEvery: cfg.HeartbeatEvery,
		Backoff: oddsfeed.BackoffConfig{
			Initial:    cfg.BackoffInitial,
			Max:        cfg.BackoffMax,
			Multiplier: 2,
		},
	}, deps.Tokens, deps.Bus, deps.Sink)

	sessions := lifecycle.NewManager(deps.Bus, deps.Sink)
	client.AddObserver(sessions)

	return &FeedProcess{
		group:    group,
		client:   client,
		sessions: sessions,
		done:     make(chan struct{}),
	}
}

// Start launches the feed loop in its own goroutine. The loop runs
// until ctx is cancelled, Stop is called, the upstream closes cleanly,
// or auth fails for good.
func (p *FeedProcess) Start(ctx context.Context) {
	telemetry.Infof("feed[%s]: starting (channels: %v)", p.group.Name, p.group.Channels)
	go func() {
		defer close(p.done)
		err := p.client.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			p.mu.Lock()
			p.err = err
			p.mu.Unlock()
			telemetry.Errorf("feed[%s]: %v", p.group.Name, err)
			return
		}
		telemetry.Infof("feed[%s]: stopped", p.group.Name)
	}()
}

// Stop closes the socket with a clean code and waits for the loop to
// finish. Safe to call after the loop already ended.
func (p *FeedProcess) Stop() {
	p.client.Stop()
	<-p.done
}

// Done closes when the feed loop has ended for any reason.
func (p *FeedProcess) Done() <-chan struct{} { return p.done }

// Err reports the terminal error, nil after a clean stop. Exhausted
// auth is the case the orchestrator must treat as fatal.
func (p *FeedProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *FeedProcess) Name() string { return p.group.Name }

func (p *FeedProcess) State() oddsfeed.ConnState { return p.client.State() }

// Session exposes the live session snapshot for health inspection.
func (p *FeedProcess) Session() (lifecycle.SessionState, bool) {
	return p.sessions.Current()
}
