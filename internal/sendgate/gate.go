// Package sendgate decides, per session, whether an encoded unit is sent to
// the peer now or dropped.
package sendgate

import (
	"fmt"
	"sync"

	"github.com/screenrelay/screenrelay/internal/media"
	"github.com/screenrelay/screenrelay/internal/util"
)

// Sender writes one framed unit to the peer.
type Sender interface {
	Send(data []byte) error
}

// Stats counts gate decisions.
type Stats struct {
	Forwarded uint64
	Dropped   uint64
	Resent    uint64
}

// Gate forwards units only while its channel is open and never lets a frame
// precede the config unit in force. Nothing is queued while closed.
type Gate struct {
	id     string
	sender Sender

	mu         sync.Mutex
	open       bool
	config     []byte
	configSent bool
	stats      Stats
}

// New returns a closed gate in front of sender.
func New(id string, sender Sender) *Gate {
	return &Gate{id: id, sender: sender}
}

// Forward sends u if the channel is open and drops it otherwise. Config units
// are remembered even when dropped.
func (g *Gate) Forward(u media.Unit) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if u.IsConfig() {
		g.config = u.Data
		g.configSent = false
		if !g.open {
			g.stats.Dropped++
			return nil
		}
		return g.sendConfigLocked()
	}

	if !g.open {
		g.stats.Dropped++
		return nil
	}
	if !g.configSent {
		if g.config == nil {
			// nothing decodable yet
			g.stats.Dropped++
			return nil
		}
		if err := g.sendConfigLocked(); err != nil {
			g.stats.Dropped++
			return err
		}
		g.stats.Resent++
	}

	if err := g.sender.Send(media.EncodeFrame(u)); err != nil {
		g.stats.Dropped++
		return fmt.Errorf("session %s: send frame: %w", g.id, err)
	}
	g.stats.Forwarded++
	return nil
}

// SetOpen records a channel state change. On open the last config unit is
// sent right away so the peer can decode the next frame.
func (g *Gate) SetOpen(open bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	wasOpen := g.open
	g.open = open
	if !open {
		g.configSent = false
		return nil
	}
	if wasOpen || g.config == nil {
		return nil
	}

	util.GetLogger().Debug("Channel opened, re-sending config", "session", g.id, "size", len(g.config))
	if err := g.sendConfigLocked(); err != nil {
		return err
	}
	g.stats.Resent++
	return nil
}

// Open reports the gate's view of the channel.
func (g *Gate) Open() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

// Stats returns a snapshot of the counters.
func (g *Gate) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}

func (g *Gate) sendConfigLocked() error {
	if err := g.sender.Send(media.EncodeFrame(media.Unit{Kind: media.KindConfig, Data: g.config})); err != nil {
		g.configSent = false
		return fmt.Errorf("session %s: send config: %w", g.id, err)
	}
	g.configSent = true
	g.stats.Forwarded++
	return nil
}
