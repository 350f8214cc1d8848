package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/learnsync/learnsync/internal/types"
)

// PublisherConfig configures a Publisher.
type PublisherConfig struct {
	// InstanceID identifies this server on the broker. Updates relayed
	// back with our own id are ignored.
	InstanceID string

	// UpdateExpiry is applied to updates published without an expiry.
	UpdateExpiry time.Duration

	Logger *log.Logger
	Now    func() time.Time
}

// PublishResult reports what happened to one update.
type PublishResult struct {
	UpdateID  string   `json:"update_id"`
	Delivered []string `json:"delivered,omitempty"`
	Failed    []string `json:"failed,omitempty"`
	Expired   bool     `json:"expired,omitempty"`
}

// Publisher delivers updates to connected devices, keeps them in the
// backlog and relays them to other instances.
type Publisher struct {
	registry *Registry
	backlog  *Backlog
	broker   Broker
	cfg      PublisherConfig
	logger   *log.Logger
	now      func() time.Time

	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	unsubscribe func()
}

// NewPublisher creates a Publisher. broker may be nil for a single
// instance deployment.
func NewPublisher(registry *Registry, backlog *Backlog, broker Broker, cfg PublisherConfig) *Publisher {
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.UpdateExpiry <= 0 {
		cfg.UpdateExpiry = 24 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[realtime] ", log.LstdFlags)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Publisher{
		registry: registry,
		backlog:  backlog,
		broker:   broker,
		cfg:      cfg,
		logger:   cfg.Logger,
		now:      cfg.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// InstanceID returns the id this publisher relays under.
func (p *Publisher) InstanceID() string { return p.cfg.InstanceID }

// Publish delivers u to the user's connected devices it targets. A
// device whose write fails is unregistered. The update is always added
// to the backlog and relayed to other instances.
func (p *Publisher) Publish(ctx context.Context, u types.RealtimeUpdate) PublishResult {
	now := p.now()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	if u.ExpiresAt.IsZero() {
		u.ExpiresAt = u.CreatedAt.Add(p.cfg.UpdateExpiry)
	}
	if u.Origin == "" {
		u.Origin = p.cfg.InstanceID
	}
	if u.Expired(now) {
		return PublishResult{UpdateID: u.ID, Expired: true}
	}

	res := p.deliver(ctx, &u)
	p.backlog.Append(ctx, u, res.Delivered)
	if u.Origin == p.cfg.InstanceID {
		p.relay(ctx, u)
	}
	return res
}

func (p *Publisher) deliver(ctx context.Context, u *types.RealtimeUpdate) PublishResult {
	res := PublishResult{UpdateID: u.ID}
	for _, c := range p.registry.Connections(u.UserID) {
		if !u.TargetsDevice(c.DeviceID) {
			continue
		}
		if err := p.send(ctx, c, u); err != nil {
			p.logger.Printf("WARNING: failed to deliver %s to %s/%s: %v", u.Kind, c.UserID, c.DeviceID, err)
			p.registry.Unregister(c)
			res.Failed = append(res.Failed, c.DeviceID)
			continue
		}
		res.Delivered = append(res.Delivered, c.DeviceID)
	}
	return res
}

func (p *Publisher) send(ctx context.Context, c *Connection, u *types.RealtimeUpdate) error {
	msg, err := updateMessage(u, c.SessionID, p.now())
	if err != nil {
		return err
	}
	return c.Conn.Send(ctx, msg)
}

func (p *Publisher) relay(ctx context.Context, u types.RealtimeUpdate) {
	if p.broker == nil {
		return
	}
	data, err := json.Marshal(u)
	if err != nil {
		p.logger.Printf("WARNING: failed to encode update %s: %v", u.ID, err)
		return
	}
	channels := []string{GlobalChannel, UserChannel(u.UserID)}
	for _, d := range u.TargetDevices {
		channels = append(channels, DeviceChannel(d))
	}
	for _, ch := range channels {
		if err := p.broker.Publish(ctx, ch, data); err != nil {
			p.logger.Printf("WARNING: failed to relay update %s on %s: %v", u.ID, ch, err)
		}
	}
}

// Start subscribes to the global relay channel and delivers updates
// published by other instances to devices connected here.
func (p *Publisher) Start() error {
	if p.broker == nil {
		return nil
	}
	if p.unsubscribe != nil {
		return fmt.Errorf("publisher already started")
	}
	ch, unsubscribe := p.broker.Subscribe(GlobalChannel)
	p.unsubscribe = unsubscribe

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-p.ctx.Done():
				return
			case data, ok := <-ch:
				if !ok {
					return
				}
				p.receive(data)
			}
		}
	}()
	return nil
}

func (p *Publisher) receive(data []byte) {
	var u types.RealtimeUpdate
	if err := json.Unmarshal(data, &u); err != nil {
		p.logger.Printf("WARNING: dropping undecodable relay message: %v", err)
		return
	}
	if u.Origin == p.cfg.InstanceID || u.Expired(p.now()) {
		return
	}
	res := p.deliver(p.ctx, &u)
	p.backlog.Append(p.ctx, u, res.Delivered)
}

// Stop ends the relay subscription.
func (p *Publisher) Stop() {
	p.cancel()
	if p.unsubscribe != nil {
		p.unsubscribe()
	}
	p.wg.Wait()
}

// Reconnect sends c the backlog entries it missed since its last
// activity and returns how many were delivered. A failed write
// unregisters the connection.
func (p *Publisher) Reconnect(ctx context.Context, c *Connection, since time.Time) int {
	sent := 0
	for _, u := range p.backlog.Pending(c.UserID, c.DeviceID, since) {
		if err := p.send(ctx, c, &u); err != nil {
			p.logger.Printf("WARNING: backlog replay to %s/%s failed: %v", c.UserID, c.DeviceID, err)
			p.registry.Unregister(c)
			return sent
		}
		p.backlog.MarkDelivered(c.UserID, u.ID, c.DeviceID)
		sent++
	}
	return sent
}
