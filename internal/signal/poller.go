package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"
)

// DefaultPollInterval is how often a consumer drains its room mailbox.
const DefaultPollInterval = 1 * time.Second

// SignalFunc receives relayed records addressed to this consumer. Own
// records and records targeted at another user are filtered out before the
// callback runs.
type SignalFunc func(rec Record)

// PollerConfig holds the consumer's connection settings.
type PollerConfig struct {
	BaseURL  string        // gateway base URL, e.g. "http://localhost:8080"
	Token    string        // session token appended to every request
	RoomID   string        // room mailbox to consume
	UserID   string        // own identity, used to filter self-sent records
	Interval time.Duration // poll interval (default 1s)
	Client   *http.Client  // optional HTTP client
}

// Poller consumes a room's signal mailbox by polling and advancing a
// watermark. It also tracks net join/leave per sender so the caller can ask
// who is currently in the room.
type Poller struct {
	config   PollerConfig
	client   *http.Client
	onSignal SignalFunc

	mu        sync.Mutex
	watermark int64
	roster    map[string]bool // userID -> currently joined

	done      chan struct{}
	closeOnce sync.Once
}

// NewPoller creates a Poller. Call Join to announce entry and Start to begin
// consuming.
func NewPoller(config PollerConfig, onSignal SignalFunc) *Poller {
	if config.Interval <= 0 {
		config.Interval = DefaultPollInterval
	}
	client := config.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Poller{
		config:   config,
		client:   client,
		onSignal: onSignal,
		roster:   make(map[string]bool),
		done:     make(chan struct{}),
	}
}

// Join appends a join record announcing this peer to the room.
func (p *Poller) Join(ctx context.Context) error {
	return p.Send(ctx, TypeJoin, "", nil)
}

// Leave appends a leave record. The relay treats it identically whether or
// not this peer is still reachable afterwards, so graceful exits must call
// it before tearing down.
func (p *Poller) Leave(ctx context.Context) error {
	return p.Send(ctx, TypeLeave, "", nil)
}

// Send appends a signal record to the room. targetID may be empty for a
// room-wide record.
func (p *Poller) Send(ctx context.Context, signalType, targetID string, data json.RawMessage) error {
	body, err := json.Marshal(postBody{
		RoomID:     p.config.RoomID,
		TargetID:   targetID,
		SignalType: signalType,
		SignalData: data,
	})
	if err != nil {
		return fmt.Errorf("signal: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.config.BaseURL+"/signal?token="+url.QueryEscape(p.config.Token), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("signal: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("signal: post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("signal: post returned status %d", resp.StatusCode)
	}
	return nil
}

// Start begins the polling loop in a background goroutine. It returns
// immediately; the loop exits when Close is called.
func (p *Poller) Start() {
	go func() {
		ticker := time.NewTicker(p.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.done:
				return
			case <-ticker.C:
				if err := p.Poll(context.Background()); err != nil {
					log.Printf("signal: poll room=%s: %v", p.config.RoomID, err)
				}
			}
		}
	}()
}

// Poll fetches all records past the current watermark, applies join/leave
// bookkeeping, delivers addressed records to the callback, and advances the
// watermark to the highest timestamp returned. Re-polling with the same
// watermark re-delivers nothing; records are idempotent to consume.
func (p *Poller) Poll(ctx context.Context) error {
	p.mu.Lock()
	since := p.watermark
	p.mu.Unlock()

	u := fmt.Sprintf("%s/signal?room_id=%s&since=%s&token=%s",
		p.config.BaseURL,
		url.QueryEscape(p.config.RoomID),
		strconv.FormatInt(since, 10),
		url.QueryEscape(p.config.Token))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("signal: build request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("signal: get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("signal: get returned status %d", resp.StatusCode)
	}

	var out getResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("signal: decode: %w", err)
	}

	p.mu.Lock()
	if out.Timestamp > p.watermark {
		p.watermark = out.Timestamp
	}
	for _, rec := range out.Signals {
		switch rec.SignalType {
		case TypeJoin:
			p.roster[rec.SenderID] = true
		case TypeLeave:
			delete(p.roster, rec.SenderID)
		}
	}
	p.mu.Unlock()

	for _, rec := range out.Signals {
		if rec.SenderID == p.config.UserID {
			continue
		}
		if rec.TargetID != "" && rec.TargetID != p.config.UserID {
			continue
		}
		if p.onSignal != nil {
			p.onSignal(rec)
		}
	}
	return nil
}

// Roster returns the user IDs currently joined to the room, as observed from
// this consumer's own session: the net of join and leave records it has
// replayed so far, sorted for stable output.
func (p *Poller) Roster() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]string, 0, len(p.roster))
	for userID := range p.roster {
		out = append(out, userID)
	}
	sort.Strings(out)
	return out
}

// Watermark returns the consumer's current watermark.
func (p *Poller) Watermark() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.watermark
}

// Close stops the polling loop. It does not append a leave record; callers
// performing a graceful exit should call Leave first.
func (p *Poller) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
}
