// Package ipcheck watches the home network's public address. Residential
// uplinks get a new WAN IP without warning; when that happens the bot's
// owner wants to hear about it, and the recent history is kept queryable.
package ipcheck

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/homewatch/homewatch/internal/store"
)

// HistoryPrefix holds one entry per observed address change, keyed by
// millisecond timestamp and trimmed to the newest historyKeep entries.
var HistoryPrefix = store.Path{"ipCheckHistory"}

const historyKeep = 5

const DefaultProbeURL = "https://api.ipify.org"

// Sender delivers the change notification; *notify.Notifier satisfies it.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// Record is one observed WAN address.
type Record struct {
	IP        string    `json:"ip"`
	CheckedAt time.Time `json:"checkedAt"`
}

type Checker struct {
	store    *store.PrefixStore
	sender   Sender
	http     *http.Client
	probeURL string
	interval time.Duration
	log      *slog.Logger
	now      func() time.Time
}

func New(st *store.PrefixStore, sender Sender, probeURL string, interval time.Duration) *Checker {
	if probeURL == "" {
		probeURL = DefaultProbeURL
	}
	return &Checker{
		store:    st,
		sender:   sender,
		http:     &http.Client{Timeout: 15 * time.Second},
		probeURL: probeURL,
		interval: interval,
		log:      slog.Default().With("component", "ipcheck"),
		now:      time.Now,
	}
}

// Run probes once immediately, then on every interval tick until ctx is
// cancelled. Probe failures are logged and retried on the next tick.
func (c *Checker) Run(ctx context.Context) {
	if _, err := c.Check(ctx); err != nil {
		c.log.Warn("ip check failed", "error", err)
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Check(ctx); err != nil {
				c.log.Warn("ip check failed", "error", err)
			}
		}
	}
}

// Check probes the current WAN address once. On a change it appends a
// history record, trims the group, and notifies. Returns whether the
// address changed.
func (c *Checker) Check(ctx context.Context) (bool, error) {
	ip, err := c.probe(ctx)
	if err != nil {
		return false, err
	}
	last, err := c.lastRecorded()
	if err != nil {
		return false, err
	}
	if ip == last {
		return false, nil
	}

	at := c.now()
	path := append(append(store.Path{}, HistoryPrefix...), strconv.FormatInt(at.UnixMilli(), 10))
	if err := c.store.Put(path, Record{IP: ip, CheckedAt: at}); err != nil {
		return false, fmt.Errorf("ipcheck: record %s: %w", ip, err)
	}
	if err := c.store.Trim(HistoryPrefix, historyKeep); err != nil {
		return false, fmt.Errorf("ipcheck: trim history: %w", err)
	}
	c.log.Info("wan address changed", "from", last, "to", ip)

	if c.sender != nil {
		text := fmt.Sprintf("home WAN address changed to %s", ip)
		if last != "" {
			text = fmt.Sprintf("home WAN address changed from %s to %s", last, ip)
		}
		if err := c.sender.Send(ctx, text); err != nil {
			c.log.Warn("change notification failed", "error", err)
		}
	}
	return true, nil
}

func (c *Checker) probe(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.probeURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("ipcheck: probe: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ipcheck: probe returned %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", fmt.Errorf("ipcheck: read probe body: %w", err)
	}
	ip := strings.TrimSpace(string(body))
	if net.ParseIP(ip) == nil {
		return "", fmt.Errorf("ipcheck: probe returned %q, not an address", ip)
	}
	return ip, nil
}

// lastRecorded returns the most recent history entry's address, or "" when
// the history is empty.
func (c *Checker) lastRecorded() (string, error) {
	entries, err := c.store.ByPrefix(HistoryPrefix)
	if err != nil {
		return "", fmt.Errorf("ipcheck: read history: %w", err)
	}
	var (
		newest int64 = -1
		ip     string
	)
	for key, raw := range entries {
		segs := store.ParsePath(key)
		ts, err := strconv.ParseInt(segs[len(segs)-1], 10, 64)
		if err != nil {
			continue
		}
		if ts > newest {
			var rec Record
			if err := json.Unmarshal(raw, &rec); err != nil {
				continue
			}
			newest = ts
			ip = rec.IP
		}
	}
	return ip, nil
}
