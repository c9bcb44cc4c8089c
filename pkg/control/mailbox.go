package control

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"warden/pkg/protocol"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

// Command is one mailbox message. The CLI writes commands; the daemon
// consumes them at loop-iteration boundaries.
type Command struct {
	ID        string             `json:"id"`
	Directive protocol.Directive `json:"directive"`
	CreatedAt time.Time          `json:"created_at"`
}

// DefaultFallbackPoll is the mailbox safety-net poll interval used when the
// fsnotify watch misses events (e.g. on network filesystems).
const DefaultFallbackPoll = 10 * time.Second

// Post writes a directive into the mailbox. Returns the command id.
func (c *Controller) Post(d protocol.Directive) (string, error) {
	if !d.Valid() {
		return "", fmt.Errorf("unknown directive %q", d)
	}
	cmd := Command{
		ID:        uuid.NewString(),
		Directive: d,
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return "", fmt.Errorf("marshal command: %w", err)
	}

	// Write-then-rename so the consumer never reads a partial command.
	final := filepath.Join(c.commandsDir(), cmd.CreatedAt.Format("20060102T150405.000000000")+"-"+cmd.ID+".json")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("write command: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return "", fmt.Errorf("post command: %w", err)
	}
	return cmd.ID, nil
}

// Poll consumes the oldest pending command, removing it from the mailbox.
// Returns (nil, nil) when the mailbox is empty.
func (c *Controller) Poll() (*Command, error) {
	entries, err := os.ReadDir(c.commandsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read mailbox: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		names = append(names, e.Name())
	}
	if len(names) == 0 {
		return nil, nil
	}
	sort.Strings(names) // timestamp-prefixed names sort oldest first

	path := filepath.Join(c.commandsDir(), names[0])
	data, err := os.ReadFile(path) //nolint:gosec // mailbox path is controlled by the controller
	if err != nil {
		return nil, fmt.Errorf("read command %s: %w", path, err)
	}

	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		// A malformed command is consumed and dropped so it cannot wedge the mailbox.
		_ = os.Remove(path)
		return nil, fmt.Errorf("parse command %s: %w", path, err)
	}
	if err := os.Remove(path); err != nil {
		return nil, fmt.Errorf("consume command %s: %w", path, err)
	}
	return &cmd, nil
}

// Watch delivers a signal on the returned channel whenever the mailbox may
// have new commands, using fsnotify with a fallback poll ticker as a safety
// net. The channel closes when ctx is cancelled. Consumers still call Poll;
// Watch only wakes them.
func (c *Controller) Watch(ctx context.Context, fallback time.Duration) (<-chan struct{}, error) {
	if fallback <= 0 {
		fallback = DefaultFallbackPoll
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create mailbox watcher: %w", err)
	}
	if err := watcher.Add(c.commandsDir()); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch mailbox dir: %w", err)
	}

	wake := make(chan struct{}, 1)
	notify := func() {
		select {
		case wake <- struct{}{}:
		default: // a pending wake-up already covers this event
		}
	}

	go func() {
		defer close(wake)
		defer watcher.Close() //nolint:errcheck // shutdown path

		ticker := time.NewTicker(fallback)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Rename) {
					notify()
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
				// Watch errors degrade to the fallback ticker.
			case <-ticker.C:
				notify()
			}
		}
	}()
	return wake, nil
}
