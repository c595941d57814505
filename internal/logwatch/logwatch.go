// Package logwatch tails the dnsmasq query log and forwards the lines that
// concern enforced devices, so the controller can see what names a device
// actually resolves.
package logwatch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"palisade/internal/logging"
)

// Watcher tails one log file. The producer (dnsmasq) appends to the file;
// each pass renames it aside and reads the renamed copy, so a line is never
// processed twice and the producer recreates a fresh file on its next write.
type Watcher struct {
	path string
	// deviceIPs lists the addresses whose log lines are of interest.
	deviceIPs func() []string
	publish   func(lines []string)
	log       *logging.Logger
}

// New creates a watcher for path. deviceIPs supplies the current device
// addresses; publish receives each batch of matching lines.
func New(path string, deviceIPs func() []string, publish func(lines []string)) *Watcher {
	return &Watcher{
		path:      path,
		deviceIPs: deviceIPs,
		publish:   publish,
		log:       logging.Default().WithComponent("logwatch"),
	}
}

// Run processes the existing file, then forwards new content as it is
// written, until ctx is cancelled. A missing file at startup is not an
// error; the watcher waits for the producer to create it.
func (w *Watcher) Run(ctx context.Context) error {
	notifier, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer notifier.Close()

	// Watch the directory, not the file: the rename-aside pass and the
	// producer's recreate would otherwise detach the watch.
	if err := notifier.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}

	if err := w.drain(); err != nil {
		w.log.Warn("initial drain failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-notifier.Events:
			if !ok {
				return nil
			}
			if ev.Name != w.path || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if err := w.drain(); err != nil {
				w.log.Warn("drain failed", "error", err)
			}
		case err, ok := <-notifier.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error", "error", err)
		}
	}
}

// drain renames the log aside, reads it and publishes the lines mentioning
// any enforced device address.
func (w *Watcher) drain() error {
	tmp := w.path + ".tmp"
	if err := os.Rename(w.path, tmp); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("rotate log: %w", err)
	}
	defer os.Remove(tmp)

	f, err := os.Open(tmp)
	if err != nil {
		return fmt.Errorf("open rotated log: %w", err)
	}
	defer f.Close()

	ips := w.deviceIPs()
	var matched []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		for _, ip := range ips {
			if strings.Contains(line, ip) {
				matched = append(matched, line)
				break
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read rotated log: %w", err)
	}

	if len(matched) > 0 {
		w.log.Debug("forwarding log lines", "count", len(matched))
		w.publish(matched)
	}
	return nil
}
