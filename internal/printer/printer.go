// Package printer sends raw ESC/POS receipt data to a network thermal
// printer. Receipts are rendered by the POS UI; this side only moves
// bytes. Simulate mode spools receipts to disk instead of a device,
// which is how development terminals run.
package printer

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"
)

// Config holds printer connection settings.
type Config struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Simulate bool   `toml:"simulate"`
	SpoolDir string `toml:"spoolDir"`
}

// Printer writes receipt bytes to the configured device.
type Printer struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a printer with defaults applied.
func New(cfg Config, logger *slog.Logger) *Printer {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port <= 0 {
		cfg.Port = 9100
	}
	if cfg.SpoolDir == "" {
		cfg.SpoolDir = os.TempDir()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Printer{cfg: cfg, logger: logger.With("component", "printer")}
}

// Print sends one receipt. In simulate mode the bytes are written to a
// spool file and the device is never contacted.
func (p *Printer) Print(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty receipt")
	}

	if p.cfg.Simulate {
		name := filepath.Join(p.cfg.SpoolDir, fmt.Sprintf("receipt-%d.bin", time.Now().UnixNano()))
		if err := os.WriteFile(name, data, 0o644); err != nil {
			return fmt.Errorf("spool receipt: %w", err)
		}
		p.logger.Info("simulated print", "bytes", len(data), "spool", name)
		return nil
	}

	addr := fmt.Sprintf("%s:%d", p.cfg.Host, p.cfg.Port)
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect to printer at %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	} else {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	}

	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("send data to printer: %w", err)
	}

	p.logger.Info("receipt printed", "bytes", len(data), "printer", addr)
	return nil
}
