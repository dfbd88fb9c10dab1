package antivirus

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"
)

// ClamAV talks to clamd using the INSTREAM command, one connection per scan
type ClamAV struct {
	config  Config
	network string
	address string
	dialer  net.Dialer
	logger  *slog.Logger
}

// NewClamAV creates a new ClamAV scanner
func NewClamAV(config Config) (*ClamAV, error) {
	if config.Address == "" {
		return nil, errors.New("antivirus: clamd address is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.ChunkSize <= 0 {
		config.ChunkSize = 8192
	}
	network, address := parseAddress(config.Address)
	return &ClamAV{
		config:  config,
		network: network,
		address: address,
		logger:  slog.Default().With("component", "antivirus", "address", config.Address),
	}, nil
}

func parseAddress(addr string) (string, string) {
	if path, ok := strings.CutPrefix(addr, "unix:"); ok {
		return "unix", path
	}
	if hostPort, ok := strings.CutPrefix(addr, "tcp://"); ok {
		return "tcp", hostPort
	}
	if strings.HasPrefix(addr, "/") {
		return "unix", addr
	}
	return "tcp", addr
}

// Name returns the name of the scanner
func (c *ClamAV) Name() string {
	return "clamav"
}

// Scan streams data to clamd and parses the verdict
func (c *ClamAV) Scan(ctx context.Context, data []byte) (*ScanResult, error) {
	start := time.Now()
	result := &ScanResult{Engine: c.Name(), Size: int64(len(data))}

	if c.config.MaxSize > 0 && result.Size > c.config.MaxSize {
		c.logger.Debug("Skipping scan, message too large", "size", result.Size, "max_size", c.config.MaxSize)
		result.Clean = true
		result.Skipped = true
		return result, nil
	}

	reply, err := c.command(ctx, "zINSTREAM\x00", func(w io.Writer) error {
		return c.stream(w, data)
	})
	if err != nil {
		return nil, err
	}
	result.Duration = time.Since(start)

	switch {
	case strings.HasSuffix(reply, " FOUND"):
		name := strings.TrimSuffix(reply, " FOUND")
		if _, v, ok := strings.Cut(name, ": "); ok {
			name = v
		}
		result.Infections = []string{name}
		c.logger.Warn("Virus detected", "virus", name, "size", result.Size, "duration", result.Duration.String())
	case strings.HasSuffix(reply, " OK"), reply == "OK":
		result.Clean = true
	default:
		return nil, fmt.Errorf("%w: clamd replied %q", ErrScanFailed, reply)
	}
	return result, nil
}

// Ping checks if clamd is responsive
func (c *ClamAV) Ping(ctx context.Context) error {
	reply, err := c.command(ctx, "zPING\x00", nil)
	if err != nil {
		return err
	}
	if reply != "PONG" {
		return fmt.Errorf("%w: unexpected PING reply %q", ErrScanFailed, reply)
	}
	return nil
}

// command sends one null-terminated command, an optional payload and reads
// the null-terminated reply
func (c *ClamAV) command(ctx context.Context, cmd string, payload func(io.Writer) error) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	conn, err := c.dialer.DialContext(ctx, c.network, c.address)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	w := bufio.NewWriterSize(conn, c.config.ChunkSize+4)
	if _, err := w.WriteString(cmd); err != nil {
		return "", fmt.Errorf("failed to send command: %w", err)
	}
	if payload != nil {
		if err := payload(w); err != nil {
			return "", err
		}
	}
	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("failed to send command: %w", err)
	}

	reply, err := bufio.NewReader(conn).ReadString(0)
	if err != nil && !(errors.Is(err, io.EOF) && reply != "") {
		return "", fmt.Errorf("failed to read clamd reply: %w", err)
	}
	return strings.TrimSpace(strings.TrimSuffix(reply, "\x00")), nil
}

// stream writes data as length-prefixed chunks ended by a zero-length chunk
func (c *ClamAV) stream(w io.Writer, data []byte) error {
	var size [4]byte
	for len(data) > 0 {
		n := min(len(data), c.config.ChunkSize)
		binary.BigEndian.PutUint32(size[:], uint32(n))
		if _, err := w.Write(size[:]); err != nil {
			return fmt.Errorf("failed to send chunk: %w", err)
		}
		if _, err := w.Write(data[:n]); err != nil {
			return fmt.Errorf("failed to send chunk: %w", err)
		}
		data = data[n:]
	}
	binary.BigEndian.PutUint32(size[:], 0)
	if _, err := w.Write(size[:]); err != nil {
		return fmt.Errorf("failed to send terminator: %w", err)
	}
	return nil
}
