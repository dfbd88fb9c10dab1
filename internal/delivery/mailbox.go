package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/busybox42/mailcore/internal/domain"
)

// QuarantineDir is the holding area under the mailbox root
const QuarantineDir = "quarantine"

// MailboxWriter stores messages for local mailboxes in a maildir-like
// layout: <root>/<domain>/<local>/new/<id>.eml. Each file is staged in
// the sibling tmp directory and renamed into place.
type MailboxWriter struct {
	root   string
	logger *slog.Logger
}

// NewMailboxWriter creates the root directory if needed
func NewMailboxWriter(root string) (*MailboxWriter, error) {
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, fmt.Errorf("failed to create mailbox root: %w", err)
	}
	return &MailboxWriter{
		root:   root,
		logger: slog.Default().With("component", "mailbox-writer"),
	}, nil
}

// Root returns the mailbox root directory
func (w *MailboxWriter) Root() string {
	return w.root
}

// Deliver writes body for the mailbox address with a Delivered-To header
// and returns the file path
func (w *MailboxWriter) Deliver(ctx context.Context, id, address string, body []byte) (string, error) {
	local, domainName := domain.SplitAddress(address)
	if !safeSegment(local) || !safeSegment(domainName) || !safeSegment(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRecipient, address)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	dir := filepath.Join(w.root, domainName, local)
	data := prependHeader("Delivered-To", local+"@"+domainName, body)
	path, err := w.write(dir, id, data)
	if err != nil {
		return "", err
	}
	w.logger.Info("message_delivered_local",
		"message_id", id,
		"mailbox", local+"@"+domainName,
		"size", len(data))
	return path, nil
}

// Quarantine writes body to <root>/quarantine/<domain>/<id>.eml with an
// X-Quarantine-Reason header
func (w *MailboxWriter) Quarantine(ctx context.Context, id, domainName, reason string, body []byte) (string, error) {
	domainName = strings.ToLower(domainName)
	if domainName == "" {
		domainName = "unknown"
	}
	if !safeSegment(domainName) || !safeSegment(id) {
		return "", fmt.Errorf("%w: quarantine domain %q", ErrInvalidRecipient, domainName)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	dir := filepath.Join(w.root, QuarantineDir, domainName)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("failed to create quarantine directory: %w", err)
	}
	target := filepath.Join(dir, id+".eml")
	data := prependHeader("X-Quarantine-Reason", reason, body)
	if err := writeAtomic(dir, target, data); err != nil {
		return "", err
	}
	w.logger.Warn("message_quarantined",
		"message_id", id,
		"domain", domainName,
		"reason", headerValue(reason))
	return target, nil
}

func (w *MailboxWriter) write(dir, id string, data []byte) (string, error) {
	newDir := filepath.Join(dir, "new")
	tmpDir := filepath.Join(dir, "tmp")
	for _, d := range []string{newDir, tmpDir, filepath.Join(dir, "cur")} {
		if err := os.MkdirAll(d, 0750); err != nil {
			return "", fmt.Errorf("failed to create mailbox directory: %w", err)
		}
	}
	target := filepath.Join(newDir, id+".eml")
	if err := writeAtomic(tmpDir, target, data); err != nil {
		return "", err
	}
	return target, nil
}

func writeAtomic(stageDir, target string, data []byte) error {
	tmp, err := os.CreateTemp(stageDir, ".stage-*")
	if err != nil {
		return fmt.Errorf("failed to create staging file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to sync message: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close message: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to move message into place: %w", err)
	}
	return nil
}

// safeSegment reports whether s can be used as one path element
func safeSegment(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}
	return !strings.ContainsAny(s, "/\\\x00")
}

func prependHeader(name, value string, body []byte) []byte {
	header := name + ": " + headerValue(value) + "\r\n"
	out := make([]byte, 0, len(header)+len(body))
	out = append(out, header...)
	return append(out, body...)
}

// headerValue folds a value onto a single line
func headerValue(v string) string {
	return strings.Join(strings.FieldsFunc(v, func(r rune) bool {
		return r == '\r' || r == '\n'
	}), " ")
}
