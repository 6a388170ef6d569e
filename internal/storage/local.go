package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pawciobiel/smtpingress/internal/mimemsg"
	"github.com/pawciobiel/smtpingress/internal/session"
)

// Local persists artifacts under <base_path>/<ulid>/... on the local
// filesystem.
type Local struct {
	basePath string
}

// NewLocal returns a filesystem-backed Storage rooted at basePath.
func NewLocal(basePath string) *Local {
	return &Local{basePath: basePath}
}

// Save writes metadata.json, body.html and attachments/<name> under a
// fresh ULID namespace, writing each artifact through writeFileAtomic
// (write a .tmp sibling, sync, then rename into place).
func (l *Local) Save(ctx context.Context, metadata *session.Metadata, msg *mimemsg.Message) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	id := NewArtifactID()
	dir := filepath.Join(l.basePath, id)
	attachDir := filepath.Join(dir, "attachments")
	if err := os.MkdirAll(attachDir, 0700); err != nil {
		return fmt.Errorf("failed to create artifact namespace %s: %w", dir, err)
	}

	metadataJSON, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, "metadata.json"), metadataJSON); err != nil {
		return err
	}

	body := msg.BodyHTML
	if body == nil {
		body = mimemsg.PlaceholderBody()
	}
	if err := writeFileAtomic(filepath.Join(dir, "body.html"), body); err != nil {
		return err
	}

	used := make(map[string]struct{}, len(msg.Attachments))
	for _, att := range msg.Attachments {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		name := deriveAttachmentFilename(att, used)
		if err := writeFileAtomic(filepath.Join(attachDir, name), att.Data); err != nil {
			return err
		}
	}

	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temporary file %s: %w", tmp, err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync %s: %w", tmp, err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to rename %s into place: %w", tmp, err)
	}

	return nil
}
