// Package storage implements the persistence sink: the Storage interface
// every concrete backend satisfies, and the attachment filename
// derivation and collision-resolution logic shared by all of them.
package storage

import (
	"context"

	"github.com/pawciobiel/smtpingress/internal/mimemsg"
	"github.com/pawciobiel/smtpingress/internal/session"
)

// Storage is the abstract sink a completed session hands its metadata
// and parsed message to. Implementations may suspend on I/O and must be
// safe to call concurrently from unrelated sessions; all state needed
// for collision resolution is local to one Save call.
type Storage interface {
	Save(ctx context.Context, metadata *session.Metadata, msg *mimemsg.Message) error
}
