package storage

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/pawciobiel/smtpingress/internal/mimemsg"
)

// sanitizeFilename is the conservative filesystem-hostile character filter
// applied to a candidate attachment name: letters, digits, dot, dash,
// underscore and space survive; everything else (path separators
// included) is dropped.
func sanitizeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_' || r == ' ':
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// candidateName picks the attachment's proposed filename before
// sanitization: Content-Disposition filename, then Content-Type name,
// else the positional fallback.
func candidateName(att mimemsg.Attachment) string {
	if att.DispositionFilename != "" {
		return att.DispositionFilename
	}
	if att.ContentTypeName != "" {
		return att.ContentTypeName
	}
	return fmt.Sprintf("attachment-%d-%d", att.Depth, att.Index+1)
}

// deriveAttachmentFilename resolves the final, collision-free filename
// for one attachment within a single save's namespace. used tracks the
// names already claimed during this save and is mutated to include the
// result.
func deriveAttachmentFilename(att mimemsg.Attachment, used map[string]struct{}) string {
	name := sanitizeFilename(candidateName(att))
	if name == "" {
		name = fmt.Sprintf("attachment-%d-%d", att.Depth, att.Index+1)
	}

	ext := filepath.Ext(name)
	if ext == "" {
		if exts, err := mime.ExtensionsByType(att.ContentType); err == nil && len(exts) > 0 {
			ext = exts[0]
			name += ext
		}
	}

	base := strings.TrimSuffix(name, ext)
	final := name
	for n := 2; ; n++ {
		if _, taken := used[final]; !taken {
			break
		}
		final = fmt.Sprintf("%s (%d)%s", base, n, ext)
	}

	used[final] = struct{}{}
	return final
}
