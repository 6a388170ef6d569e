package storage

import (
	"testing"

	"github.com/pawciobiel/smtpingress/internal/mimemsg"
)

func TestDeriveAttachmentFilenameSources(t *testing.T) {
	tests := []struct {
		name string
		att  mimemsg.Attachment
		want string
	}{
		{
			name: "disposition filename wins",
			att:  mimemsg.Attachment{DispositionFilename: "report.pdf", ContentTypeName: "other.pdf", ContentType: "application/pdf"},
			want: "report.pdf",
		},
		{
			name: "content-type name used when no disposition",
			att:  mimemsg.Attachment{ContentTypeName: "figure.png", ContentType: "image/png"},
			want: "figure.png",
		},
		{
			name: "falls back to positional name",
			att:  mimemsg.Attachment{Depth: 1, Index: 2, ContentType: "application/octet-stream"},
			want: "attachment-1-3",
		},
		{
			name: "extension inferred from content type when missing",
			att:  mimemsg.Attachment{DispositionFilename: "photo", ContentType: "image/png"},
			want: "photo.png",
		},
		{
			name: "path separators stripped",
			att:  mimemsg.Attachment{DispositionFilename: "../../report", ContentType: "application/pdf"},
			want: "....report",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			used := make(map[string]struct{})
			got := deriveAttachmentFilename(tt.att, used)
			if got != tt.want {
				t.Errorf("deriveAttachmentFilename() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDeriveAttachmentFilenameCollisions(t *testing.T) {
	used := make(map[string]struct{})
	att := mimemsg.Attachment{DispositionFilename: "report.pdf", ContentType: "application/pdf"}

	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		name := deriveAttachmentFilename(att, used)
		if seen[name] {
			t.Fatalf("duplicate attachment name %q on iteration %d", name, i)
		}
		seen[name] = true
	}

	if !seen["report.pdf"] || !seen["report (2).pdf"] || !seen["report (3).pdf"] {
		t.Errorf("unexpected collision sequence: %v", seen)
	}
}
