package service

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/psds-microservice/crm-inbox/internal/errs"
	"github.com/psds-microservice/crm-inbox/internal/model"
)

// MediaPathPrefix is where stored media is served from.
const MediaPathPrefix = "/api/media/"

type StoredMedia struct {
	Name         string
	OriginalName string
	MimeType     string
	Data         []byte
}

// SaveMedia stores an upload under a random name that keeps the
// original extension.
func (s *InboxService) SaveMedia(ctx context.Context, filename, mimeType string, data []byte) (model.UploadedMedia, error) {
	if len(data) == 0 {
		return model.UploadedMedia{}, errs.ErrEmptyMedia
	}
	if int64(len(data)) > s.maxMedia {
		return model.UploadedMedia{}, fmt.Errorf("%w: %d > %d bytes", errs.ErrMediaTooLarge, len(data), s.maxMedia)
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	name := uuid.NewString() + strings.ToLower(filepath.Ext(filepath.Base(filename)))
	m := StoredMedia{
		Name:         name,
		OriginalName: filepath.Base(filename),
		MimeType:     mimeType,
		Data:         append([]byte(nil), data...),
	}
	s.mu.Lock()
	s.media[name] = m
	s.mu.Unlock()

	s.logger.Debug().Str("name", name).Str("mime_type", mimeType).Int("bytes", len(data)).Msg("inbox: media stored")
	return model.UploadedMedia{
		MediaURL:     MediaPathPrefix + name,
		MediaType:    MediaTypeOf(mimeType),
		OriginalName: m.OriginalName,
		MimeType:     mimeType,
		Size:         int64(len(data)),
	}, nil
}

func (s *InboxService) Media(ctx context.Context, name string) (StoredMedia, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.media[name]
	if !ok {
		return StoredMedia{}, errs.ErrMediaNotFound
	}
	return m, nil
}

// MediaTypeOf maps a mime type to the coarse kind messages carry.
func MediaTypeOf(mimeType string) string {
	base, _, _ := strings.Cut(strings.ToLower(mimeType), ";")
	kind, _, _ := strings.Cut(strings.TrimSpace(base), "/")
	switch kind {
	case "audio", "image", "video":
		return kind
	}
	return "document"
}
