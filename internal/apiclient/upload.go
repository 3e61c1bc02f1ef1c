package apiclient

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/psds-microservice/crm-inbox/internal/model"
)

// Upload posts a raw blob to the media endpoint as multipart field
// "file" and returns its stable reference.
func (c *Client) Upload(ctx context.Context, data []byte, filename, mimeType string) (model.UploadedMedia, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	// CreateFormFile would force application/octet-stream; the media
	// endpoint derives mediaType from the part's Content-Type.
	partHeader := textproto.MIMEHeader{}
	partHeader.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(filename)))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	partHeader.Set("Content-Type", mimeType)
	part, err := writer.CreatePart(partHeader)
	if err != nil {
		return model.UploadedMedia{}, fmt.Errorf("upload: create part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return model.UploadedMedia{}, fmt.Errorf("upload: write part: %w", err)
	}
	if err := writer.Close(); err != nil {
		return model.UploadedMedia{}, fmt.Errorf("upload: close multipart: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/media/upload", nil, &buf)
	if err != nil {
		return model.UploadedMedia{}, fmt.Errorf("upload: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	var env uploadResponse
	if err := c.do(req, &env); err != nil {
		return model.UploadedMedia{}, fmt.Errorf("upload: %w", err)
	}
	if err := env.validate(); err != nil {
		return model.UploadedMedia{}, fmt.Errorf("upload: %w", err)
	}
	return *env.Data, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string { return quoteEscaper.Replace(s) }
