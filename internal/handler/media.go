package handler

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/psds-microservice/crm-inbox/internal/service"
)

type MediaHandler struct {
	svc      service.InboxServicer
	maxBytes int64
}

// NewMediaHandler reads at most maxBytes+1 bytes of an upload so the
// service can reject oversized files without buffering them whole.
func NewMediaHandler(svc service.InboxServicer, maxBytes int64) *MediaHandler {
	return &MediaHandler{svc: svc, maxBytes: maxBytes}
}

// Upload accepts multipart field "file". The part's Content-Type is the
// stored mime type.
func (h *MediaHandler) Upload(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		fail(c, http.StatusBadRequest, "file is required")
		return
	}
	f, err := fh.Open()
	if err != nil {
		fail(c, http.StatusBadRequest, "cannot open upload")
		return
	}
	defer f.Close()

	var r io.Reader = f
	if h.maxBytes > 0 {
		r = io.LimitReader(f, h.maxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		fail(c, http.StatusBadRequest, "cannot read upload")
		return
	}
	media, err := h.svc.SaveMedia(c.Request.Context(), fh.Filename, fh.Header.Get("Content-Type"), data)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, media)
}

func (h *MediaHandler) Get(c *gin.Context) {
	m, err := h.svc.Media(c.Request.Context(), c.Param("name"))
	if err != nil {
		failErr(c, err)
		return
	}
	c.Data(http.StatusOK, m.MimeType, m.Data)
}
