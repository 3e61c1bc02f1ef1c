package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/psds-microservice/crm-inbox/internal/model"
	"github.com/psds-microservice/crm-inbox/internal/service"
)

type MessageHandler struct {
	svc service.InboxServicer
}

func NewMessageHandler(svc service.InboxServicer) *MessageHandler {
	return &MessageHandler{svc: svc}
}

// List answers GET /messages/:ticketId?pageNumber&limit, newest first.
func (h *MessageHandler) List(c *gin.Context) {
	id, valid := paramID(c, "ticketId")
	if !valid {
		return
	}
	page, err := h.svc.ListMessages(c.Request.Context(), id,
		queryInt(c, "pageNumber", 1),
		pageLimit(c, service.DefaultMessageLimit))
	if err != nil {
		failErr(c, err)
		return
	}
	if page.Messages == nil {
		page.Messages = []model.Message{}
	}
	ok(c, http.StatusOK, page)
}

func (h *MessageHandler) Send(c *gin.Context) {
	id, valid := paramID(c, "ticketId")
	if !valid {
		return
	}
	var req model.OutgoingMessage
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid body")
		return
	}
	msg, err := h.svc.SendMessage(c.Request.Context(), id, req)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, msg)
}

func (h *MessageHandler) MarkRead(c *gin.Context) {
	id, valid := paramID(c, "ticketId")
	if !valid {
		return
	}
	if err := h.svc.MarkRead(c.Request.Context(), id); err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
