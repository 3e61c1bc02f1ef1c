package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/psds-microservice/crm-inbox/internal/model"
	"github.com/psds-microservice/crm-inbox/internal/service"
)

type TicketHandler struct {
	svc service.InboxServicer
}

func NewTicketHandler(svc service.InboxServicer) *TicketHandler {
	return &TicketHandler{svc: svc}
}

type createTicketRequest struct {
	ContactName   string `json:"contactName"`
	ContactNumber string `json:"contactNumber" binding:"required"`
	Status        string `json:"status"`
}

func (h *TicketHandler) Create(c *gin.Context) {
	var req createTicketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid body")
		return
	}
	t, err := h.svc.CreateTicket(c.Request.Context(), service.NewTicket{
		ContactName:   req.ContactName,
		ContactNumber: req.ContactNumber,
		Status:        model.TicketStatus(req.Status),
	})
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, t)
}

func (h *TicketHandler) Get(c *gin.Context) {
	id, valid := paramID(c, "id")
	if !valid {
		return
	}
	t, err := h.svc.GetTicket(c.Request.Context(), id)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, t)
}

// List answers GET /tickets?status&search&pageNumber&limit. A missing
// status lists every status.
func (h *TicketHandler) List(c *gin.Context) {
	page, err := h.svc.ListTickets(c.Request.Context(), model.TicketQuery{
		Status:     c.Query("status"),
		Search:     c.Query("search"),
		PageNumber: queryInt(c, "pageNumber", 1),
		Limit:      pageLimit(c, service.DefaultTicketLimit),
	})
	if err != nil {
		failErr(c, err)
		return
	}
	if page.Tickets == nil {
		page.Tickets = []model.Ticket{}
	}
	ok(c, http.StatusOK, page)
}

type updateTicketRequest struct {
	Status *string `json:"status,omitempty"`
}

func (h *TicketHandler) Update(c *gin.Context) {
	id, valid := paramID(c, "id")
	if !valid {
		return
	}
	var req updateTicketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Status == nil {
		fail(c, http.StatusBadRequest, "no changes")
		return
	}
	t, err := h.svc.UpdateStatus(c.Request.Context(), id, model.TicketStatus(*req.Status))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, t)
}

// Inbound simulates a message from the ticket's contact.
func (h *TicketHandler) Inbound(c *gin.Context) {
	id, valid := paramID(c, "id")
	if !valid {
		return
	}
	var req model.OutgoingMessage
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid body")
		return
	}
	msg, err := h.svc.ReceiveInbound(c.Request.Context(), id, req)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, msg)
}
