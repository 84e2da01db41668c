package subscription

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"ticketteller/pkg/errutil"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"gorm.io/datatypes"
)

// RefreshDispatcher runs or queues a refresh for one subscription. queued is
// true when the work was handed to the background worker.
type RefreshDispatcher interface {
	DispatchRefresh(ctx context.Context, subscriptionID string) (queued bool, err error)
}

type Handler struct {
	svc      *Service
	dispatch RefreshDispatcher
}

type HandlerParams struct {
	fx.In
	Service  *Service
	Dispatch RefreshDispatcher `optional:"true"`
}

func NewHandler(p HandlerParams) *Handler {
	return &Handler{svc: p.Service, dispatch: p.Dispatch}
}

type subscriptionRequest struct {
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	TicketLifetime  string          `json:"ticket_lifetime"`
	StartDate       *time.Time      `json:"start_date,omitempty"`
	EndDate         *time.Time      `json:"end_date,omitempty"`
	RefreshInterval string          `json:"refresh_interval"`
	RefreshAmount   int             `json:"refresh_amount"`
	NextRefreshDate time.Time       `json:"next_refresh_date"`
}

type subscriptionResponse struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	TicketLifetime  string          `json:"ticket_lifetime"`
	StartDate       *time.Time      `json:"start_date,omitempty"`
	EndDate         *time.Time      `json:"end_date,omitempty"`
	RefreshInterval string          `json:"refresh_interval"`
	RefreshAmount   int             `json:"refresh_amount"`
	NextRefreshDate time.Time       `json:"next_refresh_date"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type ticketResponse struct {
	ID             string     `json:"id"`
	SubscriptionID string     `json:"subscription_id"`
	CreationDate   time.Time  `json:"creation_date"`
	ExpirationDate time.Time  `json:"expiration_date"`
	Subject        *string    `json:"subject"`
	ExhaustedDate  *time.Time `json:"exhausted_date"`
	Overage        bool       `json:"overage"`
}

func (r *subscriptionRequest) toModel() (*Subscription, error) {
	var details []errutil.Detail

	lifetime, err := parseDuration(r.TicketLifetime)
	if err != nil {
		details = append(details, errutil.Detail{Field: "ticket_lifetime", Message: err.Error()})
	}
	interval, err := parseDuration(r.RefreshInterval)
	if err != nil {
		details = append(details, errutil.Detail{Field: "refresh_interval", Message: err.Error()})
	}
	if len(details) > 0 {
		return nil, errutil.BadRequest("invalid duration", nil, errutil.WithDetails(details...))
	}

	sub := &Subscription{
		Name:            r.Name,
		Description:     r.Description,
		TicketLifetime:  lifetime,
		StartDate:       utc(r.StartDate),
		EndDate:         utc(r.EndDate),
		RefreshInterval: interval,
		RefreshAmount:   r.RefreshAmount,
		NextRefreshDate: r.NextRefreshDate.UTC(),
	}
	if len(r.Metadata) > 0 {
		sub.Metadata = datatypes.JSON(r.Metadata)
	}
	return sub, nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func toSubscriptionResponse(s *Subscription) subscriptionResponse {
	resp := subscriptionResponse{
		ID:              s.ID,
		Name:            s.Name,
		Description:     s.Description,
		TicketLifetime:  s.TicketLifetime.String(),
		StartDate:       s.StartDate,
		EndDate:         s.EndDate,
		RefreshInterval: s.RefreshInterval.String(),
		RefreshAmount:   s.RefreshAmount,
		NextRefreshDate: s.NextRefreshDate,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
	if len(s.Metadata) > 0 {
		resp.Metadata = json.RawMessage(s.Metadata)
	}
	return resp
}

func toTicketResponse(t *Ticket) ticketResponse {
	return ticketResponse{
		ID:             t.ID,
		SubscriptionID: t.SubscriptionID,
		CreationDate:   t.CreationDate,
		ExpirationDate: t.ExpirationDate,
		Subject:        t.Subject,
		ExhaustedDate:  t.ExhaustedDate,
		Overage:        t.Overage,
	}
}

func (h *Handler) Register(r gin.IRouter) {
	r.GET("/subscriptions", h.list)
	r.GET("/subscriptions/:id", h.get)
	r.POST("/subscriptions", h.create)
	r.PUT("/subscriptions/:id", h.update)
	r.DELETE("/subscriptions/:id", h.delete)
	r.POST("/subscriptions/:id/use", h.use)
	r.GET("/subscriptions/:id/report", h.report)
	r.GET("/subscriptions/:id/tickets", h.tickets)
	r.POST("/subscriptions/:id/refresh", h.refresh)
}

func (h *Handler) list(c *gin.Context) {
	subs, err := h.svc.GetAllSubscriptions(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}

	out := make([]subscriptionResponse, 0, len(subs))
	for _, s := range subs {
		out = append(out, toSubscriptionResponse(s))
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) get(c *gin.Context) {
	id := c.Param("id")
	sub, err := h.svc.GetSubscriptionByID(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if sub == nil {
		_ = c.Error(NotFound(id))
		return
	}

	c.JSON(http.StatusOK, toSubscriptionResponse(sub))
}

func (h *Handler) create(c *gin.Context) {
	var req subscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	in, err := req.toModel()
	if err != nil {
		_ = c.Error(err)
		return
	}

	sub, err := h.svc.CreateSubscription(c.Request.Context(), in)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.Header("Location", "/subscriptions/"+sub.ID)
	c.JSON(http.StatusCreated, toSubscriptionResponse(sub))
}

func (h *Handler) update(c *gin.Context) {
	id := c.Param("id")

	var req subscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	in, err := req.toModel()
	if err != nil {
		_ = c.Error(err)
		return
	}

	ok, err := h.svc.UpdateSubscription(c.Request.Context(), id, in)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if !ok {
		_ = c.Error(NotFound(id))
		return
	}

	c.Status(http.StatusOK)
}

func (h *Handler) delete(c *gin.Context) {
	id := c.Param("id")
	ok, err := h.svc.DeleteSubscription(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if !ok {
		_ = c.Error(NotFound(id))
		return
	}

	c.Status(http.StatusOK)
}

func (h *Handler) use(c *gin.Context) {
	subject := c.Query("subject")
	if subject == "" {
		_ = c.Error(errutil.BadRequest("subject is required", nil))
		return
	}

	ticket, err := h.svc.UseSubscription(c.Request.Context(), c.Param("id"), subject)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, toTicketResponse(ticket))
}

func (h *Handler) report(c *gin.Context) {
	report, err := h.svc.GetSubscriptionReport(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, report)
}

func (h *Handler) tickets(c *gin.Context) {
	tickets, err := h.svc.ListTickets(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	out := make([]ticketResponse, 0, len(tickets))
	for _, t := range tickets {
		out = append(out, toTicketResponse(t))
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) refresh(c *gin.Context) {
	id := c.Param("id")

	if h.dispatch == nil {
		if err := h.svc.RefreshTokens(c.Request.Context(), id); err != nil {
			_ = c.Error(err)
			return
		}
		c.Status(http.StatusOK)
		return
	}

	queued, err := h.dispatch.DispatchRefresh(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if queued {
		c.Status(http.StatusAccepted)
		return
	}
	c.Status(http.StatusOK)
}
