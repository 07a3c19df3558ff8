package mailqueue

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/rangeops/rangehub/internal/domain"
	"github.com/rangeops/rangehub/internal/pkg/httputil"
)

// QueueAdmin is the slice of the store the queue admin endpoints use.
type QueueAdmin interface {
	ListRows(ctx context.Context, statuses []domain.QueueStatus, limit, offset int) ([]domain.EmailQueueRow, error)
	GetByID(ctx context.Context, id int64) (*domain.EmailQueueRow, error)
	Stats(ctx context.Context) (map[string]int, error)
	MarkCancelled(ctx context.Context, id int64) error
	RequeueRow(ctx context.Context, id int64) (*domain.EmailQueueRow, error)
	ListBatchLogs(ctx context.Context, limit int) ([]domain.BatchLog, error)
	GetBatchLog(ctx context.Context, id int64) (*domain.BatchLog, error)
	ListWebhookEvents(ctx context.Context, limit int) ([]domain.WebhookEvent, error)
}

// WorkflowAdmin is the slice of the store the workflow endpoints use.
type WorkflowAdmin interface {
	ListWorkflows(ctx context.Context) ([]domain.EmailWorkflow, error)
	GetWorkflow(ctx context.Context, id int64) (*domain.EmailWorkflow, error)
	CreateWorkflow(ctx context.Context, w domain.EmailWorkflow) (*domain.EmailWorkflow, error)
	UpdateWorkflow(ctx context.Context, w domain.EmailWorkflow) (*domain.EmailWorkflow, error)
	DeleteWorkflow(ctx context.Context, id int64) error
}

// TemplateAdmin is the slice of the store the template endpoints use.
type TemplateAdmin interface {
	ListTemplates(ctx context.Context) ([]domain.EmailTemplate, error)
	CreateTemplate(ctx context.Context, t domain.EmailTemplate) (*domain.EmailTemplate, error)
	UpdateTemplate(ctx context.Context, t domain.EmailTemplate) (*domain.EmailTemplate, error)
	DeleteTemplate(ctx context.Context, id int64) error
}

// Handler serves the mail admin surface: queue browsing and repair,
// batch logs, workflows, and templates.
type Handler struct {
	queue     QueueAdmin
	workflows WorkflowAdmin
	templates TemplateAdmin
}

// NewHandler wires the mail handlers over the store.
func NewHandler(store *Store) *Handler {
	return &Handler{queue: store, workflows: store, templates: store}
}

// RegisterAdminRoutes mounts everything under the session gate.
func (h *Handler) RegisterAdminRoutes(r chi.Router) {
	r.Get("/queue", h.ListQueue)
	r.Get("/queue/stats", h.QueueStats)
	r.Get("/queue/batches", h.ListBatches)
	r.Get("/queue/batches/{id}", h.GetBatch)
	r.Get("/queue/webhook-events", h.ListWebhookEvents)
	r.Get("/queue/{id}", h.GetRow)
	r.Post("/queue/{id}/cancel", h.CancelRow)
	r.Post("/queue/{id}/requeue", h.RequeueRow)

	r.Get("/workflows", h.ListWorkflows)
	r.Post("/workflows", h.CreateWorkflow)
	r.Get("/workflows/{id}", h.GetWorkflow)
	r.Put("/workflows/{id}", h.UpdateWorkflow)
	r.Delete("/workflows/{id}", h.DeleteWorkflow)

	r.Get("/templates", h.ListTemplates)
	r.Post("/templates", h.CreateTemplate)
	r.Put("/templates/{id}", h.UpdateTemplate)
	r.Delete("/templates/{id}", h.DeleteTemplate)
}

func (h *Handler) ListQueue(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	rows, err := h.queue.ListRows(r.Context(), parseStatuses(q.Get("status")), limit, offset)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, rows)
}

// parseStatuses splits a comma-separated status filter, for example
// "pending,processing". Empty input means no filter.
func parseStatuses(raw string) []domain.QueueStatus {
	if raw == "" {
		return nil
	}
	var out []domain.QueueStatus
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, domain.QueueStatus(part))
		}
	}
	return out
}

func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, stats)
}

func (h *Handler) GetRow(w http.ResponseWriter, r *http.Request) {
	id, ok := rowID(w, r)
	if !ok {
		return
	}
	row, err := h.queue.GetByID(r.Context(), id)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if row == nil {
		httputil.NotFound(w, "queue row not found")
		return
	}
	httputil.OK(w, row)
}

// CancelRow stops a pending or processing row from sending. Terminal rows
// are left as they are; the response carries the row's state either way.
func (h *Handler) CancelRow(w http.ResponseWriter, r *http.Request) {
	id, ok := rowID(w, r)
	if !ok {
		return
	}
	if err := h.queue.MarkCancelled(r.Context(), id); err != nil {
		httputil.InternalError(w, err)
		return
	}
	row, err := h.queue.GetByID(r.Context(), id)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if row == nil {
		httputil.NotFound(w, "queue row not found")
		return
	}
	httputil.OK(w, row)
}

// RequeueRow gives a failed or cancelled row a fresh set of attempts.
func (h *Handler) RequeueRow(w http.ResponseWriter, r *http.Request) {
	id, ok := rowID(w, r)
	if !ok {
		return
	}
	row, err := h.queue.RequeueRow(r.Context(), id)
	if err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.OK(w, row)
}

func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	logs, err := h.queue.ListBatchLogs(r.Context(), limit)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, logs)
}

func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := rowID(w, r)
	if !ok {
		return
	}
	b, err := h.queue.GetBatchLog(r.Context(), id)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if b == nil {
		httputil.NotFound(w, "batch not found")
		return
	}
	httputil.OK(w, b)
}

func (h *Handler) ListWebhookEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := h.queue.ListWebhookEvents(r.Context(), limit)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, events)
}

func (h *Handler) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	list, err := h.workflows.ListWorkflows(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, list)
}

func (h *Handler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := rowID(w, r)
	if !ok {
		return
	}
	wf, err := h.workflows.GetWorkflow(r.Context(), id)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if wf == nil {
		httputil.NotFound(w, "workflow not found")
		return
	}
	httputil.OK(w, wf)
}

func (h *Handler) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf domain.EmailWorkflow
	if !httputil.Decode(w, r, &wf) {
		return
	}
	created, err := h.workflows.CreateWorkflow(r.Context(), wf)
	if err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.Created(w, created)
}

func (h *Handler) UpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := rowID(w, r)
	if !ok {
		return
	}
	var wf domain.EmailWorkflow
	if !httputil.Decode(w, r, &wf) {
		return
	}
	wf.ID = id
	updated, err := h.workflows.UpdateWorkflow(r.Context(), wf)
	if err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.OK(w, updated)
}

// DeleteWorkflow removes a workflow. Migration-seeded system workflows
// answer 400; they can only be disabled.
func (h *Handler) DeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := rowID(w, r)
	if !ok {
		return
	}
	if err := h.workflows.DeleteWorkflow(r.Context(), id); err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.NoContent(w)
}

func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	list, err := h.templates.ListTemplates(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, list)
}

func (h *Handler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var t domain.EmailTemplate
	if !httputil.Decode(w, r, &t) {
		return
	}
	created, err := h.templates.CreateTemplate(r.Context(), t)
	if err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.Created(w, created)
}

func (h *Handler) UpdateTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := rowID(w, r)
	if !ok {
		return
	}
	var t domain.EmailTemplate
	if !httputil.Decode(w, r, &t) {
		return
	}
	t.ID = id
	updated, err := h.templates.UpdateTemplate(r.Context(), t)
	if err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.OK(w, updated)
}

func (h *Handler) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := rowID(w, r)
	if !ok {
		return
	}
	if err := h.templates.DeleteTemplate(r.Context(), id); err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.NoContent(w)
}

func rowID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httputil.BadRequest(w, "invalid id")
		return 0, false
	}
	return id, true
}
