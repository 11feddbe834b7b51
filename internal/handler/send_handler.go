package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/message-dispatch/internal/domain"
	"github.com/kursadbilgin/message-dispatch/internal/repository"
	"github.com/kursadbilgin/message-dispatch/internal/service"
)

const (
	defaultPage     = 1
	defaultPageSize = 50
	maxPageSize     = 100
)

type SendService interface {
	Send(ctx context.Context, req service.SendRequest) (*service.DispatchResult, error)
	GetBatch(ctx context.Context, batchID string) (*domain.Batch, error)
	ListMessages(ctx context.Context, batchID string, params repository.ListParams) ([]domain.Message, int64, error)
}

type SendHandler struct {
	service SendService
}

func NewSendHandler(service SendService) (*SendHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("send service is required")
	}
	return &SendHandler{service: service}, nil
}

func RegisterSendRoutes(router fiber.Router, service SendService) error {
	h, err := NewSendHandler(service)
	if err != nil {
		return err
	}

	router.Post("/send-message", h.SendMessage)

	v1 := router.Group("/v1")
	v1.Post("/send-message", h.SendMessage)
	v1.Get("/batches/:batchId", h.GetBatch)
	v1.Get("/batches/:batchId/messages", h.ListMessages)

	return nil
}

type recipientRequest struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

type sendMessageRequest struct {
	Content    string             `json:"content"`
	Channel    string             `json:"channel"`
	Recipients []recipientRequest `json:"recipients"`
	BatchName  string             `json:"batch_name"`
	SendDelay  int                `json:"send_delay"`
}

type sendMessageResponse struct {
	Success    bool     `json:"success"`
	BatchID    string   `json:"batch_id"`
	Status     string   `json:"status"`
	TotalCount int      `json:"total_count"`
	Message    string   `json:"message"`
	TaskIDs    []string `json:"task_ids,omitempty"`
	Error      string   `json:"error,omitempty"`
}

type batchResponse struct {
	BatchID      string    `json:"batch_id"`
	Name         string    `json:"name"`
	Channel      string    `json:"channel"`
	Status       string    `json:"status"`
	TotalCount   int       `json:"total_count"`
	SuccessCount int       `json:"success_count"`
	FailedCount  int       `json:"failed_count"`
	PendingCount int       `json:"pending_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type messageResponse struct {
	ID            int64      `json:"id"`
	RecipientID   string     `json:"recipient_id"`
	RecipientType string     `json:"recipient_type"`
	Status        string     `json:"status"`
	ErrorMessage  *string    `json:"error_message,omitempty"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
	ScheduledAt   time.Time  `json:"scheduled_at"`
	CreatedAt     time.Time  `json:"created_at"`
}

type listMessagesResponse struct {
	Data []messageResponse `json:"data"`
	Meta listMeta          `json:"meta"`
}

type listMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"page_size"`
	Total    int64 `json:"total"`
}

// SendMessage accepts a send request. The response only reports whether the
// messages were queued; delivery outcomes are read through the batch routes.
func (h *SendHandler) SendMessage(c *fiber.Ctx) error {
	var req sendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	recipients := make([]domain.Recipient, 0, len(req.Recipients))
	for _, r := range req.Recipients {
		recipients = append(recipients, domain.Recipient{ID: r.ID, Type: r.Type})
	}

	result, err := h.service.Send(c.UserContext(), service.SendRequest{
		Content:    req.Content,
		Channel:    req.Channel,
		Recipients: recipients,
		BatchName:  req.BatchName,
		SendDelay:  req.SendDelay,
	})
	if err != nil {
		return err
	}

	return c.Status(dispatchStatusCode(result)).JSON(sendMessageResponse{
		Success:    result.Success,
		BatchID:    result.BatchID,
		Status:     result.Status,
		TotalCount: result.TotalCount,
		Message:    result.Message,
		TaskIDs:    result.TaskIDs,
		Error:      result.Error,
	})
}

func (h *SendHandler) GetBatch(c *fiber.Ctx) error {
	batch, err := h.service.GetBatch(c.UserContext(), strings.TrimSpace(c.Params("batchId")))
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(toBatchResponse(batch))
}

func (h *SendHandler) ListMessages(c *fiber.Ctx) error {
	params, err := parseListParams(c)
	if err != nil {
		return err
	}

	messages, total, err := h.service.ListMessages(c.UserContext(), strings.TrimSpace(c.Params("batchId")), params)
	if err != nil {
		return err
	}

	data := make([]messageResponse, 0, len(messages))
	for i := range messages {
		data = append(data, toMessageResponse(&messages[i]))
	}

	return c.Status(fiber.StatusOK).JSON(listMessagesResponse{
		Data: data,
		Meta: listMeta{Page: params.Page, PageSize: params.PageSize, Total: total},
	})
}

// dispatchStatusCode is 202 once the batch is stored and at least partly
// queued, and 503 when nothing could be queued.
func dispatchStatusCode(result *service.DispatchResult) int {
	if result.Status == service.DispatchFailed {
		return fiber.StatusServiceUnavailable
	}
	return fiber.StatusAccepted
}

func parseListParams(c *fiber.Ctx) (repository.ListParams, error) {
	params := repository.ListParams{
		Page:     c.QueryInt("page", defaultPage),
		PageSize: c.QueryInt("page_size", defaultPageSize),
	}

	if params.Page < 1 {
		return repository.ListParams{}, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if params.PageSize < 1 || params.PageSize > maxPageSize {
		return repository.ListParams{}, fmt.Errorf("%w: page_size must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}

	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		status, err := domain.ParseMessageStatus(raw)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.Status = &status
	}

	return params, nil
}

func toBatchResponse(b *domain.Batch) batchResponse {
	return batchResponse{
		BatchID:      b.BatchID,
		Name:         b.Name,
		Channel:      b.Channel.String(),
		Status:       b.Status.String(),
		TotalCount:   b.TotalCount,
		SuccessCount: b.SuccessCount,
		FailedCount:  b.FailedCount,
		PendingCount: b.PendingCount,
		CreatedAt:    b.CreatedAt,
		UpdatedAt:    b.UpdatedAt,
	}
}

func toMessageResponse(m *domain.Message) messageResponse {
	return messageResponse{
		ID:            m.ID,
		RecipientID:   m.RecipientID,
		RecipientType: m.RecipientType,
		Status:        m.Status.String(),
		ErrorMessage:  m.ErrorMessage,
		SentAt:        m.SentAt,
		ScheduledAt:   m.ScheduledAt,
		CreatedAt:     m.CreatedAt,
	}
}
