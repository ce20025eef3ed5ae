package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/service"
	"github.com/noah-isme/gema-grader/internal/utils"
)

// GradingHandler exposes batch grading runs and persisted results.
type GradingHandler struct {
	service   service.GradingService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewGradingHandler creates a grading handler instance.
func NewGradingHandler(service service.GradingService, validator *validator.Validate, logger zerolog.Logger) *GradingHandler {
	return &GradingHandler{
		service:   service,
		validator: validator,
		logger:    logger.With().Str("component", "grading_handler").Logger(),
	}
}

// Register binds grading routes under the provided router group.
func (h *GradingHandler) Register(router fiber.Router) {
	router.Post("/batches", h.startBatch)
	router.Get("/batches/:batchId", h.progress)
	router.Post("/batches/:batchId/stop", h.stopBatch)
	router.Post("/batches/:batchId/students/:studentId/abort", h.abortStudent)
	router.Get("/results/:assignmentId/:studentId", h.result)
	router.Delete("/results/:assignmentId/:studentId", h.clearResult)
	router.Get("/errors/:assignmentId", h.listErrors)
}

func (h *GradingHandler) startBatch(c *fiber.Ctx) error {
	var payload dto.BatchCreateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	progress, err := h.service.StartBatch(c.UserContext(), payload)
	if err != nil {
		if isValidationError(err) {
			return utils.SendError(c, fiber.StatusBadRequest, err.Error())
		}
		requestLogger(h.logger, c).Error().Err(err).Msg("failed to start batch")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to start batch")
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "batch started", progress)
}

func (h *GradingHandler) progress(c *fiber.Ctx) error {
	progress, err := h.service.Progress(c.UserContext(), c.Params("batchId"))
	if err != nil {
		if errors.Is(err, service.ErrBatchNotFound) {
			return utils.SendError(c, fiber.StatusNotFound, "batch not found")
		}
		requestLogger(h.logger, c).Error().Err(err).Msg("failed to read batch progress")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to read batch progress")
	}

	return utils.SendSuccess(c, "batch progress", progress)
}

func (h *GradingHandler) stopBatch(c *fiber.Ctx) error {
	err := h.service.StopBatch(c.UserContext(), c.Params("batchId"))
	if err != nil {
		if errors.Is(err, service.ErrBatchNotFound) {
			return utils.SendError(c, fiber.StatusNotFound, "batch not found")
		}
		requestLogger(h.logger, c).Error().Err(err).Msg("failed to stop batch")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to stop batch")
	}

	return utils.SendSuccess(c, "batch stopping", nil)
}

func (h *GradingHandler) abortStudent(c *fiber.Ctx) error {
	studentID, err := c.ParamsInt("studentId")
	if err != nil || studentID <= 0 {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid student id")
	}

	var payload dto.AbortRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&payload); err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
		}
	}

	err = h.service.AbortStudent(c.UserContext(), c.Params("batchId"), uint(studentID), payload.Reason)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrBatchNotFound):
			return utils.SendError(c, fiber.StatusNotFound, "batch not found")
		case errors.Is(err, service.ErrStudentNotInFlight):
			return utils.SendError(c, fiber.StatusConflict, "student has no active session")
		default:
			requestLogger(h.logger, c).Error().Err(err).Msg("failed to abort student session")
			return utils.SendError(c, fiber.StatusInternalServerError, "failed to abort student session")
		}
	}

	return utils.SendSuccess(c, "session aborting", nil)
}

func (h *GradingHandler) result(c *fiber.Ctx) error {
	assignmentID, studentID, ok := resultParams(c)
	if !ok {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid assignment or student id")
	}

	result, err := h.service.Result(c.UserContext(), assignmentID, studentID)
	if err != nil {
		if errors.Is(err, service.ErrResultNotFound) {
			return utils.SendError(c, fiber.StatusNotFound, "grading result not found")
		}
		requestLogger(h.logger, c).Error().Err(err).Msg("failed to read grading result")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to read grading result")
	}

	return utils.SendSuccess(c, "grading result", result)
}

func (h *GradingHandler) clearResult(c *fiber.Ctx) error {
	assignmentID, studentID, ok := resultParams(c)
	if !ok {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid assignment or student id")
	}

	if err := h.service.ClearResult(c.UserContext(), assignmentID, studentID); err != nil {
		requestLogger(h.logger, c).Error().Err(err).Msg("failed to clear grading result")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to clear grading result")
	}

	return utils.SendSuccess(c, "grading result cleared", nil)
}

func (h *GradingHandler) listErrors(c *fiber.Ctx) error {
	assignmentID, err := c.ParamsInt("assignmentId")
	if err != nil || assignmentID <= 0 {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid assignment id")
	}

	records, err := h.service.Errors(c.UserContext(), uint(assignmentID))
	if err != nil {
		requestLogger(h.logger, c).Error().Err(err).Msg("failed to list grading errors")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to list grading errors")
	}

	return utils.SendSuccess(c, "grading errors", records)
}

func resultParams(c *fiber.Ctx) (uint, uint, bool) {
	assignmentID, err := c.ParamsInt("assignmentId")
	if err != nil || assignmentID <= 0 {
		return 0, 0, false
	}

	studentID, err := c.ParamsInt("studentId")
	if err != nil || studentID <= 0 {
		return 0, 0, false
	}

	return uint(assignmentID), uint(studentID), true
}
