package controller

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"onboardmail/onboarding"
	"onboardmail/utils"
	"onboardmail/worker"
)

type StartOnboardingRequest struct {
	UserID string `json:"user_id" validate:"required,max=191"`
	Email  string `json:"email" validate:"required,email"`
}

// TickRunner runs one onboarding pass on demand.
type TickRunner interface {
	RunTick(ctx context.Context) (worker.TickResult, error)
}

type OnboardingController struct {
	service *onboarding.Service
	runner  TickRunner
	logger  logrus.FieldLogger
}

func NewOnboardingController(service *onboarding.Service, runner TickRunner, logger logrus.FieldLogger) *OnboardingController {
	return &OnboardingController{
		service: service,
		runner:  runner,
		logger:  logger,
	}
}

// StartOnboarding starts a user's sequence. Repeated calls return the
// existing sequence unchanged.
func (oc *OnboardingController) StartOnboarding(c *fiber.Ctx) error {
	var req StartOnboardingRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}

	if err := utils.ValidateStruct(req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	}

	seq, err := oc.service.StartSequence(c.UserContext(), req.UserID, req.Email)
	switch {
	case errors.Is(err, onboarding.ErrInvalidUserID), errors.Is(err, onboarding.ErrInvalidEmail):
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid onboarding request", err)
	case err != nil:
		utils.LogError(oc.logger, "onboarding_start", err, logrus.Fields{"user_id": req.UserID})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to start onboarding", nil)
	}

	return c.JSON(utils.SuccessResponse(seq))
}

func (oc *OnboardingController) GetOnboardingStatus(c *fiber.Ctx) error {
	userID := c.Params("userId")

	status, err := oc.service.GetSequenceStatus(c.UserContext(), userID)
	switch {
	case errors.Is(err, onboarding.ErrNotFound):
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Onboarding sequence not found", nil)
	case errors.Is(err, onboarding.ErrInvalidUserID):
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid user id", err)
	case err != nil:
		utils.LogError(oc.logger, "onboarding_status", err, logrus.Fields{"user_id": userID})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch onboarding status", nil)
	}

	return c.JSON(utils.SuccessResponse(status))
}

// RunTick triggers a pass outside the daily schedule.
func (oc *OnboardingController) RunTick(c *fiber.Ctx) error {
	res, err := oc.runner.RunTick(c.UserContext())
	if err != nil {
		status := fiber.StatusInternalServerError
		if errors.Is(err, utils.ErrProviderNotConfigured) {
			status = fiber.StatusServiceUnavailable
		}
		utils.LogError(oc.logger, "onboarding_manual_tick", err, logrus.Fields{"sent": res.Sent, "failed": res.Failed})
		return c.Status(status).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
			"data":    res,
		})
	}

	return c.JSON(utils.SuccessResponse(res))
}
