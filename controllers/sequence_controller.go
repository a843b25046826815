package controller

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"leadflow/middleware"
	"leadflow/services"
	"leadflow/utils"
)

type SequenceController struct {
	Outreach *services.OutreachService
	Logger   *logrus.Entry
}

func NewSequenceController(outreach *services.OutreachService) *SequenceController {
	return &SequenceController{
		Outreach: outreach,
		Logger:   utils.ComponentLogger("sequence_controller"),
	}
}

func (sc *SequenceController) CreateSequence(c *fiber.Ctx) error {
	var input services.SequenceInput
	if err := parseBody(c, &input); err != nil {
		return utils.ServiceError(c, "Invalid request body", err)
	}

	seq, err := sc.Outreach.Sequences.CreateSequence(c.UserContext(), middleware.Scope(c), input)
	if err != nil {
		return utils.ServiceError(c, "Failed to create sequence", err)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(seq))
}

func (sc *SequenceController) GetSequences(c *fiber.Ctx) error {
	sequences, err := sc.Outreach.Sequences.ListSequences(c.UserContext(), middleware.Scope(c), c.Query("status"))
	if err != nil {
		return utils.ServiceError(c, "Failed to fetch sequences", err)
	}
	return c.JSON(utils.SuccessResponse(sequences))
}

func (sc *SequenceController) GetSequence(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return utils.ServiceError(c, "Invalid sequence ID", err)
	}

	seq, err := sc.Outreach.Sequences.GetSequence(c.UserContext(), middleware.Scope(c), id)
	if err != nil {
		return utils.ServiceError(c, "Sequence not found", err)
	}
	return c.JSON(utils.SuccessResponse(seq))
}

func (sc *SequenceController) UpdateSequence(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return utils.ServiceError(c, "Invalid sequence ID", err)
	}
	var input services.SequenceUpdate
	if err := parseBody(c, &input); err != nil {
		return utils.ServiceError(c, "Invalid request body", err)
	}

	seq, err := sc.Outreach.Sequences.UpdateSequence(c.UserContext(), middleware.Scope(c), id, input)
	if err != nil {
		return utils.ServiceError(c, "Failed to update sequence", err)
	}
	return c.JSON(utils.SuccessResponse(seq))
}

func (sc *SequenceController) DeleteSequence(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return utils.ServiceError(c, "Invalid sequence ID", err)
	}

	if err := sc.Outreach.Sequences.DeleteSequence(c.UserContext(), middleware.Scope(c), id); err != nil {
		return utils.ServiceError(c, "Failed to delete sequence", err)
	}
	return c.JSON(fiber.Map{
		"success": true,
		"message": "Sequence deleted successfully",
	})
}

func (sc *SequenceController) AddStep(c *fiber.Ctx) error {
	sequenceID, err := paramID(c, "id")
	if err != nil {
		return utils.ServiceError(c, "Invalid sequence ID", err)
	}
	var input services.StepInput
	if err := parseBody(c, &input); err != nil {
		return utils.ServiceError(c, "Invalid request body", err)
	}

	step, err := sc.Outreach.Sequences.AddStep(c.UserContext(), middleware.Scope(c), sequenceID, input)
	if err != nil {
		return utils.ServiceError(c, "Failed to add step", err)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(step))
}

func (sc *SequenceController) UpdateStep(c *fiber.Ctx) error {
	sequenceID, err := paramID(c, "id")
	if err != nil {
		return utils.ServiceError(c, "Invalid sequence ID", err)
	}
	stepID, err := paramID(c, "stepId")
	if err != nil {
		return utils.ServiceError(c, "Invalid step ID", err)
	}
	var input services.StepUpdate
	if err := parseBody(c, &input); err != nil {
		return utils.ServiceError(c, "Invalid request body", err)
	}

	step, err := sc.Outreach.Sequences.UpdateStep(c.UserContext(), middleware.Scope(c), sequenceID, stepID, input)
	if err != nil {
		return utils.ServiceError(c, "Failed to update step", err)
	}
	return c.JSON(utils.SuccessResponse(step))
}

func (sc *SequenceController) DeleteStep(c *fiber.Ctx) error {
	sequenceID, err := paramID(c, "id")
	if err != nil {
		return utils.ServiceError(c, "Invalid sequence ID", err)
	}
	stepID, err := paramID(c, "stepId")
	if err != nil {
		return utils.ServiceError(c, "Invalid step ID", err)
	}

	if err := sc.Outreach.Sequences.DeleteStep(c.UserContext(), middleware.Scope(c), sequenceID, stepID); err != nil {
		return utils.ServiceError(c, "Failed to delete step", err)
	}
	return c.JSON(fiber.Map{
		"success": true,
		"message": "Step deleted successfully",
	})
}

// Enroll binds a batch of leads to the sequence. Leads that cannot be
// enrolled are counted in the response rather than failing the request.
func (sc *SequenceController) Enroll(c *fiber.Ctx) error {
	sequenceID, err := paramID(c, "id")
	if err != nil {
		return utils.ServiceError(c, "Invalid sequence ID", err)
	}
	var input struct {
		LeadIDs idList `json:"leadIds"`
	}
	if err := parseBody(c, &input); err != nil {
		return utils.ServiceError(c, "Invalid request body", err)
	}
	if len(input.LeadIDs) == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "leadIds is required", nil)
	}

	result, err := sc.Outreach.Sequences.Enroll(c.UserContext(), middleware.Scope(c), sequenceID, input.LeadIDs)
	if err != nil {
		return utils.ServiceError(c, "Failed to enroll leads", err)
	}
	sc.Logger.WithFields(logrus.Fields{
		"sequence_id": sequenceID,
		"requested":   len(input.LeadIDs),
		"enrolled":    result.Enrolled,
	}).Info("Enrollment request handled")
	return c.JSON(utils.SuccessResponse(result))
}

func (sc *SequenceController) GetEnrollment(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return utils.ServiceError(c, "Invalid enrollment ID", err)
	}

	enrollment, err := sc.Outreach.Sequences.GetEnrollment(c.UserContext(), middleware.Scope(c), id)
	if err != nil {
		return utils.ServiceError(c, "Enrollment not found", err)
	}
	return c.JSON(utils.SuccessResponse(enrollment))
}

func (sc *SequenceController) UpdateEnrollment(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return utils.ServiceError(c, "Invalid enrollment ID", err)
	}
	var input struct {
		Status string `json:"status" validate:"required"`
	}
	if err := parseBody(c, &input); err != nil {
		return utils.ServiceError(c, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ServiceError(c, "Invalid request body", err)
	}

	enrollment, err := sc.Outreach.Sequences.UpdateEnrollment(c.UserContext(), middleware.Scope(c), id, input.Status)
	if err != nil {
		return utils.ServiceError(c, "Failed to update enrollment", err)
	}
	return c.JSON(utils.SuccessResponse(enrollment))
}

// ExecuteStep runs the enrollment's current step now, outside the scheduler.
func (sc *SequenceController) ExecuteStep(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return utils.ServiceError(c, "Invalid enrollment ID", err)
	}
	if _, err := sc.Outreach.Sequences.GetEnrollment(c.UserContext(), middleware.Scope(c), id); err != nil {
		return utils.ServiceError(c, "Enrollment not found", err)
	}

	exec, err := sc.Outreach.ExecuteStep(c.UserContext(), id)
	if err != nil {
		return utils.ServiceError(c, "Failed to execute step", err)
	}
	return c.JSON(utils.SuccessResponse(exec))
}
