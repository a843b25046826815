package controller

import (
	"github.com/gofiber/fiber/v2"

	"leadflow/middleware"
	"leadflow/services"
	"leadflow/utils"
)

type AutomationController struct {
	Engine *services.AutomationEngine
}

func NewAutomationController(engine *services.AutomationEngine) *AutomationController {
	return &AutomationController{Engine: engine}
}

// RunAll always answers 200; each rule reports its own success.
func (ac *AutomationController) RunAll(c *fiber.Ctx) error {
	result := ac.Engine.RunAll(c.UserContext(), middleware.Scope(c))
	return c.JSON(fiber.Map{
		"success": result.Success,
		"data":    result,
	})
}

func (ac *AutomationController) Run48HourFollowUp(c *fiber.Ctx) error {
	result, err := ac.Engine.Run48HourFollowUp(c.UserContext(), middleware.Scope(c))
	if err != nil {
		return utils.ServiceError(c, "Follow-up automation failed", err)
	}
	return c.JSON(utils.SuccessResponse(result))
}

func (ac *AutomationController) RunOverdueDetection(c *fiber.Ctx) error {
	result, err := ac.Engine.RunOverdueDetection(c.UserContext(), middleware.Scope(c))
	if err != nil {
		return utils.ServiceError(c, "Overdue detection failed", err)
	}
	return c.JSON(utils.SuccessResponse(result))
}

func (ac *AutomationController) CompleteTask(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return utils.ServiceError(c, "Invalid task ID", err)
	}

	task, err := ac.Engine.CompleteTask(c.UserContext(), middleware.Scope(c), id)
	if err != nil {
		return utils.ServiceError(c, "Failed to complete task", err)
	}
	return c.JSON(utils.SuccessResponse(task))
}
