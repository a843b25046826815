package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"leadflow/apperrors"
	"leadflow/metrics"
	"leadflow/models"
	"leadflow/utils"
)

// RuleResult is the outcome of one automation rule for one client.
type RuleResult struct {
	Rule    string `json:"rule"`
	Flagged int    `json:"flagged,omitempty"`
	Created int    `json:"created"`
	Skipped int    `json:"skipped"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type RunAllResult struct {
	Results []RuleResult `json:"results"`
	Success bool         `json:"success"`
}

// AutomationEngine derives overdue state from touch timestamps and creates
// deduplicated follow-up tasks. Sweeps are triggered externally.
type AutomationEngine struct {
	db  *gorm.DB
	cfg Config
	log *logrus.Entry
	now func() time.Time
}

func NewAutomationEngine(db *gorm.DB, cfg Config) *AutomationEngine {
	return &AutomationEngine{
		db:  db,
		cfg: cfg.withDefaults(),
		log: utils.ComponentLogger("automation"),
		now: utcNow,
	}
}

func (e *AutomationEngine) threshold(lead models.Lead) time.Duration {
	hours := lead.OverdueThresholdHours
	if hours <= 0 {
		hours = e.cfg.DefaultOverdueHours
	}
	return time.Duration(hours) * time.Hour
}

// DetectOverdueLeads flags every touched lead whose silence exceeds its
// threshold. Leads never touched are never flagged. A zero ClientID in scope
// sweeps the whole tenant.
func (e *AutomationEngine) DetectOverdueLeads(ctx context.Context, scope models.Scope) ([]models.Lead, error) {
	var candidates []models.Lead
	if err := scope.Apply(e.db.WithContext(ctx)).
		Where("last_touch_at IS NOT NULL AND is_overdue = ?", false).
		Find(&candidates).Error; err != nil {
		return nil, err
	}

	now := e.now()
	flagged := []models.Lead{}
	for _, lead := range candidates {
		if lead.LastTouchAt == nil || now.Sub(*lead.LastTouchAt) <= e.threshold(lead) {
			continue
		}
		res := e.db.WithContext(ctx).Model(&models.Lead{}).
			Where("id = ? AND is_overdue = ?", lead.ID, false).
			Updates(map[string]interface{}{
				"is_overdue":    true,
				"overdue_since": *lead.LastTouchAt,
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			continue
		}
		lead.IsOverdue = true
		lead.OverdueSince = lead.LastTouchAt
		flagged = append(flagged, lead)
	}

	if len(flagged) > 0 {
		e.log.WithFields(logrus.Fields{
			"organization_id": scope.OrganizationID,
			"client_id":       scope.ClientID,
			"flagged":         len(flagged),
		}).Info("Overdue leads detected")
	}
	return flagged, nil
}

// leadsWithoutOpenTask selects leads of the scope that have no open task for rule.
func (e *AutomationEngine) leadsWithoutOpenTask(ctx context.Context, scope models.Scope, rule string) *gorm.DB {
	return e.db.WithContext(ctx).Model(&models.Lead{}).
		Select("leads.*").
		Where("leads.organization_id = ? AND leads.client_id = ?", scope.OrganizationID, scope.ClientID).
		Where(`NOT EXISTS (SELECT 1 FROM tasks WHERE tasks.lead_id = leads.id
			AND tasks.auto_rule = ? AND tasks.status IN ? AND tasks.deleted_at IS NULL)`,
			rule, models.OpenTaskStatuses)
}

// createRuleTask inserts an auto task; a uniqueness violation means another
// sweep got there first and is reported as skipped.
func (e *AutomationEngine) createRuleTask(ctx context.Context, task *models.Task) (bool, error) {
	if err := e.db.WithContext(ctx).Create(task).Error; err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	metrics.AutomationTasksCreated.WithLabelValues(*task.AutoRule).Inc()
	return true, nil
}

// Run48HourFollowUp creates one follow-up task per lead in an active campaign
// that has gone untouched for FollowUpAfter, is not disqualified and has an owner.
func (e *AutomationEngine) Run48HourFollowUp(ctx context.Context, scope models.Scope) (*RuleResult, error) {
	result := &RuleResult{Rule: models.AutoRuleFollowUp48h}
	now := e.now()
	cutoff := now.Add(-e.cfg.FollowUpAfter)

	var leads []models.Lead
	err := e.leadsWithoutOpenTask(ctx, scope, models.AutoRuleFollowUp48h).
		Joins("JOIN campaigns ON campaigns.id = leads.campaign_id AND campaigns.deleted_at IS NULL").
		Where("campaigns.status = ?", models.CampaignStatusActive).
		Where("leads.last_touch_at IS NOT NULL AND leads.last_touch_at <= ?", cutoff).
		Where("leads.status <> ?", models.LeadStatusDisqualified).
		Find(&leads).Error
	if err != nil {
		return nil, err
	}

	due := utils.NextLocalTime(now, e.cfg.Location, 9, 0)
	for _, lead := range leads {
		if lead.LastTouchAt == nil || lead.LastTouchAt.After(cutoff) {
			continue
		}
		if lead.OwnerID == nil {
			result.Skipped++
			e.log.WithField("lead_id", lead.ID).Info("Skipping follow-up for lead without owner")
			continue
		}

		task := models.Task{
			OrganizationID: lead.OrganizationID,
			ClientID:       lead.ClientID,
			LeadID:         lead.ID,
			AssigneeID:     lead.OwnerID,
			Title:          "Follow up with " + lead.DisplayName(),
			Description:    fmt.Sprintf("No touch since %s", lead.LastTouchAt.Format(time.RFC1123)),
			Type:           models.TaskTypeFollowUp,
			Priority:       models.TaskPriorityNormal,
			Status:         models.TaskStatusPending,
			DueAt:          utils.Pointer(due),
			AutoCreated:    true,
			AutoRule:       utils.Pointer(models.AutoRuleFollowUp48h),
		}
		created, err := e.createRuleTask(ctx, &task)
		if err != nil {
			return nil, err
		}
		if created {
			result.Created++
		} else {
			result.Skipped++
		}
	}

	result.Success = true
	e.logRule(scope, result)
	return result, nil
}

// RunOverdueDetection flags overdue leads, then opens an urgent task due end
// of day for every overdue lead with an owner and no open overdue task.
func (e *AutomationEngine) RunOverdueDetection(ctx context.Context, scope models.Scope) (*RuleResult, error) {
	result := &RuleResult{Rule: models.AutoRuleOverdueCheck}
	flagged, err := e.DetectOverdueLeads(ctx, scope)
	if err != nil {
		return nil, err
	}
	result.Flagged = len(flagged)

	var leads []models.Lead
	if err := e.leadsWithoutOpenTask(ctx, scope, models.AutoRuleOverdueCheck).
		Where("leads.is_overdue = ?", true).
		Find(&leads).Error; err != nil {
		return nil, err
	}

	due := utils.EndOfLocalDay(e.now(), e.cfg.Location)
	for _, lead := range leads {
		if lead.OwnerID == nil {
			result.Skipped++
			e.log.WithField("lead_id", lead.ID).Info("Skipping overdue task for lead without owner")
			continue
		}

		task := models.Task{
			OrganizationID: lead.OrganizationID,
			ClientID:       lead.ClientID,
			LeadID:         lead.ID,
			AssigneeID:     lead.OwnerID,
			Title:          "Overdue: " + lead.DisplayName(),
			Description:    fmt.Sprintf("No touch for more than %d hours", int(e.threshold(lead).Hours())),
			Type:           models.TaskTypeFollowUp,
			Priority:       models.TaskPriorityUrgent,
			Status:         models.TaskStatusPending,
			DueAt:          utils.Pointer(due),
			AutoCreated:    true,
			AutoRule:       utils.Pointer(models.AutoRuleOverdueCheck),
		}
		created, err := e.createRuleTask(ctx, &task)
		if err != nil {
			return nil, err
		}
		if created {
			result.Created++
		} else {
			result.Skipped++
		}
	}

	result.Success = true
	e.logRule(scope, result)
	return result, nil
}

// RunAll runs both sweeps concurrently. A failing rule is reported in its
// own result and never stops the other.
func (e *AutomationEngine) RunAll(ctx context.Context, scope models.Scope) *RunAllResult {
	rules := []struct {
		name string
		run  func(context.Context, models.Scope) (*RuleResult, error)
	}{
		{models.AutoRuleFollowUp48h, e.Run48HourFollowUp},
		{models.AutoRuleOverdueCheck, e.RunOverdueDetection},
	}

	results := make([]RuleResult, len(rules))
	var g errgroup.Group
	for i, rule := range rules {
		g.Go(func() error {
			res, err := rule.run(ctx, scope)
			if err != nil {
				utils.LogError("automation_rule_failed", err, map[string]interface{}{
					"rule":      rule.name,
					"client_id": scope.ClientID,
				})
				results[i] = RuleResult{Rule: rule.name, Error: err.Error()}
				return nil
			}
			results[i] = *res
			return nil
		})
	}
	_ = g.Wait()

	out := &RunAllResult{Results: results, Success: true}
	for _, r := range results {
		out.Success = out.Success && r.Success
	}
	return out
}

func (e *AutomationEngine) logRule(scope models.Scope, result *RuleResult) {
	utils.LogEvent("automation_rule_completed", map[string]interface{}{
		"rule":            result.Rule,
		"organization_id": scope.OrganizationID,
		"client_id":       scope.ClientID,
		"created":         result.Created,
		"skipped":         result.Skipped,
	})
}

// AutoCompleteReplyTasks completes every open follow-up task of the lead.
func (e *AutomationEngine) AutoCompleteReplyTasks(ctx context.Context, scope models.Scope, leadID uint) (int64, error) {
	return completeOpenFollowUps(e.db.WithContext(ctx), scope, leadID, e.now())
}

// CompleteTask closes a task and counts it as a touch on its lead.
func (e *AutomationEngine) CompleteTask(ctx context.Context, scope models.Scope, taskID uint) (*models.Task, error) {
	var task models.Task
	err := scope.Apply(e.db.WithContext(ctx)).First(&task, taskID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound("task %d", taskID)
	}
	if err != nil {
		return nil, err
	}
	if task.Status == models.TaskStatusCompleted {
		return &task, nil
	}
	if !task.IsOpen() {
		return nil, apperrors.Conflict("task %d is %s", taskID, task.Status)
	}

	now := e.now()
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Task{}).
			Where("id = ? AND status IN ?", task.ID, models.OpenTaskStatuses).
			Updates(map[string]interface{}{
				"status":       models.TaskStatusCompleted,
				"completed_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperrors.Conflict("task %d changed concurrently", taskID)
		}
		if err := touchLead(tx, scope, task.LeadID, now); err != nil {
			return err
		}
		return tx.Create(&models.LeadActivity{
			OrganizationID: task.OrganizationID,
			ClientID:       task.ClientID,
			LeadID:         task.LeadID,
			ActivityType:   models.ActivityTaskDone,
			ActivityAt:     now,
			Details:        task.Title,
		}).Error
	})
	if err != nil {
		return nil, err
	}

	task.Status = models.TaskStatusCompleted
	task.CompletedAt = &now
	return &task, nil
}

// touchLead records a qualifying interaction. last_touch_at never moves
// backwards and the overdue flag is cleared.
func touchLead(tx *gorm.DB, scope models.Scope, leadID uint, at time.Time) error {
	var lead models.Lead
	err := scope.Apply(tx).First(&lead, leadID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperrors.NotFound("lead %d", leadID)
	}
	if err != nil {
		return err
	}

	touch := at
	if lead.LastTouchAt != nil && lead.LastTouchAt.After(at) {
		touch = *lead.LastTouchAt
	}
	return tx.Model(&models.Lead{}).Where("id = ?", lead.ID).Updates(map[string]interface{}{
		"last_touch_at": touch,
		"is_overdue":    false,
		"overdue_since": nil,
	}).Error
}

func completeOpenFollowUps(tx *gorm.DB, scope models.Scope, leadID uint, at time.Time) (int64, error) {
	res := scope.Apply(tx.Model(&models.Task{})).
		Where("lead_id = ? AND type = ? AND status IN ?", leadID, models.TaskTypeFollowUp, models.OpenTaskStatuses).
		Updates(map[string]interface{}{
			"status":       models.TaskStatusCompleted,
			"completed_at": at,
		})
	return res.RowsAffected, res.Error
}
