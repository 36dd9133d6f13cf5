package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"famcal-api/live"
	"famcal-api/models"
	"famcal-api/repository"
	"famcal-api/types"
)

type LensesHandler struct {
	lenses *repository.LensesRepository
	auth   *repository.AuthRepository
	broker *live.Broker
}

func NewLensesHandler(lenses *repository.LensesRepository, auth *repository.AuthRepository, broker *live.Broker) *LensesHandler {
	return &LensesHandler{lenses: lenses, auth: auth, broker: broker}
}

func lensToOut(lens *models.CalendarLens) types.LensOut {
	memberIDs := lens.MemberIDs
	if memberIDs == nil {
		memberIDs = []string{}
	}
	return types.LensOut{
		ID:        lens.ID,
		ProjectID: lens.ProjectID,
		Name:      lens.Name,
		View:      lens.View,
		MemberIDs: memberIDs,
		CreatedBy: lens.CreatedBy,
		CreatedAt: lens.CreatedAt,
		UpdatedAt: lens.UpdatedAt,
	}
}

// publishMeta announces lens/membership changes on the project meta channel
// and the lens's own channel. Clients never patch these incrementally; the
// message is a signal to resync because filtering rules may have changed.
func (h *LensesHandler) publishMeta(msgType string, lens *models.CalendarLens) {
	lensID := lens.ID
	msg, err := types.NewLiveMessage(lens.ProjectID, &lensID, msgType, lens.ID, nil, lens.UpdatedAt)
	if err != nil {
		slog.Error("failed to build live message", "type", msgType, "err", err)
		return
	}
	h.broker.PublishAll([]string{
		live.ProjectMetaChannel(lens.ProjectID),
		live.CalendarChannel(lens.ID),
	}, msg)
}

func (h *LensesHandler) currentMember(c *gin.Context) *models.Member {
	userID := c.GetString("userId")
	member, err := h.auth.MemberByUserID(userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.ErrorCodeInternal, "Failed to resolve membership"))
		return nil
	}
	if member == nil {
		c.JSON(http.StatusForbidden, types.NewErrorResponse(types.ErrorCodeForbidden, "No project membership"))
		return nil
	}
	return member
}

// GET /calendars
func (h *LensesHandler) List(c *gin.Context) {
	member := h.currentMember(c)
	if member == nil {
		return
	}
	lenses, err := h.lenses.LensesByProject(member.ProjectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.ErrorCodeInternal, "Failed to list calendars"))
		return
	}
	out := make([]types.LensOut, 0, len(lenses))
	for i := range lenses {
		if lenses[i].VisibleTo(member.ID, member.UserID) {
			out = append(out, lensToOut(&lenses[i]))
		}
	}
	c.JSON(http.StatusOK, types.NewSuccessResponse(out))
}

// POST /calendars
func (h *LensesHandler) Create(c *gin.Context) {
	var req struct {
		Name      string   `json:"name" binding:"required"`
		View      string   `json:"view"`
		MemberIDs []string `json:"memberIds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.ErrorCodeValidation, err.Error()))
		return
	}
	member := h.currentMember(c)
	if member == nil {
		return
	}
	if req.View == "" {
		req.View = models.LensViewWeek
	}
	switch req.View {
	case models.LensViewDay, models.LensViewWeek, models.LensViewMonth, models.LensViewTimeline, models.LensViewList:
	default:
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.ErrorCodeValidation, "Unknown view"))
		return
	}

	lens := models.CalendarLens{
		ProjectID: member.ProjectID,
		Name:      req.Name,
		View:      req.View,
		MemberIDs: req.MemberIDs,
		CreatedBy: member.UserID,
	}
	if err := h.lenses.Create(&lens); err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.ErrorCodeInternal, "Failed to create calendar"))
		return
	}
	h.publishMeta(types.LiveCalendarUpdated, &lens)
	c.JSON(http.StatusCreated, types.NewSuccessResponse(lensToOut(&lens)))
}

// PATCH /calendars/:id
func (h *LensesHandler) Update(c *gin.Context) {
	var req struct {
		Name      *string  `json:"name"`
		View      *string  `json:"view"`
		MemberIDs []string `json:"memberIds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.ErrorCodeValidation, err.Error()))
		return
	}
	member := h.currentMember(c)
	if member == nil {
		return
	}
	lens := h.loadOwnLens(c, member)
	if lens == nil {
		return
	}

	membersChanged := false
	if req.Name != nil {
		lens.Name = *req.Name
	}
	if req.View != nil {
		switch *req.View {
		case models.LensViewDay, models.LensViewWeek, models.LensViewMonth, models.LensViewTimeline, models.LensViewList:
		default:
			c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.ErrorCodeValidation, "Unknown view"))
			return
		}
		lens.View = *req.View
	}
	if req.MemberIDs != nil {
		lens.MemberIDs = req.MemberIDs
		membersChanged = true
	}
	if err := h.lenses.Update(lens); err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.ErrorCodeInternal, "Failed to update calendar"))
		return
	}

	h.publishMeta(types.LiveCalendarUpdated, lens)
	if membersChanged {
		// The allowlist changed: viewers may have gained or lost access, so
		// their scope filters are stale.
		h.publishMeta(types.LiveMemberChanged, lens)
	}
	c.JSON(http.StatusOK, types.NewSuccessResponse(lensToOut(lens)))
}

// DELETE /calendars/:id
func (h *LensesHandler) Delete(c *gin.Context) {
	member := h.currentMember(c)
	if member == nil {
		return
	}
	lens := h.loadOwnLens(c, member)
	if lens == nil {
		return
	}
	if err := h.lenses.Delete(lens.ID); err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.ErrorCodeInternal, "Failed to delete calendar"))
		return
	}
	h.publishMeta(types.LiveCalendarDeleted, lens)
	c.Status(http.StatusNoContent)
}

func (h *LensesHandler) loadOwnLens(c *gin.Context, member *models.Member) *models.CalendarLens {
	lens, err := h.lenses.LensByID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.ErrorCodeInternal, "Failed to load calendar"))
		return nil
	}
	if lens == nil || lens.ProjectID != member.ProjectID {
		c.JSON(http.StatusNotFound, types.NewErrorResponse(types.ErrorCodeNotFound, "Calendar not found"))
		return nil
	}
	if lens.CreatedBy != member.UserID {
		c.JSON(http.StatusForbidden, types.NewErrorResponse(types.ErrorCodeForbidden, "Only the creator can modify a calendar"))
		return nil
	}
	return lens
}
