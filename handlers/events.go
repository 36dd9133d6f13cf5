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

// maxListRangeDays caps the events listing window; the resync fetch never
// needs more than a quarter's worth of calendar.
const maxListRangeDays = 90

type EventsHandler struct {
	events *repository.EventsRepository
	lenses *repository.LensesRepository
	auth   *repository.AuthRepository
	broker *live.Broker
}

func NewEventsHandler(events *repository.EventsRepository, lenses *repository.LensesRepository, auth *repository.AuthRepository, broker *live.Broker) *EventsHandler {
	return &EventsHandler{events: events, lenses: lenses, auth: auth, broker: broker}
}

func (h *EventsHandler) currentMember(c *gin.Context) *models.Member {
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

func eventToOut(ev *models.Event) types.EventOut {
	memberIDs := ev.MemberIDs
	if memberIDs == nil {
		memberIDs = []string{}
	}
	return types.EventOut{
		ID:           ev.ID,
		ProjectID:    ev.ProjectID,
		Title:        ev.Title,
		Description:  ev.Description,
		CategoryID:   ev.CategoryID,
		LensID:       ev.LensID,
		MemberID:     ev.MemberID,
		MemberIDs:    memberIDs,
		Kind:         ev.Kind,
		DateLocal:    types.DateOf(ev.DateLocal),
		EndDateLocal: types.DateOf(ev.EndDateLocal),
		StartAt:      ev.StartAt,
		EndAt:        ev.EndAt,
		IsActive:     ev.IsActive,
		CreatedBy:    ev.CreatedBy,
		CreatedAt:    ev.CreatedAt,
		UpdatedAt:    ev.UpdatedAt,
	}
}

// publishEvent fans an entity message out to the project-wide events channel
// and, when the event sits on a lens, to that lens's channel. The envelope's
// updatedAt is the event's server timestamp, which is the ordering key for
// client-side merges.
func (h *EventsHandler) publishEvent(msgType string, out types.EventOut) {
	msg, err := types.NewLiveMessage(out.ProjectID, out.LensID, msgType, out.ID, out, out.UpdatedAt)
	if err != nil {
		slog.Error("failed to build live message", "type", msgType, "err", err)
		return
	}
	channels := []string{live.ProjectEventsChannel(out.ProjectID)}
	if out.LensID != nil {
		channels = append(channels, live.CalendarChannel(*out.LensID))
	}
	h.broker.PublishAll(channels, msg)
}

// publishEventDeleted sends a payload-less deletion notice. Clients turn the
// updatedAt into a tombstone, so it must be the deletion timestamp.
func (h *EventsHandler) publishEventDeleted(ev *models.Event) {
	msg, err := types.NewLiveMessage(ev.ProjectID, ev.LensID, types.LiveEventDeleted, ev.ID, nil, ev.UpdatedAt)
	if err != nil {
		slog.Error("failed to build live message", "type", types.LiveEventDeleted, "err", err)
		return
	}
	channels := []string{live.ProjectEventsChannel(ev.ProjectID)}
	if ev.LensID != nil {
		channels = append(channels, live.CalendarChannel(*ev.LensID))
	}
	h.broker.PublishAll(channels, msg)
}

// GET /events?from=YYYY-MM-DD&to=YYYY-MM-DD[&lensId=][&categoryId=][&memberId=]
// This is also the resync fetch: the response is the authoritative state of
// the requested scope and clients replace their collection with it wholesale.
func (h *EventsHandler) List(c *gin.Context) {
	from, err := types.ParseDate(c.Query("from"))
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.ErrorCodeValidation, "from must be YYYY-MM-DD"))
		return
	}
	to, err := types.ParseDate(c.Query("to"))
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.ErrorCodeValidation, "to must be YYYY-MM-DD"))
		return
	}
	if from.DaysUntil(to) > maxListRangeDays {
		c.JSON(http.StatusUnprocessableEntity, types.NewErrorResponse(types.ErrorCodeValidation, "Range is limited to 90 days"))
		return
	}

	member := h.currentMember(c)
	if member == nil {
		return
	}

	filter := repository.EventsFilter{
		ProjectID: member.ProjectID,
		From:      from.Time,
		To:        to.Time,
	}
	if v := c.Query("categoryId"); v != "" {
		filter.CategoryID = &v
	}
	if v := c.Query("memberId"); v != "" {
		filter.MemberID = &v
	}
	if v := c.Query("lensId"); v != "" {
		lens, err := h.lenses.LensByID(v)
		if err != nil {
			c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.ErrorCodeInternal, "Failed to load lens"))
			return
		}
		if lens == nil || lens.ProjectID != member.ProjectID || !lens.VisibleTo(member.ID, member.UserID) {
			c.JSON(http.StatusForbidden, types.NewErrorResponse(types.ErrorCodeForbidden, "No access to the calendar"))
			return
		}
		filter.LensID = &v
	}

	events, err := h.events.List(filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.ErrorCodeInternal, "Failed to list events"))
		return
	}

	// Events on a lens are only visible through lenses the member can see;
	// unlensed events are visible project-wide.
	visible := events
	if filter.LensID == nil {
		lenses, err := h.lenses.LensesByProject(member.ProjectID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.ErrorCodeInternal, "Failed to load lenses"))
			return
		}
		lensMap := make(map[string]*models.CalendarLens, len(lenses))
		for i := range lenses {
			lensMap[lenses[i].ID] = &lenses[i]
		}
		visible = visible[:0]
		for i := range events {
			if events[i].LensID == nil {
				visible = append(visible, events[i])
				continue
			}
			if lens, ok := lensMap[*events[i].LensID]; ok && lens.VisibleTo(member.ID, member.UserID) {
				visible = append(visible, events[i])
			}
		}
	}

	out := make([]types.EventOut, 0, len(visible))
	for i := range visible {
		out = append(out, eventToOut(&visible[i]))
	}
	c.JSON(http.StatusOK, types.NewSuccessResponse(out))
}

// POST /events
func (h *EventsHandler) Create(c *gin.Context) {
	var req types.CreateEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.ErrorCodeValidation, err.Error()))
		return
	}
	member := h.currentMember(c)
	if member == nil {
		return
	}

	kind := req.Kind
	if kind == "" {
		kind = types.EventKindNote
	}
	switch kind {
	case types.EventKindNote, types.EventKindRange, types.EventKindActive:
	default:
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.ErrorCodeValidation, "Unknown event kind"))
		return
	}

	endDate := req.DateLocal
	if req.EndDateLocal != nil {
		endDate = *req.EndDateLocal
	}
	if endDate.Before(req.DateLocal) {
		c.JSON(http.StatusUnprocessableEntity, types.NewErrorResponse(types.ErrorCodeValidation, "endDateLocal must be >= dateLocal"))
		return
	}
	if req.StartAt != nil && req.EndAt != nil && req.EndAt.Before(*req.StartAt) {
		c.JSON(http.StatusUnprocessableEntity, types.NewErrorResponse(types.ErrorCodeValidation, "endAt must be >= startAt"))
		return
	}
	if req.LensID != nil {
		if ok := h.verifyLens(c, member, *req.LensID); !ok {
			return
		}
	}

	ev := models.Event{
		ProjectID:    member.ProjectID,
		Title:        req.Title,
		Description:  req.Description,
		CategoryID:   req.CategoryID,
		LensID:       req.LensID,
		MemberIDs:    req.MemberIDs,
		Kind:         kind,
		DateLocal:    req.DateLocal.Time,
		EndDateLocal: endDate.Time,
		StartAt:      req.StartAt,
		EndAt:        req.EndAt,
		CreatedBy:    member.UserID,
	}
	if len(req.MemberIDs) == 1 {
		ev.MemberID = &req.MemberIDs[0]
	}
	if err := h.events.Create(&ev); err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.ErrorCodeInternal, "Failed to create event"))
		return
	}

	out := eventToOut(&ev)
	h.publishEvent(types.LiveEventCreated, out)
	c.JSON(http.StatusCreated, types.NewSuccessResponse(out))
}

// PATCH /events/:id
func (h *EventsHandler) Patch(c *gin.Context) {
	var req types.PatchEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.ErrorCodeValidation, err.Error()))
		return
	}
	member := h.currentMember(c)
	if member == nil {
		return
	}
	ev := h.loadOwnEvent(c, member)
	if ev == nil {
		return
	}

	if req.Title != nil {
		ev.Title = *req.Title
	}
	if req.Description != nil {
		ev.Description = req.Description
	}
	if req.CategoryID != nil {
		ev.CategoryID = req.CategoryID
	}
	if req.ClearLens {
		ev.LensID = nil
	} else if req.LensID != nil {
		if ok := h.verifyLens(c, member, *req.LensID); !ok {
			return
		}
		ev.LensID = req.LensID
	}
	if req.MemberIDs != nil {
		ev.MemberIDs = req.MemberIDs
		ev.MemberID = nil
		if len(req.MemberIDs) == 1 {
			ev.MemberID = &req.MemberIDs[0]
		}
	}
	if req.DateLocal != nil {
		ev.DateLocal = req.DateLocal.Time
	}
	if req.EndDateLocal != nil {
		ev.EndDateLocal = req.EndDateLocal.Time
	}
	if ev.EndDateLocal.Before(ev.DateLocal) {
		c.JSON(http.StatusUnprocessableEntity, types.NewErrorResponse(types.ErrorCodeValidation, "endDateLocal must be >= dateLocal"))
		return
	}
	if req.StartAt != nil {
		ev.StartAt = req.StartAt
	}
	if req.EndAt != nil {
		ev.EndAt = req.EndAt
	}

	if err := h.events.Update(ev); err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.ErrorCodeInternal, "Failed to update event"))
		return
	}

	out := eventToOut(ev)
	h.publishEvent(types.LiveEventUpdated, out)
	c.JSON(http.StatusOK, types.NewSuccessResponse(out))
}

// POST /events/:id/start and /events/:id/stop toggle an ACTIVE event's
// running state.
func (h *EventsHandler) Start(c *gin.Context) { h.setActive(c, true) }
func (h *EventsHandler) Stop(c *gin.Context)  { h.setActive(c, false) }

func (h *EventsHandler) setActive(c *gin.Context, active bool) {
	member := h.currentMember(c)
	if member == nil {
		return
	}
	ev := h.loadOwnEvent(c, member)
	if ev == nil {
		return
	}
	if ev.Kind != types.EventKindActive {
		c.JSON(http.StatusUnprocessableEntity, types.NewErrorResponse(types.ErrorCodeValidation, "Only ACTIVE events can be started or stopped"))
		return
	}
	ev.IsActive = active
	if err := h.events.Update(ev); err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.ErrorCodeInternal, "Failed to update event"))
		return
	}
	out := eventToOut(ev)
	msgType := types.LiveEventStarted
	if !active {
		msgType = types.LiveEventStopped
	}
	h.publishEvent(msgType, out)
	c.JSON(http.StatusOK, types.NewSuccessResponse(out))
}

// DELETE /events/:id
func (h *EventsHandler) Delete(c *gin.Context) {
	member := h.currentMember(c)
	if member == nil {
		return
	}
	ev := h.loadOwnEvent(c, member)
	if ev == nil {
		return
	}

	deletedAt, err := h.events.SoftDelete(ev.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.ErrorCodeInternal, "Failed to delete event"))
		return
	}
	if !deletedAt.IsZero() {
		ev.UpdatedAt = deletedAt
		h.publishEventDeleted(ev)
	}
	c.Status(http.StatusNoContent)
}

func (h *EventsHandler) loadOwnEvent(c *gin.Context, member *models.Member) *models.Event {
	ev, err := h.events.GetByID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.ErrorCodeInternal, "Failed to load event"))
		return nil
	}
	if ev == nil || ev.DeletedAt != nil || ev.ProjectID != member.ProjectID {
		c.JSON(http.StatusNotFound, types.NewErrorResponse(types.ErrorCodeNotFound, "Event not found"))
		return nil
	}
	return ev
}

func (h *EventsHandler) verifyLens(c *gin.Context, member *models.Member, lensID string) bool {
	lens, err := h.lenses.LensByID(lensID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.ErrorCodeInternal, "Failed to load lens"))
		return false
	}
	if lens == nil || lens.ProjectID != member.ProjectID || !lens.VisibleTo(member.ID, member.UserID) {
		c.JSON(http.StatusNotFound, types.NewErrorResponse(types.ErrorCodeNotFound, "Calendar not found"))
		return false
	}
	return true
}
