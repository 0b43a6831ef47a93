package handlers

import (
	"errors"
	"net/http"
	"time"

	"allocation-service/internal/dto"
	"allocation-service/internal/models"
	"allocation-service/internal/numeric"
	"allocation-service/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const etdLayout = "2006-01-02"

type AllocationHandler struct {
	svc service.AllocationService
	log *zap.Logger
}

func NewAllocationHandler(svc service.AllocationService, log *zap.Logger) *AllocationHandler {
	return &AllocationHandler{svc: svc, log: log}
}

// Create godoc
// @Summary Создать план распределения
// @Description Резервирует снабжение под строку спроса (одна или несколько позиций)
// @Tags allocations
// @Accept json
// @Produce json
// @Param allocation body dto.CreateAllocationRequest true "Позиции распределения"
// @Success 201 {object} dto.CreateAllocationResponse
// @Failure 400 {object} dto.ValidationErrorResponse "Нарушения валидации"
// @Failure 401 {object} dto.UnauthorizedErrorResponse "Сессия недействительна"
// @Failure 403 {object} dto.ForbiddenErrorResponse "Роль не допускает операцию"
// @Failure 409 {object} dto.ConflictErrorResponse "Over-allocation или недостаток снабжения"
// @Router /api/v1/allocations [post]
func (h *AllocationHandler) Create(c *gin.Context) {
	var req dto.CreateAllocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Warn("Некорректное тело запроса на создание распределения", zap.Error(err))
		c.JSON(http.StatusBadRequest, dto.NewValidationError("invalid request body", nil))
		return
	}

	lineID, err := uuid.Parse(req.DemandLineID)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.NewValidationError("demand_line_id must be a UUID", nil))
		return
	}

	in := service.CreateInput{
		DemandType:   req.DemandType,
		DemandLineID: lineID,
		Mode:         models.AllocationMode(req.Mode),
		Notes:        req.Notes,
	}
	if req.ETD != nil {
		etd, perr := time.Parse(etdLayout, *req.ETD)
		if perr != nil {
			c.JSON(http.StatusBadRequest, dto.NewValidationError("etd must be YYYY-MM-DD", nil))
			return
		}
		in.ETD = &etd
	}
	for _, it := range req.Items {
		item := service.CreateItem{Qty: numeric.Coerce(it.Qty)}
		if it.SourceType != nil {
			st := models.SupplySourceType(*it.SourceType)
			item.SourceType = &st
		}
		if it.SourceID != nil {
			sid, perr := uuid.Parse(*it.SourceID)
			if perr != nil {
				c.JSON(http.StatusBadRequest, dto.NewValidationError("source_id must be a UUID", nil))
				return
			}
			item.SourceID = &sid
		}
		in.Items = append(in.Items, item)
	}

	res, err := h.svc.Create(c.Request.Context(), in)
	if err != nil {
		h.respondError(c, err, "Create")
		return
	}

	out := dto.CreateAllocationResponse{
		PlanID:           res.PlanID.String(),
		AllocationNumber: res.AllocationNumber,
		TotalQty:         res.TotalQty.String(),
	}
	for _, id := range res.DetailIDs {
		out.DetailIDs = append(out.DetailIDs, id.String())
	}
	c.JSON(http.StatusCreated, out)
}

// Cancel godoc
// @Summary Частично или полностью отменить позицию распределения
// @Tags allocations
// @Accept json
// @Produce json
// @Param id path string true "ID позиции распределения"
// @Param cancellation body dto.CancelAllocationRequest true "Количество и причина"
// @Success 200 {object} dto.CancelAllocationResponse
// @Failure 400 {object} dto.ValidationErrorResponse
// @Failure 404 {object} dto.NotFoundErrorResponse
// @Failure 409 {object} dto.ConflictErrorResponse
// @Router /api/v1/allocations/details/{id}/cancellations [post]
func (h *AllocationHandler) Cancel(c *gin.Context) {
	detailID, ok := h.pathUUID(c, "id")
	if !ok {
		return
	}
	var req dto.CancelAllocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.NewValidationError("invalid request body", nil))
		return
	}

	res, err := h.svc.Cancel(c.Request.Context(), service.CancelInput{
		DetailID: detailID,
		Qty:      numeric.Coerce(req.Qty),
		Reason:   req.Reason,
		Category: models.ReasonCategory(req.Category),
	})
	if err != nil {
		h.respondError(c, err, "Cancel")
		return
	}

	c.JSON(http.StatusOK, dto.CancelAllocationResponse{
		CancellationID: res.CancellationID.String(),
		DetailID:       res.DetailID.String(),
		PendingQty:     res.PendingQty.String(),
	})
}

// UpdateETD godoc
// @Summary Перенести ожидаемую дату отгрузки позиции
// @Tags allocations
// @Accept json
// @Produce json
// @Param id path string true "ID позиции распределения"
// @Param etd body dto.UpdateETDRequest true "Новая дата (YYYY-MM-DD)"
// @Success 200 {object} dto.UpdateETDResponse
// @Failure 400 {object} dto.ValidationErrorResponse
// @Failure 404 {object} dto.NotFoundErrorResponse
// @Router /api/v1/allocations/details/{id}/etd [patch]
func (h *AllocationHandler) UpdateETD(c *gin.Context) {
	detailID, ok := h.pathUUID(c, "id")
	if !ok {
		return
	}
	var req dto.UpdateETDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.NewValidationError("invalid request body", nil))
		return
	}
	newETD, err := time.Parse(etdLayout, req.NewETD)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.NewValidationError("new_etd must be YYYY-MM-DD", nil))
		return
	}

	res, err := h.svc.UpdateETD(c.Request.Context(), service.UpdateETDInput{
		DetailID: detailID,
		NewETD:   newETD,
	})
	if err != nil {
		h.respondError(c, err, "UpdateETD")
		return
	}

	c.JSON(http.StatusOK, dto.UpdateETDResponse{
		DetailID:       res.DetailID.String(),
		AllocatedETD:   res.AllocatedETD,
		ETDUpdateCount: res.ETDUpdateCount,
	})
}

// ReverseCancellation godoc
// @Summary Откатить ранее выполненную отмену
// @Description Восстанавливает отменённое количество; доступно администраторам и менеджерам
// @Tags allocations
// @Accept json
// @Produce json
// @Param id path string true "ID отмены"
// @Param reversal body dto.ReverseCancellationRequest true "Причина отката"
// @Success 200 {object} dto.ReverseCancellationResponse
// @Failure 403 {object} dto.ForbiddenErrorResponse
// @Failure 404 {object} dto.NotFoundErrorResponse
// @Failure 409 {object} dto.ConflictErrorResponse "Отмена уже откачена"
// @Router /api/v1/cancellations/{id}/reversal [post]
func (h *AllocationHandler) ReverseCancellation(c *gin.Context) {
	cancellationID, ok := h.pathUUID(c, "id")
	if !ok {
		return
	}
	var req dto.ReverseCancellationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.NewValidationError("invalid request body", nil))
		return
	}

	res, err := h.svc.ReverseCancellation(c.Request.Context(), service.ReverseInput{
		CancellationID: cancellationID,
		Reason:         req.Reason,
	})
	if err != nil {
		h.respondError(c, err, "ReverseCancellation")
		return
	}

	c.JSON(http.StatusOK, dto.ReverseCancellationResponse{
		CancellationID: res.CancellationID.String(),
		DetailID:       res.DetailID.String(),
		PendingQty:     res.PendingQty.String(),
	})
}

// GetPlan godoc
// @Summary План распределения с позициями и производными количествами
// @Tags allocations
// @Produce json
// @Param id path string true "ID плана"
// @Success 200 {object} dto.PlanResponse
// @Failure 404 {object} dto.NotFoundErrorResponse
// @Router /api/v1/allocations/{id} [get]
func (h *AllocationHandler) GetPlan(c *gin.Context) {
	planID, ok := h.pathUUID(c, "id")
	if !ok {
		return
	}

	view, err := h.svc.GetPlan(c.Request.Context(), planID)
	if err != nil {
		h.respondError(c, err, "GetPlan")
		return
	}

	out := dto.PlanResponse{
		ID:               view.Plan.ID.String(),
		AllocationNumber: view.Plan.AllocationNumber,
		AllocationDate:   view.Plan.AllocationDate,
		CreatorID:        view.Plan.CreatorID.String(),
		Notes:            view.Plan.Notes,
	}
	for _, d := range view.Details {
		pd := dto.PlanDetailResponse{
			ID:                d.ID.String(),
			DemandType:        d.DemandType,
			DemandReferenceID: d.DemandReferenceID.String(),
			ProductID:         d.ProductID.String(),
			AllocationMode:    string(d.AllocationMode),
			Status:            string(d.Status),
			AllocatedETD:      d.AllocatedETD,
		}
		if d.SupplySourceType != nil {
			st := string(*d.SupplySourceType)
			pd.SupplySourceType = &st
		}
		if d.SupplySourceID != nil {
			sid := d.SupplySourceID.String()
			pd.SupplySourceID = &sid
		}
		if st, found := view.States[d.ID]; found {
			pd.State = detailStateDTO(st)
		}
		out.Details = append(out.Details, pd)
	}
	c.JSON(http.StatusOK, out)
}

// GetDetailState godoc
// @Summary Производные количества одной позиции
// @Tags allocations
// @Produce json
// @Param id path string true "ID позиции распределения"
// @Success 200 {object} dto.DetailStateResponse
// @Failure 404 {object} dto.NotFoundErrorResponse
// @Router /api/v1/allocations/details/{id}/state [get]
func (h *AllocationHandler) GetDetailState(c *gin.Context) {
	detailID, ok := h.pathUUID(c, "id")
	if !ok {
		return
	}

	state, err := h.svc.GetDetailState(c.Request.Context(), detailID)
	if err != nil {
		h.respondError(c, err, "GetDetailState")
		return
	}
	c.JSON(http.StatusOK, detailStateDTO(*state))
}

// ListByDemandLine godoc
// @Summary Планы, затрагивающие строку спроса
// @Tags allocations
// @Produce json
// @Param demand_type query string false "Тип спроса (по умолчанию OC)"
// @Param demand_line_id query string true "ID строки спроса"
// @Success 200 {array} dto.PlanSummaryResponse
// @Router /api/v1/allocations [get]
func (h *AllocationHandler) ListByDemandLine(c *gin.Context) {
	lineID, err := uuid.Parse(c.Query("demand_line_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.NewValidationError("demand_line_id must be a UUID", nil))
		return
	}
	demandType := c.DefaultQuery("demand_type", "OC")

	plans, err := h.svc.ListPlansByDemandLine(c.Request.Context(), demandType, lineID)
	if err != nil {
		h.respondError(c, err, "ListByDemandLine")
		return
	}

	out := make([]dto.PlanSummaryResponse, 0, len(plans))
	for _, p := range plans {
		out = append(out, dto.PlanSummaryResponse{
			ID:               p.ID.String(),
			AllocationNumber: p.AllocationNumber,
			AllocationDate:   p.AllocationDate,
			CreatorID:        p.CreatorID.String(),
		})
	}
	c.JSON(http.StatusOK, out)
}

func (h *AllocationHandler) pathUUID(c *gin.Context, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.NewValidationError(param+" must be a UUID", nil))
		return uuid.Nil, false
	}
	return id, true
}

// detailStateDTO переводит доменное состояние позиции в транспортный вид.
func detailStateDTO(st service.DetailState) dto.DetailStateResponse {
	return dto.DetailStateResponse{
		DetailID:       st.DetailID.String(),
		Allocated:      st.Allocated.String(),
		Cancelled:      st.Cancelled.String(),
		Effective:      st.Effective.String(),
		Delivered:      st.Delivered.String(),
		Pending:        st.Pending.String(),
		DeliveryCount:  st.DeliveryCount,
		ETDUpdateCount: st.ETDUpdateCount,
		AllocatedETD:   st.AllocatedETD,
	}
}

// respondError маппит доменные ошибки на HTTP-статусы.
func (h *AllocationHandler) respondError(c *gin.Context, err error, op string) {
	var (
		verr     *service.ValidationError
		overErr  *service.OverAllocationError
		supErr   *service.InsufficientSupplyError
		nfErr    *service.AllocationNotFoundError
		userErr  *service.InvalidUserError
	)
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, dto.NewValidationError("validation failed", verr.Violations))
	case errors.Is(err, service.ErrEmptyItems):
		c.JSON(http.StatusBadRequest, dto.NewValidationError(err.Error(), nil))
	case errors.Is(err, service.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, dto.NewUnauthorizedError("actor identity required"))
	case errors.Is(err, service.ErrSessionExpired):
		c.JSON(http.StatusUnauthorized, dto.NewUnauthorizedError(service.ErrSessionExpired.Error()))
	case errors.As(err, &userErr):
		c.JSON(http.StatusUnauthorized, dto.NewUnauthorizedError(userErr.Error()))
	case errors.Is(err, service.ErrForbidden):
		c.JSON(http.StatusForbidden, dto.NewForbiddenError("operation not allowed for role"))
	case errors.As(err, &nfErr):
		c.JSON(http.StatusNotFound, dto.NewNotFoundError(nfErr.Error()))
	case errors.As(err, &overErr):
		c.JSON(http.StatusConflict, dto.NewConflictError(overErr.Error()))
	case errors.As(err, &supErr):
		c.JSON(http.StatusConflict, dto.NewConflictError(supErr.Error()))
	case errors.Is(err, service.ErrCancellationNotActive),
		errors.Is(err, service.ErrDetailFullyDelivered),
		errors.Is(err, service.ErrAllocationNumberTaken):
		c.JSON(http.StatusConflict, dto.NewConflictError(err.Error()))
	default:
		h.log.Error("Операция распределения завершилась ошибкой", zap.String("op", op), zap.Error(err))
		c.JSON(http.StatusInternalServerError, dto.NewInternalError(""))
	}
}
