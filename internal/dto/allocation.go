package dto

import "time"

// AllocationItemRequest — одна позиция распределения.
// QTY принимаем как произвольный JSON-тип (число/строка) и нормализуем
// на границе: клиенты исторически шлют и "12,5", и 12.5.
type AllocationItemRequest struct {
	Qty        any     `json:"qty" binding:"required"`
	SourceType *string `json:"source_type,omitempty"`
	SourceID   *string `json:"source_id,omitempty"`
}

type CreateAllocationRequest struct {
	DemandType   string                  `json:"demand_type"`
	DemandLineID string                  `json:"demand_line_id" binding:"required"`
	Mode         string                  `json:"mode" binding:"required"`
	Items        []AllocationItemRequest `json:"items" binding:"required"`
	ETD          *string                 `json:"etd,omitempty"` // YYYY-MM-DD
	Notes        string                  `json:"notes,omitempty"`
}

type CreateAllocationResponse struct {
	PlanID           string   `json:"plan_id"`
	AllocationNumber string   `json:"allocation_number"`
	DetailIDs        []string `json:"detail_ids"`
	TotalQty         string   `json:"total_qty"`
}

type CancelAllocationRequest struct {
	Qty      any    `json:"qty" binding:"required"`
	Reason   string `json:"reason" binding:"required"`
	Category string `json:"category" binding:"required"`
}

type CancelAllocationResponse struct {
	CancellationID string `json:"cancellation_id"`
	DetailID       string `json:"detail_id"`
	PendingQty     string `json:"pending_qty"`
}

type UpdateETDRequest struct {
	NewETD string `json:"new_etd" binding:"required"` // YYYY-MM-DD
}

type UpdateETDResponse struct {
	DetailID       string    `json:"detail_id"`
	AllocatedETD   time.Time `json:"allocated_etd"`
	ETDUpdateCount int       `json:"etd_update_count"`
}

type ReverseCancellationRequest struct {
	Reason string `json:"reason" binding:"required"`
}

type ReverseCancellationResponse struct {
	CancellationID string `json:"cancellation_id"`
	DetailID       string `json:"detail_id"`
	PendingQty     string `json:"pending_qty"`
}

type DetailStateResponse struct {
	DetailID       string     `json:"detail_id"`
	Allocated      string     `json:"allocated_qty"`
	Cancelled      string     `json:"cancelled_qty"`
	Effective      string     `json:"effective_qty"`
	Delivered      string     `json:"delivered_qty"`
	Pending        string     `json:"pending_qty"`
	DeliveryCount  int        `json:"delivery_count"`
	ETDUpdateCount int        `json:"etd_update_count"`
	AllocatedETD   *time.Time `json:"allocated_etd,omitempty"`
}

type PlanDetailResponse struct {
	ID                string              `json:"id"`
	DemandType        string              `json:"demand_type"`
	DemandReferenceID string              `json:"demand_reference_id"`
	ProductID         string              `json:"product_id"`
	AllocationMode    string              `json:"allocation_mode"`
	Status            string              `json:"status"`
	SupplySourceType  *string             `json:"supply_source_type,omitempty"`
	SupplySourceID    *string             `json:"supply_source_id,omitempty"`
	AllocatedETD      *time.Time          `json:"allocated_etd,omitempty"`
	State             DetailStateResponse `json:"state"`
}

type PlanResponse struct {
	ID               string               `json:"id"`
	AllocationNumber string               `json:"allocation_number"`
	AllocationDate   time.Time            `json:"allocation_date"`
	CreatorID        string               `json:"creator_id"`
	Notes            string               `json:"notes,omitempty"`
	Details          []PlanDetailResponse `json:"details"`
}

type PlanSummaryResponse struct {
	ID               string    `json:"id"`
	AllocationNumber string    `json:"allocation_number"`
	AllocationDate   time.Time `json:"allocation_date"`
	CreatorID        string    `json:"creator_id"`
}
