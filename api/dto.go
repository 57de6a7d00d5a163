/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Amounts are decimal strings in major units ("1500.25"). Numbers are
  accepted on input but never produced on output.

VALIDATION:
  Validation is done by the reconcile engine, not in DTOs. DTOs are pure
  data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/payment-reconciler/generic"
	"github.com/warp/payment-reconciler/reconcile"
)

// =============================================================================
// USERS
// =============================================================================

type CreateUserRequest struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	Currency string `json:"currency"`
}

type UserDTO struct {
	ID             string                  `json:"id"`
	Email          string                  `json:"email"`
	Name           string                  `json:"name"`
	Currency       string                  `json:"currency"`
	LedgerBalance  generic.Money           `json:"ledger_balance"`
	LifetimeValue  generic.Money           `json:"lifetime_value"`
	VirtualAccount *generic.VirtualAccount `json:"virtual_account,omitempty"`
}

type IssueAccountRequest struct {
	Gateway string `json:"gateway"`
}

// =============================================================================
// ORDERS
// =============================================================================

type CreateOrderRequest struct {
	ID         string              `json:"id,omitempty"`
	CustomerID string              `json:"customer_id"`
	Amount     generic.Money       `json:"amount"`
	Currency   string              `json:"currency,omitempty"`
	Items      []generic.OrderItem `json:"items"`
}

type OrderDTO struct {
	ID             string               `json:"id"`
	CustomerID     string               `json:"customer_id"`
	Amount         generic.Money        `json:"amount"`
	AmountPaid     generic.Money        `json:"amount_paid"`
	Outstanding    generic.Money        `json:"outstanding"`
	Currency       string               `json:"currency"`
	Status         string               `json:"status"`
	PaymentStatus  string               `json:"payment_status"`
	Items          []generic.OrderItem  `json:"items"`
	PaymentDetails map[string]string    `json:"payment_details,omitempty"`
	EditHistory    []generic.EditRecord `json:"edit_history,omitempty"`
	Payments       []PaymentDTO         `json:"payments,omitempty"`
	CreatedAt      string               `json:"created_at"`
	UpdatedAt      string               `json:"updated_at"`
}

type CheckoutRequest struct {
	Gateway     string `json:"gateway"`
	Phone       string `json:"phone,omitempty"`
	RedirectURL string `json:"redirect_url,omitempty"`
}

type CheckoutDTO struct {
	TxRef         string        `json:"tx_ref"`
	Gateway       string        `json:"gateway"`
	Amount        generic.Money `json:"amount"`
	RedirectURL   string        `json:"redirect_url,omitempty"`
	TransactionID string        `json:"transaction_id,omitempty"`
	ExpiresAt     string        `json:"expires_at"`
}

type PaymentDTO struct {
	TxRef                string        `json:"tx_ref"`
	OrderID              string        `json:"order_id"`
	Gateway              string        `json:"gateway"`
	Method               string        `json:"method,omitempty"`
	Status               string        `json:"status"`
	Amount               generic.Money `json:"amount"`
	AmountPaid           generic.Money `json:"amount_paid"`
	GatewayTransactionID string        `json:"gateway_transaction_id,omitempty"`
	CreatedAt            string        `json:"created_at"`
	ExpiresAt            string        `json:"expires_at,omitempty"`
}

// =============================================================================
// WEBHOOKS
// =============================================================================

// WebhookAck is returned with 200 for every processed delivery, including
// duplicates and orphans; gateways only need to know we have it.
type WebhookAck struct {
	Received bool   `json:"received"`
	TxRef    string `json:"tx_ref,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
}

// =============================================================================
// LEDGER
// =============================================================================

type LedgerDTO struct {
	UserID        string          `json:"user_id"`
	Balance       generic.Money   `json:"balance"`
	Derived       generic.Money   `json:"derived_balance"`
	LifetimeValue generic.Money   `json:"lifetime_value"`
	Consistent    bool            `json:"consistent"`
	Orders        []LedgerLineDTO `json:"orders"`
}

type LedgerLineDTO struct {
	OrderID       string        `json:"order_id"`
	Status        string        `json:"status"`
	PaymentStatus string        `json:"payment_status"`
	Amount        generic.Money `json:"amount"`
	AmountPaid    generic.Money `json:"amount_paid"`
	Booked        bool          `json:"booked"`
	Contribution  generic.Money `json:"contribution"`
}

// =============================================================================
// ADMIN
// =============================================================================

type AdminPaymentRequest struct {
	AmountPaid    generic.Money `json:"amount_paid"`
	PaymentStatus string        `json:"payment_status,omitempty"`
	Reason        string        `json:"reason"`
}

type AdminStatusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

type CreateProductRequest struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Stock int    `json:"stock"`
}

type StockUpdateRequest struct {
	NewStock int    `json:"new_stock"`
	Type     string `json:"type,omitempty"`
	Origin   string `json:"origin,omitempty"`
	Note     string `json:"note,omitempty"`
}

type StockEntryDTO struct {
	ID             string `json:"id"`
	ProductID      string `json:"product_id"`
	Date           string `json:"date"`
	QuantityChange int    `json:"quantity_change"`
	NewStockLevel  int    `json:"new_stock_level"`
	Type           string `json:"type"`
	UpdatedBy      string `json:"updated_by"`
	Reference      string `json:"reference,omitempty"`
}

type AdminLogDTO struct {
	ID         string         `json:"id"`
	ActorID    string         `json:"actor_id"`
	Action     string         `json:"action"`
	TargetType string         `json:"target_type"`
	TargetID   string         `json:"target_id"`
	Details    map[string]any `json:"details,omitempty"`
	Timestamp  string         `json:"timestamp"`
}

type RunDTO struct {
	ID          string `json:"id"`
	Trigger     string `json:"trigger"`
	Status      string `json:"status"`
	Scanned     int    `json:"scanned"`
	Applied     int    `json:"applied"`
	Expired     int    `json:"expired"`
	Unknown     int    `json:"unknown"`
	Errors      int    `json:"errors"`
	Error       string `json:"error,omitempty"`
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at,omitempty"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toUserDTO(u generic.User) UserDTO {
	return UserDTO{
		ID:             string(u.ID),
		Email:          u.Email,
		Name:           u.Name,
		Currency:       u.Currency,
		LedgerBalance:  u.LedgerBalance,
		LifetimeValue:  u.LifetimeValue,
		VirtualAccount: u.VirtualAccount,
	}
}

func toOrderDTO(o generic.Order, payments []generic.Payment) OrderDTO {
	dto := OrderDTO{
		ID:             string(o.ID),
		CustomerID:     string(o.CustomerID),
		Amount:         o.Amount,
		AmountPaid:     o.AmountPaid,
		Outstanding:    o.Outstanding(),
		Currency:       o.Currency,
		Status:         string(o.Status),
		PaymentStatus:  string(o.PaymentStatus),
		Items:          o.Items,
		PaymentDetails: o.PaymentDetails,
		EditHistory:    o.EditHistory,
		CreatedAt:      o.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      o.UpdatedAt.Format(time.RFC3339),
	}
	if dto.Items == nil {
		dto.Items = []generic.OrderItem{}
	}
	for _, p := range payments {
		dto.Payments = append(dto.Payments, toPaymentDTO(p))
	}
	return dto
}

func toPaymentDTO(p generic.Payment) PaymentDTO {
	dto := PaymentDTO{
		TxRef:                string(p.TxRef),
		OrderID:              string(p.OrderID),
		Gateway:              p.Gateway,
		Method:               p.Method,
		Status:               string(p.Status),
		Amount:               p.Amount,
		AmountPaid:           p.AmountPaid,
		GatewayTransactionID: p.GatewayTransactionID,
		CreatedAt:            p.CreatedAt.Format(time.RFC3339),
	}
	if !p.ExpiresAt.IsZero() {
		dto.ExpiresAt = p.ExpiresAt.Format(time.RFC3339)
	}
	return dto
}

func toLedgerDTO(v reconcile.LedgerView) LedgerDTO {
	dto := LedgerDTO{
		UserID:        string(v.User.ID),
		Balance:       v.Balance,
		Derived:       v.Derived,
		LifetimeValue: v.LifetimeValue,
		Consistent:    v.Consistent,
		Orders:        make([]LedgerLineDTO, 0, len(v.Orders)),
	}
	for _, l := range v.Orders {
		dto.Orders = append(dto.Orders, LedgerLineDTO{
			OrderID:       string(l.OrderID),
			Status:        string(l.Status),
			PaymentStatus: string(l.PaymentStatus),
			Amount:        l.Amount,
			AmountPaid:    l.AmountPaid,
			Booked:        l.Booked,
			Contribution:  l.Contribution,
		})
	}
	return dto
}

func toStockEntryDTO(e generic.StockHistoryEntry) StockEntryDTO {
	return StockEntryDTO{
		ID:             e.ID,
		ProductID:      string(e.ProductID),
		Date:           e.Date.Format(time.RFC3339),
		QuantityChange: e.QuantityChange,
		NewStockLevel:  e.NewStockLevel,
		Type:           string(e.Type),
		UpdatedBy:      e.UpdatedBy,
		Reference:      e.Reference,
	}
}

func toAdminLogDTO(l generic.AdminLog) AdminLogDTO {
	return AdminLogDTO{
		ID:         l.ID,
		ActorID:    l.ActorID,
		Action:     string(l.Action),
		TargetType: l.TargetType,
		TargetID:   l.TargetID,
		Details:    l.Details,
		Timestamp:  l.Timestamp.Format(time.RFC3339),
	}
}

func toRunDTO(run generic.ReconciliationRun) RunDTO {
	dto := RunDTO{
		ID:        run.ID,
		Trigger:   run.Trigger,
		Status:    run.Status,
		Scanned:   run.Scanned,
		Applied:   run.Applied,
		Expired:   run.Expired,
		Unknown:   run.Unknown,
		Errors:    run.Errors,
		Error:     run.Error,
		StartedAt: run.StartedAt.Format(time.RFC3339),
	}
	if run.CompletedAt != nil {
		dto.CompletedAt = run.CompletedAt.Format(time.RFC3339)
	}
	return dto
}
