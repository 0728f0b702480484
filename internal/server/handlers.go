package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/grimmolf/traderterminal/internal/broker"
	"github.com/grimmolf/traderterminal/pkg/types"
)

// apiError is the refusal shape shared with webhook rejections.
func (s *Server) apiError(w http.ResponseWriter, status int, code types.RejectCode, message string) {
	s.writeJSON(w, status, types.Rejection{
		Code:          code,
		Message:       message,
		CorrelationID: types.NewID(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// handleWebhookTest lets TradingView's alert editor verify connectivity
// without submitting anything.
func (s *Server) handleWebhookTest(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"endpoint": "/webhook/tradingview",
	})
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Accounts(r.Context()))
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	feed := r.PathValue("feed")
	account := r.PathValue("account")
	positions, err := s.engine.Positions(r.Context(), feed, account)
	if err != nil {
		if strings.Contains(err.Error(), "unknown feed") {
			s.apiError(w, http.StatusNotFound, types.RejectUnknownGroup, err.Error())
			return
		}
		s.apiError(w, http.StatusBadGateway, types.RejectDegraded, err.Error())
		return
	}
	if positions == nil {
		positions = []types.Position{}
	}
	s.writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	orders, err := s.engine.Orders(r.URL.Query().Get("account"), limit)
	if err != nil {
		s.apiError(w, http.StatusInternalServerError, types.RejectDegraded, err.Error())
		return
	}
	if orders == nil {
		orders = []types.Order{}
	}
	s.writeJSON(w, http.StatusOK, orders)
}

// manualOrderRequest is the POST /api/orders body. It goes through the same
// router path as a webhook alert, so mode overlay and funded rules apply.
type manualOrderRequest struct {
	Symbol       string  `json:"symbol"`
	Action       string  `json:"action"`
	Quantity     float64 `json:"quantity"`
	OrderType    string  `json:"order_type"`
	Price        float64 `json:"price"`
	StopPrice    float64 `json:"stop_price"`
	AccountGroup string  `json:"account_group"`
	Strategy     string  `json:"strategy"`
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req manualOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.apiError(w, http.StatusBadRequest, types.RejectSchemaInvalid, "invalid JSON body")
		return
	}

	alert := types.Alert{
		Symbol:       strings.ToUpper(strings.TrimSpace(req.Symbol)),
		Action:       types.Action(strings.ToLower(req.Action)),
		Quantity:     req.Quantity,
		OrderType:    types.OrderType(strings.ToLower(req.OrderType)),
		Price:        req.Price,
		StopPrice:    req.StopPrice,
		AccountGroup: req.AccountGroup,
		StrategyID:   req.Strategy,
		Comment:      "manual order",
	}
	if alert.OrderType == "" {
		alert.OrderType = types.OrderMarket
	}
	switch {
	case alert.Symbol == "":
		s.apiError(w, http.StatusBadRequest, types.RejectSchemaInvalid, "symbol is required")
		return
	case !alert.Action.Valid():
		s.apiError(w, http.StatusBadRequest, types.RejectSchemaInvalid, "action must be buy/sell/close/exit")
		return
	case alert.Quantity <= 0 && !alert.Action.IsClose():
		s.apiError(w, http.StatusBadRequest, types.RejectSchemaInvalid, "quantity must be positive")
		return
	case alert.AccountGroup == "":
		s.apiError(w, http.StatusBadRequest, types.RejectSchemaInvalid, "account_group is required")
		return
	case !alert.OrderType.Valid():
		s.apiError(w, http.StatusBadRequest, types.RejectSchemaInvalid, "order_type must be market/limit/stop/stop_limit")
		return
	}

	order, rej := s.engine.PlaceOrder(r.Context(), alert)
	if rej != nil {
		status := http.StatusUnprocessableEntity
		if rej.Code == types.RejectUnknownGroup {
			status = http.StatusNotFound
		}
		s.writeJSON(w, status, rej)
		return
	}
	s.writeJSON(w, http.StatusCreated, order)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, ok, err := s.engine.OrderByID(r.PathValue("id"))
	if err != nil {
		s.apiError(w, http.StatusInternalServerError, types.RejectDegraded, err.Error())
		return
	}
	if !ok {
		s.apiError(w, http.StatusNotFound, types.RejectSchemaInvalid, "order not found")
		return
	}
	s.writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.CancelOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		s.apiError(w, http.StatusBadGateway, types.RejectDegraded, err.Error())
		return
	}
	switch status {
	case broker.CancelOK:
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	case broker.CancelAlreadyTerminal:
		s.apiError(w, http.StatusConflict, types.RejectSchemaInvalid, "order already terminal")
	default:
		s.apiError(w, http.StatusNotFound, types.RejectSchemaInvalid, "order not found")
	}
}

func (s *Server) handleFundedAccounts(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.FundedAccounts())
}

func (s *Server) handleFlatten(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	account := r.PathValue("account")
	if err := s.engine.FlattenAccount(r.Context(), provider, account); err != nil {
		if strings.Contains(err.Error(), "unknown provider") {
			s.apiError(w, http.StatusNotFound, types.RejectUnknownGroup, err.Error())
			return
		}
		s.apiError(w, http.StatusBadGateway, types.RejectDegraded, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "flattened", "account": account})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	account := r.PathValue("account")
	if err := s.engine.PauseAccount(account); err != nil {
		s.apiError(w, http.StatusConflict, types.RejectSchemaInvalid, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "paused", "account": account})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	account := r.PathValue("account")
	if err := s.engine.ResumeAccount(account); err != nil {
		s.apiError(w, http.StatusConflict, types.RejectSchemaInvalid, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "active", "account": account})
}

func (s *Server) handlePaperReset(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Balance float64 `json:"balance"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&body) // empty body = configured default
	}
	account := r.PathValue("id")
	if err := s.engine.ResetPaperAccount(account, body.Balance); err != nil {
		s.apiError(w, http.StatusBadRequest, types.RejectSchemaInvalid, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "account": account})
}

func (s *Server) handleStrategySummaries(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.StrategySummaries())
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		NewMode  string `json:"new_mode"`
		Mode     string `json:"mode"` // legacy alias for new_mode
		Operator string `json:"operator"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.apiError(w, http.StatusBadRequest, types.RejectSchemaInvalid, "invalid JSON body")
		return
	}
	mode := body.NewMode
	if mode == "" {
		mode = body.Mode
	}
	tr, err := s.engine.SetStrategyMode(r.PathValue("id"), types.Mode(mode), body.Operator)
	if err != nil {
		s.apiError(w, http.StatusConflict, types.RejectSchemaInvalid, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, tr)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Status())
}
