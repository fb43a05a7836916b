package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/irfndi/renpool/internal/models"
	"github.com/irfndi/renpool/internal/pool"
	"github.com/irfndi/renpool/internal/service"
)

// Amounts travel as base-unit decimal strings. The *_tokens fields carry the
// same value scaled by the token decimals for display.

type DeployPoolRequest struct {
	Token        string `json:"token"`
	Registry     string `json:"registry"`
	Payment      string `json:"payment"`
	ClaimRewards string `json:"claim_rewards"`
	Gateway      string `json:"gateway"`
	Bond         string `json:"bond" binding:"required"`
}

type AmountRequest struct {
	Amount string `json:"amount" binding:"required"`
}

type OperatorRequest struct {
	Operator string `json:"operator" binding:"required"`
}

type ApproveRequest struct {
	Spender string `json:"spender" binding:"required"`
	Amount  string `json:"amount" binding:"required"`
}

type AccrueRequest struct {
	Node   string `json:"node" binding:"required"`
	Amount string `json:"amount" binding:"required"`
}

type PositionResponse struct {
	Depositor     string `json:"depositor"`
	Balance       string `json:"balance"`
	BalanceTokens string `json:"balance_tokens"`
	Rewards       string `json:"rewards"`
}

type PoolResponse struct {
	Address            string             `json:"address"`
	Owner              string             `json:"owner"`
	NodeOperator       string             `json:"node_operator"`
	Token              string             `json:"token"`
	Registry           string             `json:"registry"`
	Payment            string             `json:"payment"`
	ClaimRewards       string             `json:"claim_rewards"`
	Gateway            string             `json:"gateway"`
	Bond               string             `json:"bond"`
	BondTokens         string             `json:"bond_tokens"`
	State              string             `json:"state"`
	IsLocked           bool               `json:"is_locked"`
	TotalPooled        string             `json:"total_pooled"`
	TotalPooledTokens  string             `json:"total_pooled_tokens"`
	RetainedRewards    string             `json:"retained_rewards"`
	DistributedRewards string             `json:"distributed_rewards"`
	Depositors         []PositionResponse `json:"depositors"`
}

type FactoryResponse struct {
	Address       string `json:"address"`
	Owner         string `json:"owner"`
	PoolCount     int    `json:"pool_count"`
	TokenSymbol   string `json:"token_symbol"`
	TokenDecimals uint8  `json:"token_decimals"`
}

type BalanceResponse struct {
	Address       string `json:"address"`
	Symbol        string `json:"symbol"`
	Balance       string `json:"balance"`
	BalanceTokens string `json:"balance_tokens"`
}

type EventResponse struct {
	ID          uint   `json:"id"`
	Type        string `json:"type"`
	Actor       string `json:"actor"`
	Amount      string `json:"amount,omitempty"`
	TotalPooled string `json:"total_pooled,omitempty"`
	Data        string `json:"data,omitempty"`
	OccurredAt  string `json:"occurred_at"`
}

// PoolRecordResponse is a journaled pool. It outlives the running process.
type PoolRecordResponse struct {
	Address      string `json:"address"`
	Factory      string `json:"factory"`
	Owner        string `json:"owner"`
	NodeOperator string `json:"node_operator"`
	Bond         string `json:"bond"`
	TotalPooled  string `json:"total_pooled"`
	State        string `json:"state"`
	Sequence     uint64 `json:"sequence"`
	EventCount   int64  `json:"event_count,omitempty"`
	DeployedAt   string `json:"deployed_at"`
}

func toPoolResponse(s pool.Snapshot, decimals uint8) PoolResponse {
	cfg := s.Config
	resp := PoolResponse{
		Address:            cfg.Address.Hex(),
		Owner:              cfg.Owner.Hex(),
		NodeOperator:       cfg.NodeOperator.Hex(),
		Token:              cfg.Token.Hex(),
		Registry:           cfg.Registry.Hex(),
		Payment:            cfg.Payment.Hex(),
		ClaimRewards:       cfg.ClaimRewards.Hex(),
		Gateway:            cfg.Gateway.Hex(),
		Bond:               cfg.Bond.Dec(),
		BondTokens:         service.ToDecimal(cfg.Bond, decimals).String(),
		State:              s.State.String(),
		IsLocked:           s.State == pool.StateLocked,
		TotalPooled:        s.TotalPooled.Dec(),
		TotalPooledTokens:  service.ToDecimal(s.TotalPooled, decimals).String(),
		RetainedRewards:    s.RetainedRewards.Dec(),
		DistributedRewards: s.DistributedRewards.Dec(),
		Depositors:         make([]PositionResponse, 0, len(s.Positions)),
	}
	for _, position := range s.Positions {
		resp.Depositors = append(resp.Depositors, toPositionResponse(position, decimals))
	}
	return resp
}

func toPositionResponse(p pool.Position, decimals uint8) PositionResponse {
	return PositionResponse{
		Depositor:     p.Depositor.Hex(),
		Balance:       p.Balance.Dec(),
		BalanceTokens: service.ToDecimal(p.Balance, decimals).String(),
		Rewards:       p.Rewards.Dec(),
	}
}

func toBalanceResponse(b service.TokenBalance) BalanceResponse {
	return BalanceResponse{
		Address:       b.Address.Hex(),
		Symbol:        b.Symbol,
		Balance:       b.Balance.Dec(),
		BalanceTokens: service.ToDecimal(b.Balance, b.Decimals).String(),
	}
}

func toEventResponse(r *models.EventRecord) EventResponse {
	resp := EventResponse{
		ID:         r.ID,
		Type:       r.Type,
		Actor:      r.Actor,
		Data:       r.Data,
		OccurredAt: r.OccurredAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}
	if r.Amount.Valid {
		resp.Amount = r.Amount.Decimal.String()
	}
	if r.TotalPooled.Valid {
		resp.TotalPooled = r.TotalPooled.Decimal.String()
	}
	return resp
}

func toEventResponses(records []*models.EventRecord) []EventResponse {
	resp := make([]EventResponse, 0, len(records))
	for _, r := range records {
		resp = append(resp, toEventResponse(r))
	}
	return resp
}

func toPoolRecordResponse(r *models.PoolRecord, events int64) PoolRecordResponse {
	return PoolRecordResponse{
		Address:      r.Address,
		Factory:      r.Factory,
		Owner:        r.Owner,
		NodeOperator: r.NodeOperator,
		Bond:         r.Bond.String(),
		TotalPooled:  r.TotalPooled.String(),
		State:        r.State,
		Sequence:     r.Sequence,
		EventCount:   events,
		DeployedAt:   r.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// parseAddress accepts a 0x-prefixed hex address. An empty string is the zero
// address when allowZero is set.
func parseAddress(s string, allowZero bool) (common.Address, error) {
	s = strings.TrimSpace(s)
	if s == "" && allowZero {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

// parseAmount accepts a base-unit decimal string
func parseAmount(s string) (*uint256.Int, error) {
	amount, err := uint256.FromDecimal(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return amount, nil
}
