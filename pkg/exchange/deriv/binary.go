package deriv

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/igolaizola/sigbridge/pkg/exchange"
	"github.com/igolaizola/sigbridge/pkg/signal"
	"github.com/shopspring/decimal"
)

type buyMessage struct {
	Buy struct {
		ContractID int64           `json:"contract_id"`
		BuyPrice   decimal.Decimal `json:"buy_price"`
	} `json:"buy"`
}

// Buy implements exchange.Binary with a rise/fall contract.
func (c *Client) Buy(ctx context.Context, asset string, direction signal.Direction, stake decimal.Decimal, minutes int) (string, error) {
	symbol := c.Symbol(asset)
	contractType := "PUT"
	if direction.IsBuy() {
		contractType = "CALL"
	}
	amount, _ := stake.Round(2).Float64()
	raw, err := c.call(ctx, map[string]interface{}{
		"buy":   1,
		"price": amount,
		"parameters": map[string]interface{}{
			"amount":        amount,
			"basis":         "stake",
			"contract_type": contractType,
			"currency":      c.currency,
			"duration":      minutes,
			"duration_unit": "m",
			"symbol":        symbol,
		},
	})
	if err != nil {
		return "", fmt.Errorf("deriv: couldn't buy %s %s %s: %w", contractType, symbol, stake, err)
	}
	var bm buyMessage
	if err := json.Unmarshal(raw, &bm); err != nil {
		return "", fmt.Errorf("deriv: couldn't decode buy: %w", err)
	}
	if bm.Buy.ContractID == 0 {
		return "", fmt.Errorf("deriv: buy without contract id: %s", string(raw))
	}
	if c.debug {
		c.log("buy_contract", bm.Buy.ContractID, bm.Buy.BuyPrice)
	}
	return strconv.FormatInt(bm.Buy.ContractID, 10), nil
}

type contractMessage struct {
	Contract struct {
		ContractID int64           `json:"contract_id"`
		IsSold     int             `json:"is_sold"`
		Status     string          `json:"status"`
		Profit     decimal.Decimal `json:"profit"`
	} `json:"proposal_open_contract"`
}

// Contract implements exchange.Binary.
func (c *Client) Contract(ctx context.Context, contractID string) (exchange.Contract, error) {
	id, err := strconv.ParseInt(contractID, 10, 64)
	if err != nil {
		return exchange.Contract{}, fmt.Errorf("deriv: invalid contract id %s: %w", contractID, exchange.ErrUnknownContract)
	}
	raw, err := c.call(ctx, map[string]interface{}{
		"proposal_open_contract": 1,
		"contract_id":            id,
	})
	if err != nil {
		return exchange.Contract{}, fmt.Errorf("deriv: couldn't get contract %s: %w", contractID, err)
	}
	var cm contractMessage
	if err := json.Unmarshal(raw, &cm); err != nil {
		return exchange.Contract{}, fmt.Errorf("deriv: couldn't decode contract: %w", err)
	}
	if cm.Contract.ContractID == 0 {
		return exchange.Contract{}, fmt.Errorf("deriv: contract %s: %w", contractID, exchange.ErrUnknownContract)
	}
	status := cm.Contract.Status
	return exchange.Contract{
		ID:      contractID,
		Settled: cm.Contract.IsSold == 1 || status == "won" || status == "lost",
		Won:     status == "won",
		Profit:  cm.Contract.Profit,
	}, nil
}
