package compliance

import (
	"encoding/json"
	"fmt"
	"strings"
)

type customerRef struct {
	ID    json.Number `json:"id"`
	Email string      `json:"email"`
	Phone string      `json:"phone"`
}

type dataRequestPayload struct {
	ShopDomain      string        `json:"shop_domain"`
	Customer        customerRef   `json:"customer"`
	OrdersRequested []json.Number `json:"orders_requested"`
	DataRequest     struct {
		ID json.Number `json:"id"`
	} `json:"data_request"`
}

type subjectErasurePayload struct {
	ShopDomain     string        `json:"shop_domain"`
	Customer       customerRef   `json:"customer"`
	OrdersToRedact []json.Number `json:"orders_to_redact"`
}

func decode(payload []byte, v any) error {
	if len(payload) == 0 {
		return fmt.Errorf("empty payload")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func (c customerRef) subject() (string, error) {
	id := strings.TrimSpace(c.ID.String())
	if id == "" {
		return "", fmt.Errorf("payload has no customer id")
	}
	return id, nil
}
