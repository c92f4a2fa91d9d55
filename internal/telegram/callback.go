package telegram

import (
	"encoding/json"
	"errors"
	"strconv"
)

// Callback actions carried in inline button data.
const (
	ActionSelectOrder   = "select_order"
	ActionSelectQty     = "select_qty"
	ActionSelectAsset   = "select_asset"
	ActionBackToProduct = "back_to_product"
	ActionBackToQty     = "back_to_qty"
	ActionBackToAsset   = "back_to_asset"
	ActionOrder         = "select_order_action"
)

// Ids of ActionOrder buttons. Id 1 is the pay link, which is a URL button.
const (
	OrderActionCancel = "2"
	OrderActionCheck  = "3"
)

// maxCallbackData is Telegram's limit on callback_data bytes.
const maxCallbackData = 64

var (
	ErrCallbackTooLong = errors.New("telegram: callback data exceeds 64 bytes")
	ErrBadCallback     = errors.New("telegram: malformed callback data")
)

type Callback struct {
	Action string `json:"action"`
	ID     string `json:"id,omitempty"`
}

func (c Callback) Encode() (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	if len(b) > maxCallbackData {
		return "", ErrCallbackTooLong
	}
	return string(b), nil
}

func DecodeCallback(data string) (Callback, error) {
	var c Callback
	if err := json.Unmarshal([]byte(data), &c); err != nil || c.Action == "" {
		return Callback{}, ErrBadCallback
	}
	return c, nil
}

func mustEncode(action string, id string) string {
	s, err := Callback{Action: action, ID: id}.Encode()
	if err != nil {
		panic(err)
	}
	return s
}

func idOf(n int64) string { return strconv.FormatInt(n, 10) }
