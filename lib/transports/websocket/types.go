package websocket

import (
	jsoniter "github.com/json-iterator/go"

	"github.com/HORNET-Storage/hornet-relay/lib/stores"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// NIP11RelayInfo is the relay information document
type NIP11RelayInfo struct {
	Name          string           `json:"name,omitempty"`
	Description   string           `json:"description,omitempty"`
	Pubkey        string           `json:"pubkey,omitempty"`
	Contact       string           `json:"contact,omitempty"`
	Icon          string           `json:"icon,omitempty"`
	SupportedNIPs []int            `json:"supported_nips,omitempty"`
	Software      string           `json:"software,omitempty"`
	Version       string           `json:"version,omitempty"`
	Limitation    *RelayLimitation `json:"limitation,omitempty"`
}

type RelayLimitation struct {
	MaxLimit            int   `json:"max_limit,omitempty"`
	MaxSubIDLength      int   `json:"max_subid_length,omitempty"`
	MinPowDifficulty    int   `json:"min_pow_difficulty,omitempty"`
	CreatedAtUpperLimit int64 `json:"created_at_upper_limit,omitempty"`
	RestrictedWrites    bool  `json:"restricted_writes"`
}

// TopIDsRequest is the body of POST /api/top-ids
type TopIDsRequest struct {
	Filters []jsoniter.RawMessage `json:"filters"`
}

type TopIDsResponse struct {
	IDs []stores.TopID `json:"ids"`
}

type errorResponse struct {
	Error string `json:"error"`
}
