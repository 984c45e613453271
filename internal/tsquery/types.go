package tsquery

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// PresenceObservation is one connected client as reported by the server,
// normalized into proper types at the wire boundary.
type PresenceObservation struct {
	UID           string
	Nickname      string
	ChannelID     int64
	IdleMS        int64
	IsAway        bool
	AwayMessage   string
	IsTalking     bool
	InputMuted    bool
	OutputMuted   bool
	IsRecording   bool
	ServerGroups  string
	ConnectedTime int64
}

// ChannelObservation is one channel from the channellist endpoint.
type ChannelObservation struct {
	ID           int64
	Name         string
	ParentID     int64
	Order        int64
	TotalClients int64
}

// flexInt decodes integers that the WebQuery API may encode either as
// JSON numbers or as numeric strings.
type flexInt int64

func (f *flexInt) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || string(data) == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return err
	}
	*f = flexInt(n)
	return nil
}

// flexBool decodes booleans that may arrive as true/false, 0/1 or "0"/"1".
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	switch string(bytes.Trim(data, `"`)) {
	case "", "null", "0", "false":
		*f = false
	default:
		*f = true
	}
	return nil
}

// wireClient mirrors the clientlist body entries.
type wireClient struct {
	UID           string   `json:"client_unique_identifier"`
	Nickname      string   `json:"client_nickname"`
	ChannelID     flexInt  `json:"cid"`
	IdleMS        flexInt  `json:"client_idle_time"`
	Away          flexBool `json:"client_away"`
	AwayMessage   string   `json:"client_away_message"`
	Talking       flexBool `json:"client_is_talker"`
	InputMuted    flexBool `json:"client_input_muted"`
	OutputMuted   flexBool `json:"client_output_muted"`
	Recording     flexBool `json:"client_is_recording"`
	ServerGroups  string   `json:"client_servergroups"`
	ConnectedTime flexInt  `json:"connection_connected_time"`
	Type          flexInt  `json:"client_type"` // 0 = normal user, 1 = query client
}

func (w *wireClient) observation() PresenceObservation {
	uid := w.UID
	if uid == "" {
		uid = "unknown"
	}
	nickname := w.Nickname
	if nickname == "" {
		nickname = "Unknown"
	}
	return PresenceObservation{
		UID:           uid,
		Nickname:      nickname,
		ChannelID:     int64(w.ChannelID),
		IdleMS:        int64(w.IdleMS),
		IsAway:        bool(w.Away),
		AwayMessage:   w.AwayMessage,
		IsTalking:     bool(w.Talking),
		InputMuted:    bool(w.InputMuted),
		OutputMuted:   bool(w.OutputMuted),
		IsRecording:   bool(w.Recording),
		ServerGroups:  w.ServerGroups,
		ConnectedTime: int64(w.ConnectedTime),
	}
}

// wireChannel mirrors the channellist body entries.
type wireChannel struct {
	ID           flexInt `json:"cid"`
	Name         string  `json:"channel_name"`
	ParentID     flexInt `json:"pid"`
	Order        flexInt `json:"channel_order"`
	TotalClients flexInt `json:"total_clients"`
}

func (w *wireChannel) observation() ChannelObservation {
	name := w.Name
	if name == "" {
		name = "Unknown Channel"
	}
	return ChannelObservation{
		ID:           int64(w.ID),
		Name:         name,
		ParentID:     int64(w.ParentID),
		Order:        int64(w.Order),
		TotalClients: int64(w.TotalClients),
	}
}

// envelope is the WebQuery response wrapper.
type envelope struct {
	Status struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"status"`
	Body json.RawMessage `json:"body"`
}
