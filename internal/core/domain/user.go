package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

type UserID string
type ChannelID string
type ServerID string
type PeerID string

// flexibleID accepts both JSON strings and JSON numbers so clients can
// send {"channelId": 5} as well as {"channelId": "5"}.
func flexibleID(data []byte) (string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return "", nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return "", fmt.Errorf("id must be a string or a number: %w", err)
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return "", fmt.Errorf("id must be a string or a number: %w", err)
	}
	return n.String(), nil
}

func (id *UserID) UnmarshalJSON(data []byte) error {
	s, err := flexibleID(data)
	if err != nil {
		return err
	}
	*id = UserID(s)
	return nil
}

func (id *ChannelID) UnmarshalJSON(data []byte) error {
	s, err := flexibleID(data)
	if err != nil {
		return err
	}
	*id = ChannelID(s)
	return nil
}

func (id *ServerID) UnmarshalJSON(data []byte) error {
	s, err := flexibleID(data)
	if err != nil {
		return err
	}
	*id = ServerID(s)
	return nil
}
