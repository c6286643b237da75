package nats

import (
	"encoding/json"
	"strconv"

	"github.com/nats-io/nats.go"
)

const (
	headerSessionID = "Deskmeter-Session-Id"
	headerAccountID = "Deskmeter-Account-Id"
)

// Bus publishes session events on NATS subjects named after the event topic.
type Bus struct {
	nc *nats.Conn
}

func NewBus(nc *nats.Conn) *Bus {
	return &Bus{nc: nc}
}

func (b *Bus) Publish(topic string, data []byte) error {
	return b.nc.PublishMsg(eventMsg(topic, data))
}

// eventMsg copies the event id into Nats-Msg-Id so a JetStream stream on the
// subject drops republished events, and exposes session and account ids as
// headers for consumers that filter without decoding the body.
func eventMsg(topic string, data []byte) *nats.Msg {
	msg := nats.NewMsg(topic)
	msg.Data = data

	var ev struct {
		ID        string `json:"id"`
		AccountID int64  `json:"account_id"`
		SessionID int64  `json:"session_id"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return msg
	}
	if ev.ID != "" {
		msg.Header.Set(nats.MsgIdHdr, ev.ID)
	}
	if ev.SessionID != 0 {
		msg.Header.Set(headerSessionID, strconv.FormatInt(ev.SessionID, 10))
	}
	if ev.AccountID != 0 {
		msg.Header.Set(headerAccountID, strconv.FormatInt(ev.AccountID, 10))
	}
	return msg
}
