package gomqtt

import (
	"fmt"
	"time"

	"github.com/256dpi/gomqtt/packet"
)

// PUBLISH payload as text, chunk payloads are already hex
func PacketString(p packet.Generic) string {
	if p == nil {
		return "(nil)"
	}
	if pub, ok := p.(*packet.Publish); ok {
		return fmt.Sprintf("<Publish ID=%d Dup=%t %s>", pub.ID, pub.Dup, MessageString(&pub.Message))
	}
	return p.String()
}

func MessageString(m *packet.Message) string {
	if m == nil {
		return "message=nil"
	}
	const maxPayload = 64
	payload := m.Payload
	suffix := ""
	if len(payload) > maxPayload {
		payload = payload[:maxPayload]
		suffix = fmt.Sprintf("...(%d bytes)", len(m.Payload))
	}
	return fmt.Sprintf("Topic=%q QOS=%d Retain=%t Payload=%q%s", m.Topic, m.QOS, m.Retain, payload, suffix)
}

func defaultString(main, def string) string {
	if main == "" {
		return def
	}
	return main
}

func keepaliveAndHalf(sec uint16) time.Duration {
	d := time.Duration(sec) * time.Second
	return d + d/2
}
