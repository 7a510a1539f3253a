package rabbitmq

import (
	"time"

	"github.com/glimte/mmate-amqp/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
)

// declareExchange declares an exchange on the given channel.
// Passive exchanges are only verified.
func declareExchange(ch amqpChannelAPI, ex contracts.Exchange) error {
	if ex.Passive {
		return ch.ExchangeDeclarePassive(
			ex.Name,
			string(ex.Kind),
			ex.Durable,
			ex.AutoDelete,
			ex.Internal,
			ex.NoWait,
			toTable(ex.Arguments),
		)
	}

	return ch.ExchangeDeclare(
		ex.Name,
		string(ex.Kind),
		ex.Durable,
		ex.AutoDelete,
		ex.Internal,
		ex.NoWait,
		toTable(ex.Arguments),
	)
}

// toPublishing converts an envelope into the client library's message type
func toPublishing(env contracts.Envelope) amqp.Publishing {
	p := env.Properties

	return amqp.Publishing{
		Headers:         toTable(p.Headers),
		ContentType:     p.ContentType,
		ContentEncoding: p.ContentEncoding,
		DeliveryMode:    p.DeliveryMode,
		Priority:        p.Priority,
		CorrelationId:   p.CorrelationID,
		ReplyTo:         p.ReplyTo,
		Expiration:      p.Expiration,
		MessageId:       p.MessageID,
		Timestamp:       p.Timestamp,
		Type:            p.Type,
		UserId:          p.UserID,
		AppId:           p.AppID,
		Body:            env.Body,
	}
}

func toTable(m map[string]interface{}) amqp.Table {
	if m == nil {
		return nil
	}
	t := make(amqp.Table, len(m))
	for k, v := range m {
		t[k] = normalizeTableValue(v)
	}
	return t
}

// normalizeTableValue converts Go values the field-table encoder rejects
// into the closest supported type.
func normalizeTableValue(v interface{}) interface{} {
	switch val := v.(type) {
	case int:
		return int64(val)
	case uint:
		return int64(val)
	case uint32:
		return int64(val)
	case uint64:
		return int64(val)
	case time.Duration:
		return int64(val / time.Millisecond)
	case map[string]interface{}:
		return toTable(val)
	case []string:
		out := make([]interface{}, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out
	default:
		return v
	}
}
