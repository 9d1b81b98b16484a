package amqp

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/rbaliyan/eventbus/transport"
)

func toPublishing(msg transport.Message) amqp.Publishing {
	p := amqp.Publishing{
		MessageId:    msg.ID,
		ContentType:  msg.ContentType,
		Type:         msg.Type,
		Timestamp:    msg.Timestamp,
		DeliveryMode: amqp.Transient,
		Body:         msg.Body,
	}
	if msg.Persistent {
		p.DeliveryMode = amqp.Persistent
	}
	if len(msg.Headers) > 0 {
		p.Headers = make(amqp.Table, len(msg.Headers))
		for k, v := range msg.Headers {
			p.Headers[k] = v
		}
	}
	return p
}

func fromDelivery(d amqp.Delivery) transport.Message {
	return transport.Message{
		ID:          d.MessageId,
		Exchange:    d.Exchange,
		RoutingKey:  d.RoutingKey,
		ContentType: d.ContentType,
		Type:        d.Type,
		Persistent:  d.DeliveryMode == amqp.Persistent,
		Timestamp:   d.Timestamp,
		Headers:     fromTable(d.Headers),
		Body:        d.Body,
	}
}

// toTable converts declaration arguments. Plain ints are widened to int64,
// the type RabbitMQ expects for x-message-ttl and friends.
func toTable(args map[string]any) amqp.Table {
	if len(args) == 0 {
		return nil
	}
	table := make(amqp.Table, len(args))
	for k, v := range args {
		switch n := v.(type) {
		case int:
			table[k] = int64(n)
		case int32:
			table[k] = int64(n)
		case time.Duration:
			table[k] = n.Milliseconds()
		default:
			table[k] = v
		}
	}
	return table
}

// fromTable flattens message headers to strings. Nested tables and arrays,
// such as the broker's x-death history, are dropped.
func fromTable(table amqp.Table) map[string]string {
	if len(table) == 0 {
		return nil
	}
	headers := make(map[string]string, len(table))
	for k, v := range table {
		switch val := v.(type) {
		case string:
			headers[k] = val
		case []byte:
			headers[k] = string(val)
		case bool:
			headers[k] = strconv.FormatBool(val)
		case int8, int16, int32, int64, int, uint8, uint16, uint32, uint64:
			headers[k] = fmt.Sprint(val)
		case float32:
			headers[k] = strconv.FormatFloat(float64(val), 'f', -1, 32)
		case float64:
			headers[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case time.Time:
			headers[k] = val.UTC().Format(time.RFC3339)
		}
	}
	return headers
}

// mapError translates broker errors to the transport sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("%w: %w", transport.ErrUnavailable, err)
	}
	var aerr *amqp.Error
	if !errors.As(err, &aerr) {
		return err
	}
	switch aerr.Code {
	case amqp.PreconditionFailed:
		return fmt.Errorf("%w: %s", transport.ErrPreconditionFailed, aerr.Reason)
	case amqp.NotFound:
		return fmt.Errorf("%w: %s", transport.ErrNotFound, aerr.Reason)
	case amqp.ConnectionForced, amqp.ChannelError, amqp.FrameError:
		return fmt.Errorf("%w: %w", transport.ErrUnavailable, err)
	}
	return err
}

// redact drops credentials from a broker URL for logs and health output.
func redact(url string) string {
	uri, err := amqp.ParseURI(url)
	if err != nil {
		return "invalid-url"
	}
	return uri.Scheme + "://" + uri.Host + ":" + strconv.Itoa(uri.Port) + "/" + strings.TrimPrefix(uri.Vhost, "/")
}
