package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/iot-cloud/internal/broker"
	"procodus.dev/iot-cloud/pkg/message"
	"procodus.dev/iot-cloud/pkg/naming"
	"procodus.dev/iot-cloud/pkg/routing"
)

// snapshot publishes the current values selected by requests straight into
// the session queue through a short-lived init exchange.
func (m *Manager) snapshot(ctx context.Context, s naming.Session, requests []Request) error {
	var wanted []Request
	for _, r := range requests {
		if r.Snapshot && r.selectsObservations() {
			wanted = append(wanted, r)
		}
	}
	if len(wanted) == 0 {
		return nil
	}
	if m.publisher == nil || m.values == nil {
		return errors.New("snapshots need a publisher and a current value source")
	}

	init := naming.InitExchange(s.Queue)
	if err := m.admin.DeclareExchange(ctx, init); err != nil {
		return fmt.Errorf("failed to declare init exchange: %w", err)
	}
	defer func() {
		if err := m.admin.DeleteExchange(ctx, init); err != nil {
			m.logger.Error("failed to delete init exchange", "exchange", init, "error", err)
		}
	}()
	if err := m.admin.DeclareBinding(ctx, broker.ExchangeToQueue(init, s.Queue, routing.Wildcard)); err != nil {
		return fmt.Errorf("failed to bind init exchange: %w", err)
	}

	published := 0
	for _, r := range wanted {
		devices, err := m.snapshotDevices(ctx, r)
		if err != nil {
			return err
		}
		for _, mid := range devices {
			n, err := m.publishDevice(ctx, init, mid, r)
			if err != nil {
				return err
			}
			published += n
		}
	}

	m.logger.Debug("snapshot delivered", "queue", s.Queue, "messages", published)
	return nil
}

func (m *Manager) snapshotDevices(ctx context.Context, r Request) ([]string, error) {
	switch {
	case r.DeviceID != "":
		return []string{r.DeviceID}, nil
	case len(r.Whitelist) > 0:
		return r.Whitelist, nil
	case m.devices == nil:
		m.logger.Warn("no device lister configured, skipping template snapshot", "template_id", r.TemplateID)
		return nil, nil
	}
	devices, err := m.devices.DevicesOfTemplate(ctx, r.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshot devices: %w", err)
	}
	return devices, nil
}

func (m *Manager) publishDevice(ctx context.Context, exchange, mid string, r Request) (int, error) {
	values, err := m.values.Get(ctx, mid)
	if err != nil {
		return 0, fmt.Errorf("failed to read snapshot of %s: %w", mid, err)
	}

	ids := make([]int64, 0, len(values))
	for id := range values {
		if r.wantsObservation(id) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		v := values[id]
		body, err := json.Marshal(message.Observation{Time: v.Time, Value: json.RawMessage(v.Value)})
		if err != nil {
			// Cached values were validated JSON when stored.
			m.logger.Warn("skipping malformed cached value", "device_id", mid, "observation_id", id, "error", err)
			continue
		}
		err = m.publisher.Publish(ctx, exchange, routing.ObservationKey(mid, id), amqp.Publishing{
			ContentType:  message.ContentType,
			DeliveryMode: amqp.Persistent,
			Timestamp:    v.Time,
			Body:         body,
		})
		if err != nil {
			return 0, fmt.Errorf("failed to publish snapshot of %s: %w", mid, err)
		}
	}
	return len(ids), nil
}
