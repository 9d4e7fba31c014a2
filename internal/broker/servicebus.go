package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"example.com/backstage/services/orchestrator/config"
	"example.com/backstage/services/orchestrator/internal/dto"
	"example.com/backstage/services/orchestrator/internal/models"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus/admin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Gateway is the Broker Gateway described by the design: a durable
// topic-exchange abstraction realized on Azure Service Bus Topics and
// Subscriptions. A Topic named cfg.ExchangeName stands in for the topic
// exchange; each per-channel queue is a Subscription with a SQL filter rule
// matching the `channel` application property, which plays the role a
// routing-key binding would play on a classic topic exchange.
//
// This gateway only publishes. Consuming per-channel subscriptions belongs
// to the channel worker services, which are out of scope here.
type Gateway struct {
	cfg      config.BrokerConfig
	client   *azservicebus.Client
	sender   *azservicebus.Sender
	mu       sync.Mutex
	declared bool
}

// channelRoutingKeys maps each supported channel onto its routing key.
// DeclareTopology names the channel's subscription "<channel>_queue" and
// derives its SQL filter rule from the key's channel suffix. The optional
// wildcard observability subscription comes from cfg.QueueName and
// cfg.RoutingKey, not from this map.
var channelRoutingKeys = map[models.Channel]string{
	models.ChannelEmail: "notification.email",
	models.ChannelPush:  "notification.push",
}

// NewGateway connects to Service Bus and returns a Gateway. It does not
// declare topology; call DeclareTopology once at process startup.
func NewGateway(ctx context.Context, cfg config.BrokerConfig) (*Gateway, error) {
	if cfg.ConnectionString == "" {
		return nil, errors.New("broker connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus client")
	}

	sender, err := client.NewSender(cfg.ExchangeName, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus sender")
	}

	return &Gateway{
		cfg:    cfg,
		client: client,
		sender: sender,
	}, nil
}

// DeclareTopology idempotently creates the topic and the per-channel plus
// optional wildcard observability subscriptions, mirroring a topic-exchange
// declaration with durable queue bindings. It is safe to call from multiple
// process instances at startup; ResourceExists-style errors from the admin
// client are treated as success.
func (g *Gateway) DeclareTopology(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.declared {
		return nil
	}

	adminClient, err := admin.NewClientFromConnectionString(g.cfg.ConnectionString, nil)
	if err != nil {
		return errors.Wrap(err, "failed to create Service Bus admin client")
	}

	if _, err := adminClient.CreateTopic(ctx, g.cfg.ExchangeName, nil); err != nil && !isAlreadyExists(err) {
		return errors.Wrapf(err, "failed to declare topic %q", g.cfg.ExchangeName)
	}

	for channel, routingKey := range channelRoutingKeys {
		subName := fmt.Sprintf("%s_queue", channel)
		if err := g.declareSubscription(ctx, adminClient, subName, routingKey); err != nil {
			return err
		}
	}

	if g.cfg.QueueName != "" {
		if err := g.declareSubscription(ctx, adminClient, g.cfg.QueueName, g.cfg.RoutingKey); err != nil {
			return err
		}
	}

	g.declared = true
	return nil
}

func (g *Gateway) declareSubscription(ctx context.Context, adminClient *admin.Client, name, routingKey string) error {
	if _, err := adminClient.CreateSubscription(ctx, g.cfg.ExchangeName, name, nil); err != nil && !isAlreadyExists(err) {
		return errors.Wrapf(err, "failed to declare subscription %q", name)
	}

	filter := "1=1"
	if routingKey != "" && routingKey != "notification.*" {
		channel := routingKey[len("notification."):]
		filter = fmt.Sprintf("channel = '%s'", channel)
	}

	ruleName := "route"
	_, err := adminClient.CreateRule(ctx, g.cfg.ExchangeName, name, &admin.CreateRuleOptions{
		Name:   &ruleName,
		Filter: &admin.SQLFilter{Expression: filter},
	})
	if err != nil && !isAlreadyExists(err) {
		return errors.Wrapf(err, "failed to declare routing rule for subscription %q", name)
	}

	return nil
}

// isAlreadyExists treats a "the entity is already present" response from
// the admin API as a successful no-op, since DeclareTopology is meant to be
// safe to call from every process instance at startup.
func isAlreadyExists(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "already exists") ||
		strings.Contains(err.Error(), "Conflict")
}

// PublishNotification sends the enriched notification as a persistent,
// correlation-tagged message onto the topic exchange, tagging it with a
// `channel` application property so subscription filter rules route it
// exactly as a routing key would on a topic exchange.
func (g *Gateway) PublishNotification(ctx context.Context, notif *models.Notification, enriched dto.EnrichedNotification) error {
	body, err := json.Marshal(enriched)
	if err != nil {
		return errors.Wrap(err, "failed to marshal enriched notification")
	}

	msg := &azservicebus.Message{
		Body:          body,
		MessageID:     stringPtr(notif.ID.String()),
		CorrelationID: stringPtr(notif.CorrelationID),
		ContentType:   stringPtr("application/json"),
		ApplicationProperties: map[string]interface{}{
			"channel":  string(notif.Channel),
			"priority": string(notif.Priority),
		},
	}

	if err := g.sender.SendMessage(ctx, msg, nil); err != nil {
		return errors.Wrap(err, "failed to publish notification to broker")
	}

	return nil
}

func stringPtr(s string) *string { return &s }

// Close releases the sender and client.
func (g *Gateway) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if g.sender != nil {
		if err := g.sender.Close(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to close Service Bus sender")
		}
	}
	if g.client != nil {
		return g.client.Close(ctx)
	}
	return nil
}
