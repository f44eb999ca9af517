package pubsub

import (
	"context"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Provision creates the queue topic and subscription in projectID when they
// do not exist yet.
func Provision(ctx context.Context, client *pubsub.Client, projectID string, cfg Config) error {
	topic := fmt.Sprintf("projects/%s/topics/%s", projectID, cfg.Topic)
	if _, err := client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: topic}); err != nil && status.Code(err) != codes.AlreadyExists {
		return fmt.Errorf("create topic %s: %w", cfg.Topic, err)
	}
	sub := &pubsubpb.Subscription{
		Name:               fmt.Sprintf("projects/%s/subscriptions/%s", projectID, cfg.Subscription),
		Topic:              topic,
		AckDeadlineSeconds: 60,
	}
	if _, err := client.SubscriptionAdminClient.CreateSubscription(ctx, sub); err != nil && status.Code(err) != codes.AlreadyExists {
		return fmt.Errorf("create subscription %s: %w", cfg.Subscription, err)
	}
	return nil
}
