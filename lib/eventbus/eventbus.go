/*
 * CrowdPM
 * Copyright (C) 2026  CrowdPM, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package eventbus announces admitted batches to the asynchronous
// processing pipeline. Delivery is at-least-once: the downstream worker
// deduplicates on batch_id.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/gravitational/trace"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Event is the message body published per admitted batch.
type Event struct {
	DeviceID   string `json:"device_id"`
	BatchID    string `json:"batch_id"`
	Path       string `json:"path"`
	Visibility string `json:"visibility"`
}

// Publisher emits batch events on the configured topic.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// PubSubConfig configures the Cloud Pub/Sub publisher.
type PubSubConfig struct {
	// Client is an initialized Pub/Sub client.
	Client *pubsub.Client
	// ProjectID is the hosting project.
	ProjectID string
	// Topic is the topic ID batches are announced on.
	Topic string
}

// CheckAndSetDefaults validates the config.
func (c *PubSubConfig) CheckAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("Client is required")
	}
	if c.ProjectID == "" {
		return trace.BadParameter("ProjectID is required")
	}
	if c.Topic == "" {
		return trace.BadParameter("Topic is required")
	}
	return nil
}

// PubSubPublisher publishes batch events to Cloud Pub/Sub. The topic is
// resolved once at construction; the ingest hot path only publishes.
type PubSubPublisher struct {
	cfg       PubSubConfig
	publisher *pubsub.Publisher
}

// NewPubSubPublisher resolves the topic and returns a publisher. Against
// the local emulator the topic is created idempotently; against real
// Pub/Sub its existence is verified.
func NewPubSubPublisher(ctx context.Context, cfg PubSubConfig) (*PubSubPublisher, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	name := fmt.Sprintf("projects/%s/topics/%s", cfg.ProjectID, cfg.Topic)

	if os.Getenv("PUBSUB_EMULATOR_HOST") != "" {
		_, err := cfg.Client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: name})
		if err != nil && status.Code(err) != codes.AlreadyExists {
			return nil, trace.Wrap(err, "creating emulator topic %s", name)
		}
	} else {
		_, err := cfg.Client.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{Topic: name})
		if err != nil {
			return nil, trace.Wrap(err, "resolving topic %s", name)
		}
	}

	return &PubSubPublisher{
		cfg:       cfg,
		publisher: cfg.Client.Publisher(name),
	}, nil
}

// Publish implements Publisher.
func (p *PubSubPublisher) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return trace.Wrap(err)
	}
	result := p.publisher.Publish(ctx, &pubsub.Message{Data: data})
	if _, err := result.Get(ctx); err != nil {
		return trace.Wrap(err, "publishing batch event")
	}
	return nil
}

// MemoryPublisher records events in-process for tests and local runs.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event

	// FailNext forces the next Publish to fail, for at-least-once tests.
	FailNext error
}

// NewMemoryPublisher returns an empty in-memory publisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// Publish implements Publisher.
func (p *MemoryPublisher) Publish(_ context.Context, event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailNext != nil {
		err := p.FailNext
		p.FailNext = nil
		return err
	}
	p.events = append(p.events, event)
	return nil
}

// Events returns a copy of everything published so far.
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}
