/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/carverauto/fleetreconcile/pkg/logger"
	"github.com/carverauto/fleetreconcile/pkg/models"
	"github.com/carverauto/fleetreconcile/pkg/report"
)

const (
	DefaultSubject = "fleetreconcile.results"
	DefaultStream  = "FLEETRECONCILE"
	eventType      = "com.carverauto.fleetreconcile.device.reconciled"
	eventSource    = "fleetreconcile"
)

// NATSConfig selects the JetStream subject results are published to.
type NATSConfig struct {
	URL     string `json:"url" yaml:"url" toml:"url"`
	Subject string `json:"subject" yaml:"subject" toml:"subject"`
	Stream  string `json:"stream" yaml:"stream" toml:"stream"`
}

// CloudEvent is the envelope every result is wrapped in.
type CloudEvent struct {
	SpecVersion     string      `json:"specversion"`
	ID              string      `json:"id"`
	Source          string      `json:"source"`
	Type            string      `json:"type"`
	DataContentType string      `json:"datacontenttype"`
	Subject         string      `json:"subject,omitempty"`
	Time            *time.Time  `json:"time,omitempty"`
	Data            interface{} `json:"data,omitempty"`
}

// DeviceEvent is the payload of a published result.
type DeviceEvent struct {
	Status report.Status                      `json:"status"`
	Result *models.DeviceReconciliationResult `json:"result"`
}

// Publisher is the part of jetstream.JetStream the sink uses.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATS publishes every result as a CloudEvent.
type NATS struct {
	js      Publisher
	subject string
	conn    *nats.Conn
	log     logger.Logger
}

// NewNATS wraps an existing publisher.
func NewNATS(js Publisher, subject string, log logger.Logger) *NATS {
	if subject == "" {
		subject = DefaultSubject
	}

	return &NATS{js: js, subject: subject, log: log}
}

// ConnectNATS dials the server, ensures the stream exists and returns a sink
// that owns the connection.
func ConnectNATS(ctx context.Context, cfg NATSConfig, log logger.Logger, opts ...nats.Option) (*NATS, error) {
	opts = append([]nats.Option{
		nats.Name("fleetreconcile"),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
	}, opts...)

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()

		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	s := NewNATS(js, cfg.Subject, log)
	s.conn = nc

	stream := cfg.Stream
	if stream == "" {
		stream = DefaultStream
	}

	if _, err := js.Stream(ctx, stream); err != nil {
		_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:     stream,
			Subjects: []string{s.subject + ".>"},
		})
		if err != nil {
			nc.Close()

			return nil, fmt.Errorf("failed to create or get stream %s: %w", stream, err)
		}
	}

	log.Info().Str("url", nc.ConnectedUrl()).Str("subject", s.subject).Msg("Connected to NATS")

	return s, nil
}

// Write publishes to <subject>.<status>.
func (s *NATS) Write(ctx context.Context, result *models.DeviceReconciliationResult) error {
	status := report.Classify(result)
	at := result.StartedAt.Add(result.Elapsed)

	event := CloudEvent{
		SpecVersion:     "1.0",
		ID:              uuid.New().String(),
		Source:          eventSource,
		Type:            eventType,
		DataContentType: "application/json",
		Subject:         s.subject + "." + string(status),
		Time:            &at,
		Data:            DeviceEvent{Status: status, Result: result},
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal device event: %w", err)
	}

	ack, err := s.js.Publish(ctx, event.Subject, payload, jetstream.WithMsgID(result.RunID+"/"+result.Identity.String()))
	if err != nil {
		return fmt.Errorf("failed to publish device event: %w", err)
	}

	if s.log != nil && ack != nil {
		s.log.Debug().
			Str("event_id", event.ID).
			Str("subject", event.Subject).
			Uint64("seq", ack.Sequence).
			Msg("Published device event")
	}

	return nil
}

func (s *NATS) Close() error {
	if s.conn == nil {
		return nil
	}

	return s.conn.Drain()
}
