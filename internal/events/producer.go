// Package events publishes auth lifecycle events to Kafka. Publishing is
// best-effort: a broker failure is logged by the caller and never fails
// the request that produced the event.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

const TopicAuthEvents = "auth_events"

const (
	TypeUserRegistered    = "user_registered"
	TypeUserLoggedIn      = "user_logged_in"
	TypeUserLoggedOut     = "user_logged_out"
	TypeTokenRotated      = "token_rotated"
	TypeReuseDetected     = "reuse_detected"
	TypeFamilyRevoked     = "family_revoked"
	TypePasskeyRegistered = "passkey_registered"
	TypePasskeyLogin      = "passkey_login"
	TypeOAuthCodeIssued   = "oauth_code_issued"
	TypeOAuthCodeRedeemed = "oauth_code_redeemed"
)

type AuthEvent struct {
	Type     string    `json:"type"`
	Username string    `json:"username,omitempty"`
	UserUUID string    `json:"user_uuid,omitempty"`
	FamilyID string    `json:"family_id,omitempty"`
	ClientID string    `json:"client_id,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

type Producer struct {
	writer *kafka.Writer
}

// NewProducer returns a no-op producer when no broker address is
// configured.
func NewProducer(address string) *Producer {
	if address == "" {
		return &Producer{}
	}
	return &Producer{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(address),
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
			WriteTimeout:           5 * time.Second,
		},
	}
}

// PublishEvent is a no-op on a zero-value producer, so tests and
// deployments without a broker work unchanged.
func (p *Producer) PublishEvent(ctx context.Context, topic, key string, event any) error {
	if p == nil || p.writer == nil {
		return nil
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("kafka: json.Marshal failed: %w", err)
	}
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: data,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: write failed: %w", err)
	}
	return nil
}

func (p *Producer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
