// Package deadletter receives batches the flusher gave up on.
//
// A sink is the last stop for a record: once the buffer hands a batch to
// Write, it no longer holds a copy. Every sink therefore tries hard to leave
// a trace, and the buffer logs each record itself if Write fails.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/nicktill/tinyanalytics/pkg/event"
)

// Sink stores batches that could not be persisted.
type Sink interface {
	Write(ctx context.Context, events []event.Event, cause error) error
	Close() error
}

// Entry is the JSON form of one dead-lettered record.
type Entry struct {
	Event    event.Event `json:"event"`
	Cause    string      `json:"cause"`
	FailedAt time.Time   `json:"failed_at"`
}

func entries(events []event.Event, cause error, now time.Time) []Entry {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	out := make([]Entry, len(events))
	for i, e := range events {
		out[i] = Entry{Event: e, Cause: msg, FailedAt: now}
	}
	return out
}

// LogSink writes each record as a JSON line to the standard logger.
type LogSink struct{}

// NewLogSink returns a sink backed by the standard logger
func NewLogSink() *LogSink {
	return &LogSink{}
}

func (LogSink) Write(_ context.Context, events []event.Event, cause error) error {
	for _, entry := range entries(events, cause, time.Now().UTC()) {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to encode dead letter: %w", err)
		}
		log.Printf("dead letter: %s", data)
	}
	return nil
}

func (LogSink) Close() error { return nil }

// FileSink appends JSON lines to a file, one per record.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewFileSink opens path for appending, creating it if needed.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open dead letter file: %w", err)
	}
	return &FileSink{file: f, enc: json.NewEncoder(f)}, nil
}

func (s *FileSink) Write(_ context.Context, events []event.Event, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range entries(events, cause, time.Now().UTC()) {
		if err := s.enc.Encode(entry); err != nil {
			return fmt.Errorf("failed to write dead letter: %w", err)
		}
	}
	return s.file.Sync()
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// KafkaConfig selects the topic dead letters are produced to.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// KafkaSink produces one message per record, keyed by site id so a site's
// dead letters stay ordered within a partition.
type KafkaSink struct {
	writer messageWriter
}

// messageWriter is the part of *kafka.Writer the sink uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaSink creates a synchronous producer for cfg.Topic.
func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("kafka dead letter sink needs brokers and a topic")
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		WriteTimeout:           10 * time.Second,
	}
	log.Printf("[deadletter] brokers=%v topic=%s", cfg.Brokers, cfg.Topic)
	return &KafkaSink{writer: w}, nil
}

func (s *KafkaSink) Write(ctx context.Context, events []event.Event, cause error) error {
	now := time.Now().UTC()
	msgs := make([]kafka.Message, 0, len(events))
	for _, entry := range entries(events, cause, now) {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to encode dead letter: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(entry.Event.SiteID),
			Value: data,
			Time:  now,
		})
	}

	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to produce dead letters: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
