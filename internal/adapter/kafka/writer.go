package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/tempo-no2-etl/internal/config"
	"github.com/couchcryptid/tempo-no2-etl/internal/domain"
	"github.com/couchcryptid/tempo-no2-etl/internal/pipeline"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// CellPublisher streams every grid cell of a cycle to a Kafka topic.
// It implements pipeline.Exporter.
type CellPublisher struct {
	writer messageWriter
	topic  string
	logger *slog.Logger
}

// NewCellPublisher creates a Kafka producer for the configured cell topic.
func NewCellPublisher(cfg *config.Config, logger *slog.Logger) *CellPublisher {
	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.KafkaBrokers...),
		Topic:                  cfg.KafkaTopic,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &CellPublisher{writer: w, topic: cfg.KafkaTopic, logger: logger}
}

func (p *CellPublisher) Name() string { return "kafka" }

// Export publishes one message per cell in a single WriteMessages call. The
// returned location names the topic.
func (p *CellPublisher) Export(ctx context.Context, snap pipeline.Snapshot) (string, error) {
	if !snap.HasGrid || len(snap.Grid.Cells) == 0 {
		return "", nil
	}
	msgs := make([]kafkago.Message, len(snap.Grid.Cells))
	for i, c := range snap.Grid.Cells {
		msg, err := serializeToMessage(snap, c)
		if err != nil {
			return "", err
		}
		msgs[i] = msg
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return "", fmt.Errorf("publish cells: %w", err)
	}
	p.logger.Debug("cells published", "topic", p.topic, "count", len(msgs))
	return "kafka://" + p.topic, nil
}

func (p *CellPublisher) Close() error {
	return p.writer.Close()
}

// CellMessage is the JSON value of a published cell. Mean is null when the
// cell has no finite observation.
type CellMessage struct {
	CycleID     string    `json:"cycle_id"`
	GeneratedAt time.Time `json:"generated_at"`
	LatBin      float64   `json:"lat_bin"`
	LonBin      float64   `json:"lon_bin"`
	CellSize    float64   `json:"cell_size"`
	Mean        *float64  `json:"no2_mean"`
	Count       int       `json:"count"`
	Label       string    `json:"label,omitempty"`
}

// CellKey formats the message key shared by every message of one cell so a
// cell's history lands on one partition.
func CellKey(c domain.Cell) string {
	return strconv.FormatFloat(c.LatBin, 'f', -1, 64) + "," + strconv.FormatFloat(c.LonBin, 'f', -1, 64)
}

func serializeToMessage(snap pipeline.Snapshot, c domain.Cell) (kafkago.Message, error) {
	m := CellMessage{
		CycleID:     snap.CycleID,
		GeneratedAt: snap.GeneratedAt.UTC(),
		LatBin:      c.LatBin,
		LonBin:      c.LonBin,
		CellSize:    snap.Grid.CellSize,
		Count:       c.Count,
		Label:       c.Label,
	}
	if !math.IsNaN(c.Mean) && !math.IsInf(c.Mean, 0) {
		mean := c.Mean
		m.Mean = &mean
	}
	data, err := json.Marshal(m)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize cell: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(CellKey(c)),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "cycle_id", Value: []byte(snap.CycleID)},
			{Key: "generated_at", Value: []byte(snap.GeneratedAt.UTC().Format(time.RFC3339))},
		},
	}, nil
}
