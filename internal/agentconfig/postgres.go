package agentconfig

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const activeConfigQuery = `
SELECT name,
       COALESCE(instructions, ''),
       COALESCE(voice, ''),
       COALESCE(model, ''),
       temperature,
       COALESCE(max_tokens, 0),
       COALESCE(turn_detection_type, ''),
       COALESCE(vad_threshold, 0),
       COALESCE(prefix_padding_ms, 0),
       COALESCE(silence_duration_ms, 0),
       COALESCE(vad_eagerness, ''),
       COALESCE(input_audio_format, ''),
       COALESCE(output_audio_format, ''),
       COALESCE(tools, '{}')
FROM agent_configurations
WHERE is_active
ORDER BY updated_at DESC
LIMIT 1`

// PostgresSource reads the active row of the agent_configurations table.
type PostgresSource struct {
	pool *pgxpool.Pool
}

// NewPostgresSource connects a pool to databaseURL.
func NewPostgresSource(ctx context.Context, databaseURL string) (*PostgresSource, error) {
	if databaseURL == "" {
		return nil, errors.New("DATABASE_URL is required for the postgres agent source")
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	return &PostgresSource{pool: pool}, nil
}

func (s *PostgresSource) ActiveConfiguration(ctx context.Context) (*Config, error) {
	cfg, err := scanConfig(s.pool.QueryRow(ctx, activeConfigQuery))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query active agent configuration: %w", err)
	}
	return cfg, nil
}

// Close releases the pool.
func (s *PostgresSource) Close() {
	s.pool.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConfig(row rowScanner) (*Config, error) {
	var cfg Config
	err := row.Scan(
		&cfg.Name,
		&cfg.Instructions,
		&cfg.Voice,
		&cfg.Model,
		&cfg.Temperature,
		&cfg.MaxTokens,
		&cfg.TurnDetection.Type,
		&cfg.TurnDetection.Threshold,
		&cfg.TurnDetection.PrefixPaddingMs,
		&cfg.TurnDetection.SilenceDurationMs,
		&cfg.TurnDetection.Eagerness,
		&cfg.InputAudioFormat,
		&cfg.OutputAudioFormat,
		&cfg.Tools,
	)
	if err != nil {
		return nil, err
	}
	cfg.Active = true
	return &cfg, nil
}
