package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"CandleMill/internal/domain/models"
	domrepo "CandleMill/internal/domain/repository"
	pkgch "CandleMill/pkg/clickhouse"
	applogger "CandleMill/pkg/logger"
)

// CHFeatureTable implements the feature table over ClickHouse. Feature
// values are stored as a JSON map per row: the prediction loop treats
// features as opaque name/value pairs, so a fixed column set would couple
// the table to one indicator recipe.
type CHFeatureTable struct {
	db    *sql.DB
	table string
	l     *applogger.Logger
}

func NewCHFeatureTable(ch *pkgch.Client, table string) *CHFeatureTable {
	return &CHFeatureTable{db: ch.DB(), table: table}
}

// SetLogger injects a structured logger.
func (s *CHFeatureTable) SetLogger(l *applogger.Logger) { s.l = l }

func (s *CHFeatureTable) Rows(ctx context.Context, symbol string, windowDurationMS, afterMS int64) ([]models.FeatureRow, error) {
	start := time.Now()
	q := fmt.Sprintf(`SELECT symbol, window_start_ms, window_duration_ms, features
        FROM %s FINAL
        WHERE symbol = ? AND window_duration_ms = ? AND window_start_ms > ?
        ORDER BY window_start_ms ASC`, s.table)
	rows, err := s.db.QueryContext(ctx, q, symbol, windowDurationMS, afterMS)
	if err != nil {
		if s.l != nil {
			s.l.Error("clickhouse feature query error",
				applogger.String("symbol", symbol),
				applogger.Int64("after_ms", afterMS),
				applogger.Error(err),
			)
		}
		return nil, fmt.Errorf("feature rows: %w", err)
	}
	defer rows.Close()

	out := make([]models.FeatureRow, 0, 64)
	for rows.Next() {
		var r models.FeatureRow
		var raw string
		if err := rows.Scan(&r.Symbol, &r.WindowStartMS, &r.WindowDurationMS, &raw); err != nil {
			return nil, fmt.Errorf("scan feature row: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &r.Features); err != nil {
			return nil, fmt.Errorf("decode features: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	if s.l != nil {
		s.l.Debug("clickhouse feature query ok",
			applogger.String("symbol", symbol),
			applogger.Int("rows", len(out)),
			applogger.Duration("duration_ms", time.Since(start)),
		)
	}
	return out, nil
}

func (s *CHFeatureTable) WriteFeatures(ctx context.Context, row models.FeatureRow) error {
	raw, err := json.Marshal(row.Features)
	if err != nil {
		return fmt.Errorf("encode features: %w", err)
	}
	q := fmt.Sprintf(`INSERT INTO %s (symbol, window_start_ms, window_duration_ms, features, inserted_at)
        VALUES (?, ?, ?, ?, ?)`, s.table)
	if _, err := s.db.ExecContext(ctx, q,
		row.Symbol, row.WindowStartMS, row.WindowDurationMS, string(raw), time.Now(),
	); err != nil {
		return fmt.Errorf("insert features: %w", err)
	}
	return nil
}

var (
	_ domrepo.FeatureTable  = (*CHFeatureTable)(nil)
	_ domrepo.FeatureWriter = (*CHFeatureTable)(nil)
)
