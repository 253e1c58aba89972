package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/mailcrm/flagsync/logger"
)

// CustomTracer logs every query when database debug logging is enabled.
type CustomTracer struct{}

func (t *CustomTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	logger.Debug("SQL query start", "sql", data.SQL, "args", data.Args)
	return ctx
}

func (t *CustomTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if data.Err != nil {
		logger.Debug("SQL query end", "command_tag", data.CommandTag.String(), "error", data.Err)
		return
	}
	logger.Debug("SQL query end", "command_tag", data.CommandTag.String())
}
