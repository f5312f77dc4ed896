// Package doris runs read-only statements against Apache Doris over the MySQL protocol.
package doris

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/JakeFAU/doris-feishu-pusher/internal/config"
	"github.com/JakeFAU/doris-feishu-pusher/internal/push"
)

const timeLayout = "2006-01-02 15:04:05"

var readOnlyVerbs = map[string]struct{}{
	"SELECT":   {},
	"WITH":     {},
	"SHOW":     {},
	"DESC":     {},
	"DESCRIBE": {},
	"EXPLAIN":  {},
}

// Options tunes query execution.
type Options struct {
	QueryTimeout time.Duration
	MaxRows      int
}

// Querier implements push.Querier on top of a database/sql pool.
type Querier struct {
	db     *sql.DB
	opts   Options
	logger *zap.Logger
}

// New opens a connection pool for the configured Doris frontend.
func New(cfg config.DorisConfig, logger *zap.Logger) (*Querier, error) {
	dsn := DSN(cfg)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open doris: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	if cfg.ConnMaxLifetimeSeconds > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeSeconds) * time.Second)
	}
	return NewWithDB(db, Options{
		QueryTimeout: time.Duration(cfg.QueryTimeoutSeconds) * time.Second,
		MaxRows:      cfg.MaxRows,
	}, logger), nil
}

// NewWithDB wraps an existing pool (primarily for testing).
func NewWithDB(db *sql.DB, opts Options, logger *zap.Logger) *Querier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Querier{db: db, opts: opts, logger: logger}
}

// DSN renders the driver connection string for cfg.
func DSN(cfg config.DorisConfig) string {
	mc := mysql.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	mc.DBName = cfg.Database
	// Doris rejects server-side prepared statements for some query shapes.
	mc.InterpolateParams = true
	mc.ParseTime = true
	if len(cfg.Params) > 0 {
		mc.Params = make(map[string]string, len(cfg.Params))
		for k, v := range cfg.Params {
			mc.Params[k] = v
		}
	}
	return mc.FormatDSN()
}

// Ping checks connectivity to the frontend.
func (q *Querier) Ping(ctx context.Context) error {
	if err := q.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping doris: %w", err)
	}
	return nil
}

// Close releases the pool.
func (q *Querier) Close() error {
	return q.db.Close()
}

// Query runs a read-only statement and returns at most maxRows stringified rows.
// A non-positive maxRows falls back to the configured limit.
func (q *Querier) Query(ctx context.Context, statement string, maxRows int) (push.ResultSet, error) {
	statement = strings.TrimSpace(statement)
	if err := CheckReadOnly(statement); err != nil {
		return push.ResultSet{}, err
	}
	if maxRows <= 0 || (q.opts.MaxRows > 0 && maxRows > q.opts.MaxRows) {
		maxRows = q.opts.MaxRows
	}
	if q.opts.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.opts.QueryTimeout)
		defer cancel()
	}

	start := time.Now()
	rows, err := q.db.QueryContext(ctx, statement)
	if err != nil {
		return push.ResultSet{}, fmt.Errorf("query doris: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			q.logger.Warn("failed to close rows", zap.Error(cerr))
		}
	}()

	result, err := scan(rows, maxRows)
	if err != nil {
		return push.ResultSet{}, err
	}
	q.logger.Debug("doris query finished",
		zap.Int("rows", result.Len()),
		zap.Bool("truncated", result.Truncated),
		zap.Duration("elapsed", time.Since(start)),
	)
	return result, nil
}

func scan(rows *sql.Rows, maxRows int) (push.ResultSet, error) {
	columns, err := rows.Columns()
	if err != nil {
		return push.ResultSet{}, fmt.Errorf("read columns: %w", err)
	}
	result := push.ResultSet{Columns: columns, Rows: [][]string{}}

	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if maxRows > 0 && len(result.Rows) >= maxRows {
			result.Truncated = true
			break
		}
		if err := rows.Scan(ptrs...); err != nil {
			return push.ResultSet{}, fmt.Errorf("scan row: %w", err)
		}
		row := make([]string, len(values))
		for i, v := range values {
			row[i] = stringify(v)
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return push.ResultSet{}, fmt.Errorf("iterate rows: %w", err)
	}
	return result, nil
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(val)
	case string:
		return val
	case time.Time:
		return val.Format(timeLayout)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	default:
		return fmt.Sprint(val)
	}
}

// CheckReadOnly rejects statements that could modify data.
func CheckReadOnly(statement string) error {
	trimmed := strings.TrimSpace(stripLeadingComments(statement))
	trimmed = strings.TrimRight(trimmed, "; \t\r\n")
	if trimmed == "" {
		return fmt.Errorf("%w: empty statement", push.ErrReadOnlyQuery)
	}
	if strings.Contains(trimmed, ";") {
		return fmt.Errorf("%w: multiple statements", push.ErrReadOnlyQuery)
	}
	fields := strings.FieldsFunc(trimmed, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '('
	})
	if len(fields) == 0 {
		return fmt.Errorf("%w: empty statement", push.ErrReadOnlyQuery)
	}
	verb := strings.ToUpper(fields[0])
	if _, ok := readOnlyVerbs[verb]; !ok {
		return fmt.Errorf("%w: %s", push.ErrReadOnlyQuery, verb)
	}
	// SELECT ... INTO OUTFILE exports the result to external storage.
	for i := 1; i < len(fields); i++ {
		if strings.EqualFold(fields[i-1], "INTO") {
			if next := strings.ToUpper(fields[i]); next == "OUTFILE" || next == "DUMPFILE" {
				return fmt.Errorf("%w: INTO %s", push.ErrReadOnlyQuery, next)
			}
		}
	}
	return nil
}

func stripLeadingComments(s string) string {
	for {
		s = strings.TrimSpace(s)
		switch {
		case strings.HasPrefix(s, "--"), strings.HasPrefix(s, "#"):
			idx := strings.IndexByte(s, '\n')
			if idx < 0 {
				return ""
			}
			s = s[idx+1:]
		case strings.HasPrefix(s, "/*"):
			idx := strings.Index(s, "*/")
			if idx < 0 {
				return ""
			}
			s = s[idx+2:]
		default:
			return s
		}
	}
}
