// Package sql stores messages as rows of a database table. The sqlite,
// postgres (pgx) and mysql drivers are registered.
package sql

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/user/sluice"
	_ "modernc.org/sqlite"
)

// Column maps a table column to a message value name such as HOST or MESSAGE.
type Column struct {
	Name  string
	Value string
}

type Config struct {
	// Driver is "sqlite", "postgres" or "mysql".
	Driver string
	DSN    string
	Table  string
	// Columns defaults to DefaultColumns.
	Columns []Column
	// CreateTable issues CREATE TABLE IF NOT EXISTS on connect.
	CreateTable bool
}

var DefaultColumns = []Column{
	{Name: "date", Value: "DATE"},
	{Name: "facility", Value: "FACILITY"},
	{Name: "level", Value: "LEVEL"},
	{Name: "host", Value: "HOST"},
	{Name: "program", Value: "PROGRAM"},
	{Name: "pid", Value: "PID"},
	{Name: "message", Value: "MESSAGE"},
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type SQLSink struct {
	cfg        Config
	driverName string
	db         *sql.DB
	insert     string
}

func NewSQLSink(cfg Config) (*SQLSink, error) {
	if cfg.Table == "" {
		cfg.Table = "messages"
	}
	if len(cfg.Columns) == 0 {
		cfg.Columns = DefaultColumns
	}

	var driverName string
	switch cfg.Driver {
	case "sqlite", "":
		cfg.Driver = "sqlite"
		driverName = "sqlite"
	case "postgres", "pgx":
		cfg.Driver = "postgres"
		driverName = "pgx"
	case "mysql":
		driverName = "mysql"
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", cfg.Driver)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("sql sink requires a dsn")
	}

	if !identifier.MatchString(cfg.Table) {
		return nil, fmt.Errorf("invalid table name %q", cfg.Table)
	}
	for _, c := range cfg.Columns {
		if !identifier.MatchString(c.Name) {
			return nil, fmt.Errorf("invalid column name %q", c.Name)
		}
	}

	s := &SQLSink{cfg: cfg, driverName: driverName}
	s.insert = s.insertQuery()
	return s, nil
}

func (s *SQLSink) Component() string { return "sql" }

func (s *SQLSink) PersistName() string {
	return fmt.Sprintf("sql(%s,%s,%s)", s.cfg.Driver, s.cfg.DSN, s.cfg.Table)
}

func (s *SQLSink) StatsInstance() string {
	return fmt.Sprintf("%s,%s,%s", s.cfg.Driver, s.cfg.DSN, s.cfg.Table)
}

func (s *SQLSink) placeholder(i int) string {
	if s.cfg.Driver == "postgres" {
		return fmt.Sprintf("$%d", i+1)
	}
	return "?"
}

func (s *SQLSink) insertQuery() string {
	names := make([]string, len(s.cfg.Columns))
	marks := make([]string, len(s.cfg.Columns))
	for i, c := range s.cfg.Columns {
		names[i] = c.Name
		marks[i] = s.placeholder(i)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", s.cfg.Table, strings.Join(names, ", "), strings.Join(marks, ", "))
}

func (s *SQLSink) createQuery() string {
	cols := make([]string, len(s.cfg.Columns))
	for i, c := range s.cfg.Columns {
		cols[i] = c.Name + " TEXT"
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", s.cfg.Table, strings.Join(cols, ", "))
}

func (s *SQLSink) init(ctx context.Context) error {
	db, err := sql.Open(s.driverName, s.cfg.DSN)
	if err != nil {
		return fmt.Errorf("failed to open %s db: %w", s.cfg.Driver, err)
	}
	// one writer goroutine, one connection
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping %s db: %w", s.cfg.Driver, err)
	}
	if s.cfg.CreateTable {
		if _, err := db.ExecContext(ctx, s.createQuery()); err != nil {
			db.Close()
			return fmt.Errorf("failed to create table %s: %w", s.cfg.Table, err)
		}
	}
	s.db = db
	return nil
}

func (s *SQLSink) Open(ctx context.Context) error {
	if s.db != nil {
		return nil
	}
	return s.init(ctx)
}

func (s *SQLSink) Write(ctx context.Context, msg sluice.Message) error {
	if msg == nil {
		return nil
	}
	if s.db == nil {
		if err := s.init(ctx); err != nil {
			return err
		}
	}

	args := make([]interface{}, len(s.cfg.Columns))
	for i, c := range s.cfg.Columns {
		args[i] = msg.Value(c.Value)
	}
	if _, err := s.db.ExecContext(ctx, s.insert, args...); err != nil {
		return fmt.Errorf("failed to insert into %s: %w", s.cfg.Table, err)
	}
	return nil
}

func (s *SQLSink) OnError(err error) {
	_ = s.Close()
}

func (s *SQLSink) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
