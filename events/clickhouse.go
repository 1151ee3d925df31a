package events

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/orian/sheetsmith/logger"
	"github.com/prometheus/client_golang/prometheus"
)

var CounterDropped = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "sheetsmith_events",
		Name:      "dropped_total",
		Help:      "Events dropped because the batch buffer was full.",
	},
)

func init() {
	prometheus.MustRegister(CounterDropped)
}

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

type ClickHouseOptions struct {
	Addr          string
	Database      string
	Username      string
	Password      string
	Table         string
	BatchSize     int
	FlushInterval time.Duration
	Logger        *logger.Logger
}

// InsertFunc writes one batch of events.
type InsertFunc func(ctx context.Context, events []Event) error

// BatchSink buffers events and writes them in batches from a background
// goroutine. Events that do not fit the buffer are dropped.
type BatchSink struct {
	insert   InsertFunc
	size     int
	interval time.Duration
	log      *logger.Logger

	ch      chan Event
	done    chan struct{}
	closing sync.Once

	// release runs after the final flush.
	release func() error
}

func NewBatchSink(insert InsertFunc, size int, interval time.Duration, log *logger.Logger) *BatchSink {
	if size < 1 {
		size = 100
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	s := &BatchSink{
		insert:   insert,
		size:     size,
		interval: interval,
		log:      log.With("component", "events"),
		ch:       make(chan Event, size*4),
		done:     make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *BatchSink) Emit(e Event) {
	select {
	case s.ch <- e:
		CounterEvents.WithLabelValues(string(e.Kind)).Inc()
	default:
		CounterDropped.Inc()
	}
}

func (s *BatchSink) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	batch := make([]Event, 0, s.size)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.insert(ctx, batch); err != nil {
			s.log.Warn("event batch lost", "events", len(batch), "error", err)
		}
		batch = batch[:0]
	}
	for {
		select {
		case e, ok := <-s.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= s.size {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Close flushes buffered events. Emit must not be called afterwards.
func (s *BatchSink) Close() error {
	var err error
	s.closing.Do(func() {
		close(s.ch)
		<-s.done
		if s.release != nil {
			err = s.release()
		}
	})
	return err
}

// OpenClickHouse connects to ClickHouse, creates the events table when it
// does not exist and returns a sink writing to it.
func OpenClickHouse(ctx context.Context, opts ClickHouseOptions) (*BatchSink, error) {
	if opts.Addr == "" {
		return nil, errors.New("clickhouse address is empty")
	}
	if !tableName.MatchString(opts.Table) {
		return nil, fmt.Errorf("invalid events table %q", opts.Table)
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		ClientInfo: clickhouse.ClientInfo{
			Products: []struct {
				Name    string
				Version string
			}{
				{Name: "sheetsmith", Version: "1.0"},
			},
		},
		Settings: clickhouse.Settings{
			"send_logs_level": "none",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connect to clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	if err := conn.Exec(ctx, createTableSQL(opts.Table)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create %s: %w", opts.Table, err)
	}
	sink := NewBatchSink(clickHouseInsert(conn, opts.Table), opts.BatchSize, opts.FlushInterval, opts.Logger)
	sink.release = conn.Close
	return sink, nil
}

func createTableSQL(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	time DateTime64(3),
	kind LowCardinality(String),
	version String,
	subject String,
	detail String,
	duration_ms UInt64
) ENGINE = MergeTree ORDER BY (kind, time)`, table)
}

func clickHouseInsert(conn driver.Conn, table string) InsertFunc {
	return func(ctx context.Context, events []Event) error {
		batch, err := conn.PrepareBatch(ctx, "INSERT INTO "+table)
		if err != nil {
			return err
		}
		for _, e := range events {
			err := batch.Append(e.Time, string(e.Kind), string(e.Version), e.Subject, e.Detail, uint64(e.Duration.Milliseconds()))
			if err != nil {
				_ = batch.Abort()
				return err
			}
		}
		return batch.Send()
	}
}
