package processor_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	relay "github.com/user/mqttrelay"
	"github.com/user/mqttrelay/internal/model"
	"github.com/user/mqttrelay/internal/processor"
	storagesql "github.com/user/mqttrelay/internal/storage/sql"
	"github.com/user/mqttrelay/pkg/logging"
)

// fakeParser always returns a fixed metric reading; config is ignored.
// Used in place of a real content-addressed parser so the test exercises
// the processor's pipeline, not subprocess execution.
type fakeParser struct {
	metricID int64
	value    float64
	err      error
}

func (f fakeParser) Parse(payload interface{}, config map[string]interface{}) (map[int64]interface{}, error) {
	if f.err != nil {
		return nil, f.err
	}
	return map[int64]interface{}{f.metricID: f.value}, nil
}

// captureDispatcher records every batch of points handed to it and always
// reports a successful synchronous send.
type captureDispatcher struct {
	got *[][]model.ParsedPoint
}

func (d captureDispatcher) Dispatch(ctx context.Context, points []model.ParsedPoint) (relay.DispatchResult, error) {
	*d.got = append(*d.got, points)
	return relay.DispatchResult{Status: model.DispatchSent}, nil
}
func (d captureDispatcher) Asynchronous() bool { return false }

// seed opens a second connection to the same in-memory sqlite database so
// the test can seed catalog/routing rows the Store's public API has no
// setters for (client, device, topic, rule, destination). modernc.org/sqlite
// keeps a single in-memory database alive for every connection sharing the
// same DSN within a process.
func seed(t *testing.T, dsn string) {
	t.Helper()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open seed conn: %v", err)
	}
	defer db.Close()

	stmts := []struct {
		q    string
		args []any
	}{
		{`INSERT INTO client (id, slug, name, status) VALUES (1, 'farm1', 'Farm One', 'active')`, nil},
		{`INSERT INTO device_type (id, vendor, model, kind) VALUES (1, 'acme', 'sensor-x', 'weather')`, nil},
		{`INSERT INTO device (id, client_id, device_type_id, working, installed) VALUES (1, 1, 1, 1, 1)`, nil},
		{`INSERT INTO mqtt_topic (id, topic, client_id, device_id, active) VALUES (1, 'farm1/weather/node3', 1, 1, 1)`, nil},
		{`INSERT INTO metric (id, key_name, default_unit) VALUES (1, 'battery_voltage', 'V')`, nil},
		{`INSERT INTO parser (id, name, version, language, active) VALUES (1, 'weather-parser', '1.0.0', 'python', 1)`, nil},
		{`INSERT INTO client_destination (id, client_id, type, options, active) VALUES (1, 1, 'file', '{"path":"/tmp/out.log"}', 1)`, nil},
	}
	for _, s := range stmts {
		if _, err := db.Exec(s.q, s.args...); err != nil {
			t.Fatalf("seed %q: %v", s.q, err)
		}
	}
}

func seedRule(t *testing.T, dsn string, ruleID uuid.UUID, destinationID int64) {
	t.Helper()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open seed conn: %v", err)
	}
	defer db.Close()

	if _, err := db.Exec(
		`INSERT INTO routing_rule (id, client_id, topic_id, device_id, parser_id, parser_config, active, priority, conditions, created_at)
		 VALUES (?, 1, 1, 1, 1, '{}', 1, 10, NULL, ?)`,
		ruleID.String(), time.Now().UTC(),
	); err != nil {
		t.Fatalf("seed rule: %v", err)
	}
	if _, err := db.Exec(
		`INSERT INTO route_deposit (rule_id, destination_id) VALUES (?, ?)`,
		ruleID.String(), destinationID,
	); err != nil {
		t.Fatalf("seed deposit: %v", err)
	}
}

func newStore(t *testing.T) (*storagesql.Store, string) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	store, err := storagesql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return store, dsn
}

// TestRunHappyPathDispatchesAndMarksProcessed covers spec scenario S1: a
// message with one matching unconditioned rule gets parsed, persisted, and
// dispatched to its one deposit, then marked processed so it is never
// reclaimed.
func TestRunHappyPathDispatchesAndMarksProcessed(t *testing.T) {
	ctx := context.Background()
	store, dsn := newStore(t)
	seed(t, dsn)

	ruleID := uuid.New()
	seedRule(t, dsn, ruleID, 1)

	if _, err := store.InsertMessage(ctx, model.MqttMessage{
		Client: "farm1", Topic: "farm1/weather/node3", Payload: []byte(`{"battery":3.2}`),
		At: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("insert message: %v", err)
	}

	var captured [][]model.ParsedPoint
	p := &processor.Processor{
		Store: store,
		Log:   logging.NewDefaultLogger(),
		LoadParser: func(row model.Parser) (relay.Parser, error) {
			return fakeParser{metricID: 1, value: 3.2}, nil
		},
		NewDispatch: func(dest model.ClientDestination, password string) (relay.Dispatcher, error) {
			return captureDispatcher{got: &captured}, nil
		},
		BatchSize: 10,
	}

	result, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Processed != 1 || result.Failed != 0 {
		t.Fatalf("expected 1 processed 0 failed, got %+v", result)
	}
	if len(captured) != 1 || len(captured[0]) != 1 {
		t.Fatalf("expected one dispatch of one point, got %+v", captured)
	}
	if got := *captured[0][0].NumValue; got != 3.2 {
		t.Errorf("expected dispatched value 3.2, got %v", got)
	}

	again, err := store.ClaimUnprocessedMessages(ctx, 10)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(again) != 0 {
		t.Error("expected processed message to never be reclaimed")
	}
}

// TestRunConditionalRuleSkipsNonMatchingRoute covers spec scenario S3: a
// rule with a non-matching condition is not selected, so a message on a
// topic with no other candidate rule fails with ErrNoRouteFound and the
// message is released (not processed), not dropped silently.
func TestRunConditionalRuleSkipsNonMatchingRoute(t *testing.T) {
	ctx := context.Background()
	store, dsn := newStore(t)
	seed(t, dsn)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open seed conn: %v", err)
	}
	defer db.Close()
	ruleID := uuid.New()
	if _, err := db.Exec(
		`INSERT INTO routing_rule (id, client_id, topic_id, device_id, parser_id, parser_config, active, priority, conditions, created_at)
		 VALUES (?, 1, 1, 1, 1, '{}', 1, 10, ?, ?)`,
		ruleID.String(), `{"eq":["$message.qos", 9]}`, time.Now().UTC(),
	); err != nil {
		t.Fatalf("seed conditional rule: %v", err)
	}

	if _, err := store.InsertMessage(ctx, model.MqttMessage{
		Client: "farm1", Topic: "farm1/weather/node3", Payload: []byte(`{"battery":3.2}`),
		At: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("insert message: %v", err)
	}

	p := &processor.Processor{
		Store: store,
		Log:   logging.NewDefaultLogger(),
		LoadParser: func(row model.Parser) (relay.Parser, error) {
			return fakeParser{metricID: 1, value: 3.2}, nil
		},
		NewDispatch: func(dest model.ClientDestination, password string) (relay.Dispatcher, error) {
			return captureDispatcher{}, nil
		},
		BatchSize: 10,
	}

	result, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Processed != 0 || result.Failed != 1 {
		t.Fatalf("expected 0 processed 1 failed, got %+v", result)
	}

	released, err := store.ClaimUnprocessedMessages(ctx, 10)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(released) != 1 {
		t.Error("expected the unmatched message to be released for a future pass, not dropped")
	}
}

// flakyDispatcher fails dispatch the first time it is asked to deliver a
// given destination ID, then succeeds on every subsequent call — modeling a
// destination that is down for one batch pass and recovers by the next.
type flakyDispatcher struct {
	destID int64
	failed *map[int64]bool
}

func (d flakyDispatcher) Dispatch(ctx context.Context, points []model.ParsedPoint) (relay.DispatchResult, error) {
	if !(*d.failed)[d.destID] {
		(*d.failed)[d.destID] = true
		return relay.DispatchResult{Status: model.DispatchRetrying, Transient: true}, fmt.Errorf("destination %d unreachable", d.destID)
	}
	return relay.DispatchResult{Status: model.DispatchSent}, nil
}
func (d flakyDispatcher) Asynchronous() bool { return false }

// TestRunDispatchIsIdempotentOnRerun covers the dispatch identity invariant:
// a message with two deposits where one destination fails stays unprocessed
// so a later batch pass retries it, but the destination that already
// succeeded must not be dispatched to again.
func TestRunDispatchIsIdempotentOnRerun(t *testing.T) {
	ctx := context.Background()
	store, dsn := newStore(t)
	seed(t, dsn)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open seed conn: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(`INSERT INTO client_destination (id, client_id, type, options, active) VALUES (2, 1, 'file', '{"path":"/tmp/out2.log"}', 1)`); err != nil {
		t.Fatalf("seed second destination: %v", err)
	}

	ruleID := uuid.New()
	seedRule(t, dsn, ruleID, 1)
	if _, err := db.Exec(`INSERT INTO route_deposit (rule_id, destination_id) VALUES (?, 2)`, ruleID.String()); err != nil {
		t.Fatalf("seed second deposit: %v", err)
	}

	if _, err := store.InsertMessage(ctx, model.MqttMessage{
		Client: "farm1", Topic: "farm1/weather/node3", Payload: []byte(`{"battery":3.2}`),
		At: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("insert message: %v", err)
	}

	var destCalls = map[int64]int{}
	failedOnce := map[int64]bool{}
	newProcessor := func() *processor.Processor {
		return &processor.Processor{
			Store: store,
			Log:   logging.NewDefaultLogger(),
			LoadParser: func(row model.Parser) (relay.Parser, error) {
				return fakeParser{metricID: 1, value: 3.2}, nil
			},
			NewDispatch: func(dest model.ClientDestination, password string) (relay.Dispatcher, error) {
				destCalls[dest.ID]++
				if dest.ID == 2 {
					return flakyDispatcher{destID: 2, failed: &failedOnce}, nil
				}
				return captureDispatcher{got: &[][]model.ParsedPoint{}}, nil
			},
			BatchSize: 10,
		}
	}

	first, err := newProcessor().Run(ctx)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.Processed != 0 || first.Failed != 1 {
		t.Fatalf("expected the first pass to leave the message unprocessed (one destination down), got %+v", first)
	}
	if destCalls[1] != 1 || destCalls[2] != 1 {
		t.Fatalf("expected exactly one dispatch attempt per destination on the first pass, got %+v", destCalls)
	}

	// Fast-forward the scheduled retry into the past so the second pass's
	// sweep picks it up immediately instead of waiting out the backoff.
	if _, err := db.Exec(`UPDATE dispatch SET next_retry_at = ? WHERE destination_id = 2`, time.Now().UTC().Add(-time.Minute)); err != nil {
		t.Fatalf("fast-forward retry: %v", err)
	}

	second, err := newProcessor().Run(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Processed != 1 {
		t.Fatalf("expected the retried pass to finish the message, got %+v", second)
	}
	if destCalls[1] != 1 {
		t.Errorf("expected destination 1 (already sent) to never be dispatched to again, got %d calls", destCalls[1])
	}
	if destCalls[2] != 2 {
		t.Errorf("expected destination 2 to be retried exactly once more, got %d calls", destCalls[2])
	}
}
