package processor

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"

	relay "github.com/user/mqttrelay"
	"github.com/user/mqttrelay/internal/model"
	"github.com/user/mqttrelay/pkg/crypto"
	"github.com/user/mqttrelay/pkg/message"
	"github.com/user/mqttrelay/pkg/metrics"
)

// Store is the persistence contract the processor needs. internal/storage/sql.Store
// satisfies it; tests can supply a fake.
type Store interface {
	ClaimUnprocessedMessages(ctx context.Context, limit int) ([]model.MqttMessage, error)
	MarkProcessed(ctx context.Context, messageID int64) error
	ReleaseUnprocessed(ctx context.Context, messageID int64) error

	TopicByName(ctx context.Context, topic string) (*model.MqttTopic, error)
	DeviceByID(ctx context.Context, id int64) (*model.Device, error)
	DeviceTypeByID(ctx context.Context, id int64) (*model.DeviceType, error)
	ClientBySlug(ctx context.Context, slug string) (*model.Client, error)
	ClientByID(ctx context.Context, id int64) (*model.Client, error)
	MetricByID(ctx context.Context, id int64) (*model.Metric, error)
	ParserByID(ctx context.Context, id int64) (*model.Parser, error)

	CandidateRules(ctx context.Context, clientID, topicID int64, deviceID *int64) ([]model.RoutingRule, error)
	DepositsForRule(ctx context.Context, ruleID uuid.UUID) ([]model.ClientDestination, error)

	InsertExtraction(ctx context.Context, e model.Extraction) error
	InsertParsedPoints(ctx context.Context, points []model.ParsedPoint) error

	InsertDispatch(ctx context.Context, d model.Dispatch) error
	DispatchByExtractionAndDestination(ctx context.Context, extractionID uuid.UUID, destinationID int64) (*model.Dispatch, error)
	UpdateDispatchStatus(ctx context.Context, id uuid.UUID, status model.DispatchStatus, httpStatus *int, snippet string, nextRetryAt *time.Time) error
	DueForRetry(ctx context.Context, limit int) ([]model.Dispatch, error)
	DispatchesForExtraction(ctx context.Context, extractionID uuid.UUID) ([]model.Dispatch, error)
	DestinationByID(ctx context.Context, id int64) (*model.ClientDestination, error)
	ExtractionByID(ctx context.Context, id uuid.UUID) (*model.Extraction, error)
}

// ParserLoader resolves a catalog Parser row to an executable relay.Parser,
// reading its source from the content-addressed store.
type ParserLoader func(p model.Parser) (relay.Parser, error)

// DispatcherFactory builds the concrete dispatcher for one destination, with
// the destination's credential already decrypted.
type DispatcherFactory func(dest model.ClientDestination, password string) (relay.Dispatcher, error)

// QualityJudge optionally overrides the default "good" quality tag on a
// parsed point; nil means always "good". Kept as a pluggable stub, matching
// the original's placeholder judge_data_quality method.
type QualityJudge func(metricID int64, value interface{}) string

type Processor struct {
	Store       Store
	Crypto      *crypto.Manager
	LoadParser  ParserLoader
	NewDispatch DispatcherFactory
	Judge       QualityJudge
	Log         relay.Logger
	BatchSize   int
	// MaxAttempts bounds dispatch retries; 0 uses DefaultMaxAttempts.
	MaxAttempts int

	metricCache     map[int64]*model.Metric
	deviceTypeCache map[int64]*model.DeviceType
}

// RunResult summarizes one batch pass, used to choose the process exit code
// (0 success, 2 partial failure — spec §4.6).
type RunResult struct {
	Processed int
	Failed    int
}

func (p *Processor) Run(ctx context.Context) (RunResult, error) {
	if p.metricCache == nil {
		p.metricCache = map[int64]*model.Metric{}
	}
	if p.deviceTypeCache == nil {
		p.deviceTypeCache = map[int64]*model.DeviceType{}
	}
	batch := p.BatchSize
	if batch <= 0 {
		batch = 100
	}

	msgs, err := p.Store.ClaimUnprocessedMessages(ctx, batch)
	if err != nil {
		return RunResult{}, err
	}

	var result RunResult
	for _, msg := range msgs {
		ok, err := p.processOne(ctx, msg)
		if err != nil {
			p.Log.Error("processor: infrastructure error", "message_id", msg.ID, "error", err)
			return result, err
		}
		if ok {
			result.Processed++
		} else {
			result.Failed++
		}
	}

	retryResult, err := p.sweepRetries(ctx, batch)
	if err != nil {
		p.Log.Error("processor: retry sweep infrastructure error", "error", err)
		return result, err
	}
	result.Processed += retryResult.Processed
	result.Failed += retryResult.Failed
	return result, nil
}

// processOne returns (true, nil) on a fully-dispatched message, (false, nil)
// on a per-message failure that was handled and logged, and (_, err) only
// for infrastructure errors that should abort the whole run.
func (p *Processor) processOne(ctx context.Context, msg model.MqttMessage) (bool, error) {
	start := time.Now()
	clientSlug := "unknown"
	defer func() {
		metrics.ProcessingLatency.WithLabelValues(clientSlug).Observe(time.Since(start).Seconds())
	}()

	topic, err := p.Store.TopicByName(ctx, msg.Topic)
	if err != nil {
		return false, err
	}
	if topic == nil {
		return p.fail(ctx, msg, clientSlug, ErrTopicNotFound)
	}
	if !topic.Active {
		return p.fail(ctx, msg, clientSlug, ErrDisabledTopic)
	}
	if topic.DeviceID == nil {
		return p.fail(ctx, msg, clientSlug, ErrDeviceNotFound)
	}
	device, err := p.Store.DeviceByID(ctx, *topic.DeviceID)
	if err != nil {
		return false, err
	}
	if device == nil {
		return p.fail(ctx, msg, clientSlug, ErrDeviceNotFound)
	}
	if topic.ClientID == nil {
		return p.fail(ctx, msg, clientSlug, ErrClientNotFound)
	}
	client, err := p.clientByID(ctx, *topic.ClientID)
	if err != nil {
		return false, err
	}
	if client == nil {
		return p.fail(ctx, msg, clientSlug, ErrClientNotFound)
	}
	clientSlug = client.Slug

	deviceType, err := p.deviceType(ctx, device.DeviceTypeID)
	if err != nil {
		return false, err
	}

	msgCtx := message.BuildContext(msg, device, deviceType)

	rules, err := p.Store.CandidateRules(ctx, client.ID, topic.ID, &device.ID)
	if err != nil {
		return false, err
	}
	route, tied, err := SelectRoute(rules, msgCtx)
	if err != nil {
		return p.fail(ctx, msg, clientSlug, err)
	}
	if len(tied) > 1 {
		ids := make([]string, 0, len(tied))
		for _, t := range tied {
			ids = append(ids, t.ID.String())
		}
		p.Log.Warn("processor: route selection tie not broken by created_at", "message_id", msg.ID, "tied_rules", ids)
		metrics.RouteTiesTotal.WithLabelValues(clientSlug).Inc()
	}

	parserConfig, err := p.parserConfig(route.ParserConfig)
	if err != nil {
		return p.fail(ctx, msg, clientSlug, ErrBadParserConfig)
	}

	parserRow, err := p.Store.ParserByID(ctx, route.ParserID)
	if err != nil {
		return false, err
	}
	if parserRow == nil || !parserRow.Active {
		return p.fail(ctx, msg, clientSlug, ErrParserCodeNotFound)
	}
	parserImpl, err := p.LoadParser(*parserRow)
	if err != nil {
		return p.fail(ctx, msg, clientSlug, errors.Join(ErrLanguageNotHandled, err))
	}

	extractionID := uuid.New()
	parsedAt := time.Now().UTC()

	raw, ts, meta, parseErr := p.invokeParser(parserImpl, msgCtx.Payload, parserConfig, msg.At)
	if parseErr != nil || len(raw) == 0 {
		errText := "parser returned nothing usable"
		if parseErr != nil {
			errText = parseErr.Error()
		}
		_ = p.Store.InsertExtraction(ctx, model.Extraction{
			ID: extractionID, MessageID: msg.ID, ParserID: route.ParserID,
			ParserConfig: route.ParserConfig, ParsedAt: parsedAt,
			Success: false, ErrorText: errText,
		})
		p.Log.Warn("processor: parse failed", "message_id", msg.ID, "error", errText)
		metrics.MessagesFailed.WithLabelValues(clientSlug, "parse_failed").Inc()
		return false, nil
	}

	points := make([]model.ParsedPoint, 0, len(raw))
	for metricID, val := range raw {
		c, err := classify(val)
		if err != nil {
			continue
		}
		metric, err := p.metric(ctx, metricID)
		if err != nil {
			return false, err
		}
		unit := ""
		if metric != nil {
			unit = metric.DefaultUnit
		}
		quality := "good"
		if p.Judge != nil {
			quality = p.Judge(metricID, val)
		}
		points = append(points, model.ParsedPoint{
			ExtractionID: extractionID,
			DeviceID:     device.ID,
			MetricID:     metricID,
			TS:           ts,
			NumValue:     c.Num,
			StrValue:     c.Str,
			BoolValue:    c.Bool,
			JSONValue:    c.JSON,
			Unit:         unit,
			Quality:      quality,
			Meta:         meta,
		})
	}

	if err := p.Store.InsertExtraction(ctx, model.Extraction{
		ID: extractionID, MessageID: msg.ID, ParserID: route.ParserID,
		ParserConfig: route.ParserConfig, ParsedAt: parsedAt,
		Success: true, ExtractedCount: len(points),
	}); err != nil {
		return false, err
	}
	if err := p.Store.InsertParsedPoints(ctx, points); err != nil {
		return false, err
	}
	metrics.PointsExtracted.WithLabelValues(clientSlug).Add(float64(len(points)))

	deposits, err := p.Store.DepositsForRule(ctx, route.ID)
	if err != nil {
		return false, err
	}

	allSent := true
	for _, dest := range deposits {
		sent, err := p.dispatchOne(ctx, route.ID, extractionID, dest, points)
		if err != nil {
			return false, err
		}
		if !sent {
			allSent = false
		}
	}

	if allSent {
		if err := p.Store.MarkProcessed(ctx, msg.ID); err != nil {
			return false, err
		}
		metrics.MessagesProcessed.WithLabelValues(clientSlug).Inc()
	} else {
		metrics.MessagesFailed.WithLabelValues(clientSlug, "dispatch_failed").Inc()
	}
	return allSent, nil
}

func (p *Processor) dispatchOne(ctx context.Context, ruleID, extractionID uuid.UUID, dest model.ClientDestination, points []model.ParsedPoint) (bool, error) {
	kind := string(dest.Type)
	if existing, err := p.Store.DispatchByExtractionAndDestination(ctx, extractionID, dest.ID); err != nil {
		return false, err
	} else if existing != nil {
		return existing.Status == model.DispatchSent, nil
	}

	d := model.Dispatch{
		ID: uuid.New(), ExtractionID: extractionID, DestinationID: dest.ID, RuleID: ruleID,
		Status: model.DispatchQueued, Attempts: 1,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if err := p.Store.InsertDispatch(ctx, d); err != nil {
		return false, err
	}

	var password string
	if len(dest.PasswordEnc) > 0 && dest.EncryptionVersion != "" {
		plain, err := p.Crypto.Decrypt(ctx, string(dest.PasswordEnc), dest.EncryptionVersion)
		if err != nil {
			p.Log.Error("processor: destination credential decrypt failed", "destination_id", dest.ID, "error", err)
			_ = p.Store.UpdateDispatchStatus(ctx, d.ID, model.DispatchFailed, nil, "credential decrypt failed", nil)
			metrics.DispatchTotal.WithLabelValues(kind, string(model.DispatchFailed)).Inc()
			return false, nil
		}
		password = string(plain)
	}

	dispatcher, err := p.NewDispatch(dest, password)
	if err != nil {
		_ = p.Store.UpdateDispatchStatus(ctx, d.ID, model.DispatchFailed, nil, err.Error(), nil)
		metrics.DispatchTotal.WithLabelValues(kind, string(model.DispatchFailed)).Inc()
		return false, nil
	}

	dispatchStart := time.Now()
	result, dispErr := dispatcher.Dispatch(ctx, points)
	metrics.DispatchLatency.WithLabelValues(kind).Observe(time.Since(dispatchStart).Seconds())
	if dispErr != nil {
		next := time.Now().UTC().Add(backoff(1))
		status := model.DispatchFailed
		if result.Transient {
			status = model.DispatchRetrying
		}
		_ = p.Store.UpdateDispatchStatus(ctx, d.ID, status, result.HTTPStatus, dispErr.Error(), ptrIf(status == model.DispatchRetrying, next))
		metrics.DispatchTotal.WithLabelValues(kind, string(status)).Inc()
		return false, nil
	}
	_ = p.Store.UpdateDispatchStatus(ctx, d.ID, result.Status, result.HTTPStatus, result.ResponseSnippet, nil)
	metrics.DispatchTotal.WithLabelValues(kind, string(result.Status)).Inc()
	return result.Status == model.DispatchSent, nil
}

func ptrIf(cond bool, t time.Time) *time.Time {
	if !cond {
		return nil
	}
	return &t
}

func backoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > 5*time.Minute {
		d = 5 * time.Minute
	}
	return d
}

func (p *Processor) fail(ctx context.Context, msg model.MqttMessage, clientSlug string, cause error) (bool, error) {
	p.Log.Warn("processor: message failed", "message_id", msg.ID, "topic", msg.Topic, "error", cause)
	metrics.MessagesFailed.WithLabelValues(clientSlug, "route_resolution").Inc()
	if err := p.Store.ReleaseUnprocessed(ctx, msg.ID); err != nil {
		return false, err
	}
	return false, nil
}

func (p *Processor) clientByID(ctx context.Context, id int64) (*model.Client, error) {
	return p.Store.ClientByID(ctx, id)
}

// rawParser is implemented by loaders that preserve the parser's full
// string-keyed return map (needed to read a non-integer "at" override key,
// spec §4.4 step 5); loaders that only satisfy relay.Parser lose that key.
type rawParser interface {
	ParseRaw(payload interface{}, config map[string]interface{}) (map[string]interface{}, error)
}

// invokeParser normalizes a parser's output to the processor's canonical
// shape: integer-keyed metric values, the point timestamp (overridable by a
// non-integer "at" key), and a meta_json blob folding in every other
// non-integer key — per spec §4.4 step 5, non-integer keys are metadata,
// not metric readings, and relay.Parser's own doc places the folding
// responsibility on the caller.
func (p *Processor) invokeParser(impl relay.Parser, payload interface{}, config map[string]interface{}, defaultAt time.Time) (map[int64]interface{}, time.Time, json.RawMessage, error) {
	if rp, ok := impl.(rawParser); ok {
		raw, err := rp.ParseRaw(payload, config)
		if err != nil {
			return nil, defaultAt, nil, err
		}
		ts := defaultAt
		if atStr, ok := raw["at"].(string); ok {
			if parsed, err := time.Parse(time.RFC3339, atStr); err == nil {
				ts = parsed
			}
		}
		out := make(map[int64]interface{}, len(raw))
		var meta map[string]interface{}
		for k, v := range raw {
			id, err := strconv.ParseInt(k, 10, 64)
			if err != nil {
				if k == "at" {
					continue
				}
				if meta == nil {
					meta = map[string]interface{}{}
				}
				meta[k] = v
				continue
			}
			out[id] = v
		}
		metaJSON, err := metaToJSON(meta)
		if err != nil {
			return nil, defaultAt, nil, err
		}
		return out, ts, metaJSON, nil
	}
	out, err := impl.Parse(payload, config)
	return out, defaultAt, nil, err
}

func metaToJSON(meta map[string]interface{}) (json.RawMessage, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	return json.Marshal(meta)
}

func (p *Processor) deviceType(ctx context.Context, id int64) (*model.DeviceType, error) {
	if dt, ok := p.deviceTypeCache[id]; ok {
		return dt, nil
	}
	dt, err := p.Store.DeviceTypeByID(ctx, id)
	if err != nil {
		return nil, err
	}
	p.deviceTypeCache[id] = dt
	return dt, nil
}

func (p *Processor) metric(ctx context.Context, id int64) (*model.Metric, error) {
	if m, ok := p.metricCache[id]; ok {
		return m, nil
	}
	m, err := p.Store.MetricByID(ctx, id)
	if err != nil {
		return nil, err
	}
	p.metricCache[id] = m
	return m, nil
}

func (p *Processor) parserConfig(raw json.RawMessage) (map[string]interface{}, error) {
	if len(raw) == 0 {
		return map[string]interface{}{}, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
