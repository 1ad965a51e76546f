package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"github.com/BinkyTwin/reviewxiv/internal/core/domain"
	"github.com/BinkyTwin/reviewxiv/internal/infrastructure/resilience"
)

// embeddingJob is the message body published on the embedding subject.
type embeddingJob struct {
	PaperID     string    `json:"paperId"`
	RequestedAt time.Time `json:"requestedAt"`
}

type Queue struct {
	conn     *nats.Conn
	subject  string
	group    string
	executor *resilience.Executor
	logger   *slog.Logger
}

type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	QueueGroup           string
	ResilienceExecutor   *resilience.Executor
	Logger               *slog.Logger
}

func New(url, subject string, options Options) (*Queue, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}
	group := options.QueueGroup
	if group == "" {
		group = "embedders"
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(
		url,
		nats.Name("reviewxiv"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Queue{
		conn:     conn,
		subject:  subject,
		group:    group,
		executor: options.ResilienceExecutor,
		logger:   logger,
	}, nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

// PublishEmbeddingRequested enqueues an embedding job for the paper. The
// trace context of ctx travels in the message headers.
func (q *Queue) PublishEmbeddingRequested(ctx context.Context, documentID string) error {
	msg, err := newJobMessage(ctx, q.subject, documentID, time.Now().UTC())
	if err != nil {
		return err
	}
	call := func(_ context.Context) error {
		if err := q.conn.PublishMsg(msg); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	if q.executor != nil {
		err = q.executor.Execute(ctx, "nats.publish", call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return wrapTemporaryIfNeeded(err)
	}
	return nil
}

// SubscribeEmbeddingRequested consumes jobs in the queue group until ctx is
// done, then drains the subscription.
func (q *Queue) SubscribeEmbeddingRequested(ctx context.Context, handler func(context.Context, string) error) error {
	sub, err := q.conn.QueueSubscribe(q.subject, q.group, func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		job, err := decodeJob(msg.Data)
		if err != nil {
			q.logger.Warn("embedding_job_dropped", "error", err)
			return
		}

		handlerCtx, cancel := context.WithCancel(otel.GetTextMapPropagator().Extract(ctx, (*headerCarrier)(msg)))
		defer cancel()
		if err := handler(handlerCtx, job.PaperID); err != nil {
			q.logger.Error("embedding_job_failed", "paper_id", job.PaperID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

func newJobMessage(ctx context.Context, subject, documentID string, now time.Time) (*nats.Msg, error) {
	if strings.TrimSpace(documentID) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "publish embedding job", errors.New("paper id is required"))
	}
	data, err := json.Marshal(embeddingJob{PaperID: documentID, RequestedAt: now})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding job: %w", err)
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	otel.GetTextMapPropagator().Inject(ctx, (*headerCarrier)(msg))
	return msg, nil
}

// decodeJob accepts the JSON job body or a bare paper id, as sent by
// `nats pub papers.embed <id>`.
func decodeJob(data []byte) (embeddingJob, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return embeddingJob{}, errors.New("empty embedding job")
	}
	if !strings.HasPrefix(trimmed, "{") {
		return embeddingJob{PaperID: trimmed}, nil
	}
	var job embeddingJob
	if err := json.Unmarshal([]byte(trimmed), &job); err != nil {
		return embeddingJob{}, fmt.Errorf("decode embedding job: %w", err)
	}
	if strings.TrimSpace(job.PaperID) == "" {
		return embeddingJob{}, errors.New("embedding job without paper id")
	}
	return job, nil
}

// headerCarrier adapts nats.Msg headers to an OpenTelemetry TextMapCarrier.
type headerCarrier nats.Msg

func (c *headerCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *headerCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *headerCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}
