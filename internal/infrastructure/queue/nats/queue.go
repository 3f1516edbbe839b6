package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/kirillkom/hiesync/internal/core/domain"
	"github.com/kirillkom/hiesync/internal/core/ports"
	"github.com/kirillkom/hiesync/internal/infrastructure/resilience"
)

const (
	subjectIdentitySync    = "identity.sync"
	subjectDocumentQuery   = "documents.query"
	subjectDocumentStatus  = "documents.status"
	subjectDocumentsReady  = "documents.ready"
	subjectUsage           = "usage"
	headerCorrelationID    = "Correlation-Id"
	workersQueueGroup      = "workers"
	drainFlushTimeout      = 5 * time.Second
	defaultConnectionName  = "hiesync-worker"
	defaultSubjectPrefix   = "hiesync"
	defaultConnectTimeout  = 2 * time.Second
	defaultReconnectWait   = 2 * time.Second
	defaultMaxReconnects   = 60
	statusReplyContentType = "application/json"
)

type Queue struct {
	conn     *nats.Conn
	prefix   string
	executor *resilience.Executor
}

var (
	_ ports.CommandQueue  = (*Queue)(nil)
	_ ports.StatusSink    = (*Queue)(nil)
	_ ports.UsageReporter = (*Queue)(nil)
)

func New(url, prefix string) (*Queue, error) {
	return NewWithOptions(url, prefix, Options{})
}

type Options struct {
	Name                 string
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
}

func NewWithOptions(url, prefix string, options Options) (*Queue, error) {
	name := options.Name
	if name == "" {
		name = defaultConnectionName
	}
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = defaultReconnectWait
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = defaultMaxReconnects
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}

	conn, err := nats.Connect(
		url,
		nats.Name(name),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Queue{
		conn:     conn,
		prefix:   normalizePrefix(prefix),
		executor: options.ResilienceExecutor,
	}, nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

func (q *Queue) subject(name string) string {
	return q.prefix + "." + name
}

func normalizePrefix(prefix string) string {
	p := strings.Trim(strings.TrimSpace(prefix), ".")
	if p == "" {
		return defaultSubjectPrefix
	}
	return p
}

func (q *Queue) PublishIdentitySync(ctx context.Context, cmd ports.IdentitySyncCommand) error {
	return q.publishJSON(ctx, q.subject(subjectIdentitySync), cmd)
}

func (q *Queue) PublishDocumentQuery(ctx context.Context, cmd ports.DocumentQueryCommand) error {
	return q.publishJSON(ctx, q.subject(subjectDocumentQuery), cmd)
}

// NotifyDocumentsReady publishes the terminal notification of a document
// query run on <prefix>.documents.ready.<tenantId>.
func (q *Queue) NotifyDocumentsReady(ctx context.Context, event domain.DocumentsReady) error {
	return q.publishJSON(ctx, q.subject(subjectDocumentsReady)+"."+subjectToken(event.TenantID), event)
}

func (q *Queue) ReportUsage(ctx context.Context, event domain.UsageEvent) error {
	return q.publishJSON(ctx, q.subject(subjectUsage), event)
}

func (q *Queue) publishJSON(ctx context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", subject, err)
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(headerCorrelationID, uuid.NewString())

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
		return wrapTemporaryIfNeeded("nats publish", err)
	}
	return nil
}

func (q *Queue) SubscribeIdentitySync(ctx context.Context, handler func(context.Context, ports.IdentitySyncCommand) error) error {
	return q.consume(ctx, q.subject(subjectIdentitySync), func(handlerCtx context.Context, msg *nats.Msg) error {
		var cmd ports.IdentitySyncCommand
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			return domain.WrapError(domain.ErrInvalidInput, "decode identity sync command", err)
		}
		return handler(handlerCtx, cmd)
	})
}

func (q *Queue) SubscribeDocumentQuery(ctx context.Context, handler func(context.Context, ports.DocumentQueryCommand) error) error {
	return q.consume(ctx, q.subject(subjectDocumentQuery), func(handlerCtx context.Context, msg *nats.Msg) error {
		var cmd ports.DocumentQueryCommand
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			return domain.WrapError(domain.ErrInvalidInput, "decode document query command", err)
		}
		return handler(handlerCtx, cmd)
	})
}

// ServeQueryStatus answers status requests. Replies carry either the
// status or {"error": "..."}.
func (q *Queue) ServeQueryStatus(ctx context.Context, handler func(context.Context, ports.QueryStatusRequest) (domain.QueryStatus, error)) error {
	return q.consume(ctx, q.subject(subjectDocumentStatus), func(handlerCtx context.Context, msg *nats.Msg) error {
		var req ports.QueryStatusRequest
		var reply statusReply
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			reply.Error = "invalid request"
		} else {
			reply = newStatusReply(handler(handlerCtx, req))
		}

		data, err := json.Marshal(reply)
		if err != nil {
			return fmt.Errorf("marshal status reply: %w", err)
		}
		resp := nats.NewMsg(msg.Reply)
		resp.Data = data
		resp.Header.Set("Content-Type", statusReplyContentType)
		if id := msg.Header.Get(headerCorrelationID); id != "" {
			resp.Header.Set(headerCorrelationID, id)
		}
		if err := msg.RespondMsg(resp); err != nil {
			return fmt.Errorf("respond status: %w", err)
		}
		return nil
	})
}

type statusReply struct {
	Status     *domain.QueryStatus `json:"status,omitempty"`
	Processing bool                `json:"processing"`
	Error      string              `json:"error,omitempty"`
}

func newStatusReply(status domain.QueryStatus, err error) statusReply {
	if err != nil {
		return statusReply{Error: err.Error()}
	}
	return statusReply{Status: &status, Processing: status.IsProcessing()}
}

func (r statusReply) toPort() (ports.QueryStatusReply, error) {
	if r.Error != "" {
		return ports.QueryStatusReply{}, errors.New(r.Error)
	}
	if r.Status == nil {
		return ports.QueryStatusReply{}, errors.New("empty status reply")
	}
	return ports.QueryStatusReply{Status: *r.Status, Processing: r.Processing}, nil
}

// RequestQueryStatus is the client side of ServeQueryStatus.
func (q *Queue) RequestQueryStatus(ctx context.Context, req ports.QueryStatusRequest) (ports.QueryStatusReply, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return ports.QueryStatusReply{}, fmt.Errorf("marshal status request: %w", err)
	}
	msg := nats.NewMsg(q.subject(subjectDocumentStatus))
	msg.Data = data
	msg.Header.Set(headerCorrelationID, uuid.NewString())

	resp, err := q.conn.RequestMsgWithContext(ctx, msg)
	if err != nil {
		return ports.QueryStatusReply{}, wrapTemporaryIfNeeded("nats request", fmt.Errorf("nats request: %w", err))
	}
	var reply statusReply
	if err := json.Unmarshal(resp.Data, &reply); err != nil {
		return ports.QueryStatusReply{}, fmt.Errorf("decode status reply: %w", err)
	}
	return reply.toPort()
}

func (q *Queue) consume(ctx context.Context, subject string, handle func(context.Context, *nats.Msg) error) error {
	sub, err := q.conn.QueueSubscribe(subject, workersQueueGroup, func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}

		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if err := handle(handlerCtx, msg); err != nil {
			slog.Error("worker_handler_failed", "subject", subject, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := q.conn.FlushTimeout(drainFlushTimeout); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

// subjectToken makes an id safe to use as a single subject token.
func subjectToken(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		default:
			return r
		}
	}, id)
}
