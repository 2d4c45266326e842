// Package nats carries job announcements from the api process to workers
// and progress events back. Job delivery is best-effort: a message lost
// in transit is recovered by the lease sweep, never by the broker.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/olegsm/document-processor/internal/core/domain"
	"github.com/olegsm/document-processor/internal/core/ports"
	"github.com/olegsm/document-processor/internal/infrastructure/resilience"
)

type Queue struct {
	conn            *nats.Conn
	jobsSubject     string
	progressSubject string
	executor        *resilience.Executor
}

type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
}

func New(url, jobsSubject, progressSubject string) (*Queue, error) {
	return NewWithOptions(url, jobsSubject, progressSubject, Options{})
}

func NewWithOptions(url, jobsSubject, progressSubject string, options Options) (*Queue, error) {
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

	conn, err := nats.Connect(
		url,
		nats.Name("document-processor"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("nats disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("nats reconnected: %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Queue{
		conn:            conn,
		jobsSubject:     jobsSubject,
		progressSubject: progressSubject,
		executor:        options.ResilienceExecutor,
	}, nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

func (q *Queue) PublishJob(ctx context.Context, msg ports.JobMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal job message: %w", err)
	}
	return q.publish(ctx, "nats.publish_job", q.jobsSubject, payload)
}

func (q *Queue) PublishProgress(ctx context.Context, event domain.ProgressEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal progress event: %w", err)
	}
	return q.publish(ctx, "nats.publish_progress", q.progressSubject, payload)
}

func (q *Queue) publish(ctx context.Context, operation, subject string, payload []byte) error {
	call := func(_ context.Context) error {
		if err := q.conn.Publish(subject, payload); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	var err error
	if q.executor != nil {
		err = q.executor.Execute(ctx, operation, call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return wrapTransientIfNeeded(err)
	}
	return nil
}

// SubscribeJobs joins the workers queue group so each announcement lands
// on exactly one worker. Blocks until ctx is cancelled, then drains.
func (q *Queue) SubscribeJobs(ctx context.Context, handler func(context.Context, ports.JobMessage) error) error {
	sub, err := q.conn.QueueSubscribe(q.jobsSubject, "workers", func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}

		var jobMsg ports.JobMessage
		if err := json.Unmarshal(msg.Data, &jobMsg); err != nil {
			log.Printf("drop malformed job message: %v", err)
			return
		}

		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if err := handler(handlerCtx, jobMsg); err != nil {
			log.Printf("worker handler error for job=%s: %v", jobMsg.JobID, err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe jobs: %w", err)
	}

	return q.blockAndDrain(ctx, sub)
}

// SubscribeProgress is a plain fan-in subscription: every api process
// sees every event so each can serve its own connected clients.
func (q *Queue) SubscribeProgress(ctx context.Context, handler func(context.Context, domain.ProgressEvent)) error {
	sub, err := q.conn.Subscribe(q.progressSubject, func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}

		var event domain.ProgressEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Printf("drop malformed progress event: %v", err)
			return
		}
		handler(ctx, event)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe progress: %w", err)
	}

	return q.blockAndDrain(ctx, sub)
}

func (q *Queue) blockAndDrain(ctx context.Context, sub *nats.Subscription) error {
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
