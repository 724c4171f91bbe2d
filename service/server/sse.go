package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/brojonat/carbonmove/service/aptos"
	"github.com/brojonat/carbonmove/service/market"
	"github.com/brojonat/carbonmove/service/metrics"
	natspkg "github.com/brojonat/carbonmove/service/nats"
)

const sseKeepaliveInterval = 10 * time.Second

// SSEPublisher manages Server-Sent Events connections for credit event streaming.
type SSEPublisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewSSEPublisher creates a new SSE publisher that subscribes to NATS internally.
func NewSSEPublisher(natsURL string, logger *slog.Logger) (*SSEPublisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("carbonmove-sse-publisher"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	logger.Info("SSE publisher initialized", "nats_url", natsURL)

	return &SSEPublisher{
		nc:     nc,
		js:     js,
		logger: logger,
	}, nil
}

// Close closes the NATS connection.
func (p *SSEPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("SSE publisher closed")
	}
	return nil
}

// streamFilter selects which credit events a client receives.
type streamFilter struct {
	subject string
	account string
}

// newStreamFilter builds a filter from the kind and account query parameters.
// kind narrows the subject to one action type; account keeps only events whose
// account matches.
func newStreamFilter(kind, account string) (streamFilter, error) {
	f := streamFilter{subject: natspkg.SubjectPrefix + ".>"}

	if kind != "" {
		if !market.ActionKind(kind).Valid() {
			return f, errorf("invalid kind: must be 'list', 'buy' or 'retire'")
		}
		f.subject = fmt.Sprintf("%s.actions.%s", natspkg.SubjectPrefix, kind)
	}

	if account != "" {
		normalized, err := aptos.NormalizeAddress(account)
		if err != nil {
			return f, errorf("invalid account: %v", err)
		}
		f.account = normalized
	}
	return f, nil
}

func (f streamFilter) match(event *natspkg.CreditEvent) bool {
	if f.account == "" {
		return true
	}
	return aptos.AddressEqual(f.account, event.Account)
}

func (f streamFilter) describe() string {
	if f.account == "" {
		return f.subject
	}
	return f.subject + " account=" + f.account
}

// handleStreamEvents handles SSE streaming for credit events.
// GET /api/v1/stream/events?kind=buy&account=0x...
func handleStreamEvents(publisher *SSEPublisher, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		filter, err := newStreamFilter(r.URL.Query().Get("kind"), r.URL.Query().Get("account"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		flush := func() {
			if flusher, ok := w.(http.Flusher); ok {
				flusher.Flush()
			}
		}
		flush()

		if m != nil {
			m.RecordSSEConnectionChange(1)
			defer m.RecordSSEConnectionChange(-1)
		}

		logger.DebugContext(r.Context(), "SSE client connected",
			"filter", filter.describe(),
			"remote_addr", r.RemoteAddr,
		)

		cons, err := publisher.js.CreateOrUpdateConsumer(r.Context(), natspkg.StreamName, jetstream.ConsumerConfig{
			FilterSubject: filter.subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			DeliverPolicy: jetstream.DeliverNewPolicy,
		})
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to create consumer",
				"filter", filter.describe(),
				"error", err,
			)
			fmt.Fprintf(w, "event: error\ndata: {\"error\": \"failed to subscribe\"}\n\n")
			return
		}

		msgChan := make(chan jetstream.Msg, 10)
		doneChan := make(chan struct{})

		go func() {
			defer close(doneChan)
			cc, err := cons.Consume(func(msg jetstream.Msg) {
				select {
				case msgChan <- msg:
				case <-r.Context().Done():
					return
				}
			})
			if err != nil {
				logger.ErrorContext(r.Context(), "failed to start consuming messages",
					"error", err,
				)
				return
			}
			<-r.Context().Done()
			cc.Stop()
		}()

		connected, _ := json.Marshal(map[string]string{
			"subject": filter.subject,
			"account": filter.account,
		})
		fmt.Fprintf(w, "event: connected\ndata: %s\n\n", connected)
		flush()

		keepalive := time.NewTicker(sseKeepaliveInterval)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				fmt.Fprintf(w, ": keepalive\n\n")
				flush()

			case msg := <-msgChan:
				var event natspkg.CreditEvent
				if err := json.Unmarshal(msg.Data(), &event); err != nil {
					logger.WarnContext(r.Context(), "failed to unmarshal event",
						"error", err,
					)
					msg.Ack()
					continue
				}

				if !filter.match(&event) {
					msg.Ack()
					continue
				}

				if err := writeSSEEvent(w, &event); err != nil {
					logger.WarnContext(r.Context(), "failed to write event",
						"error", err,
					)
					msg.Ack()
					continue
				}
				flush()
				msg.Ack()

				if m != nil {
					m.RecordSSEEventSent(event.Type)
				}
				logger.DebugContext(r.Context(), "sent credit event",
					"type", event.Type,
					"account", event.Account,
					"hash", event.Hash,
				)

			case <-r.Context().Done():
				logger.DebugContext(r.Context(), "SSE client disconnected",
					"filter", filter.describe(),
					"remote_addr", r.RemoteAddr,
				)
				return

			case <-doneChan:
				return
			}
		}
	})
}

// writeSSEEvent writes one event frame named after the event type.
func writeSSEEvent(w http.ResponseWriter, event *natspkg.CreditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
	return err
}
