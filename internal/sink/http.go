// Package sink holds the remote destinations the shipper delivers batches to.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gosuda/toolaudit/internal/domain"
)

// ErrUnexpectedStatus is returned when the HTTP sink answers with a non-2xx status.
var ErrUnexpectedStatus = errors.New("sink: unexpected response status") //nolint:gochecknoglobals // sentinel error

// ErrInvalidFormat is returned when parsing an unknown wire format.
var ErrInvalidFormat = errors.New("sink: invalid format") //nolint:gochecknoglobals // sentinel error

// Format selects the JSON body shape of the HTTP sink.
type Format string

const (
	// FormatGeneric posts {"logs": [entry, ...]}.
	FormatGeneric Format = "generic"
	// FormatEventCollector posts [{"event": entry, "time": unix, "sourcetype": ...}, ...].
	FormatEventCollector Format = "event-collector"
)

// EventSourceType labels every event-collector record.
const EventSourceType = "agent:tool-audit"

// ResolveFormat returns the explicit format when set. An empty value falls
// back to endpoint detection: URLs mentioning splunk get the event-collector
// shape, everything else the generic shape.
func ResolveFormat(explicit, endpoint string) (Format, error) {
	switch Format(explicit) {
	case FormatGeneric, FormatEventCollector:
		return Format(explicit), nil
	case "":
		if strings.Contains(strings.ToLower(endpoint), "splunk") {
			return FormatEventCollector, nil
		}
		return FormatGeneric, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidFormat, explicit)
	}
}

type genericBody struct {
	Logs []*domain.AuditLogEntry `json:"logs"`
}

type collectorEvent struct {
	Event      *domain.AuditLogEntry `json:"event"`
	Time       int64                 `json:"time"`
	SourceType string                `json:"sourcetype"`
}

// HTTPSink POSTs each batch as one JSON request.
type HTTPSink struct {
	endpoint string
	apiKey   string
	format   Format
	client   *http.Client
}

// NewHTTPSink creates an HTTPSink. A nil client uses http.DefaultClient;
// per-request deadlines come from the caller's context.
func NewHTTPSink(endpoint, apiKey string, format Format, client *http.Client) *HTTPSink {
	if client == nil {
		client = http.DefaultClient
	}
	if format == "" {
		format = FormatGeneric
	}
	return &HTTPSink{
		endpoint: endpoint,
		apiKey:   apiKey,
		format:   format,
		client:   client,
	}
}

// Name identifies the sink in logs.
func (s *HTTPSink) Name() string { return "http:" + string(s.format) }

// Format returns the wire format in use.
func (s *HTTPSink) Format() Format { return s.format }

// Send posts entries to the endpoint.
func (s *HTTPSink) Send(ctx context.Context, entries []*domain.AuditLogEntry) error {
	body, err := EncodeBody(s.format, entries)
	if err != nil {
		return fmt.Errorf("sink.HTTPSink.Send: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sink.HTTPSink.Send: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sink.HTTPSink.Send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sink.HTTPSink.Send: %w: %d %s", ErrUnexpectedStatus, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	return nil
}

// EncodeBody renders entries in the given wire format.
func EncodeBody(format Format, entries []*domain.AuditLogEntry) ([]byte, error) {
	var v any
	switch format {
	case FormatEventCollector:
		events := make([]collectorEvent, 0, len(entries))
		for _, e := range entries {
			events = append(events, collectorEvent{
				Event:      e,
				Time:       e.Timestamp.Unix(),
				SourceType: EventSourceType,
			})
		}
		v = events
	case FormatGeneric, "":
		logs := entries
		if logs == nil {
			logs = []*domain.AuditLogEntry{}
		}
		v = genericBody{Logs: logs}
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidFormat, format)
	}

	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", format, err)
	}
	return body, nil
}
