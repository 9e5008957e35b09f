package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"rovercam/pkg/models"
)

const (
	commandListCameras = "list cameras"
	commandOffer       = "offer"
)

// HTTPClient speaks the control service's JSON API:
// GET /cameras and POST /offer.
type HTTPClient struct {
	http   *resty.Client
	tracer trace.Tracer
	log    logging.LeveledLogger

	requestCounter metric.Int64Counter
	errorCounter   metric.Int64Counter
}

// NewHTTPClient creates a client for the service at baseURL, e.g.
// "http://192.168.50.1:3001". A zero timeout leaves requests unbounded.
func NewHTTPClient(baseURL string, timeout time.Duration, loggerFactory logging.LoggerFactory) *HTTPClient {
	r := resty.New()
	r.SetBaseURL(strings.TrimRight(baseURL, "/"))
	r.SetHeader("Accept", "application/json")
	if timeout > 0 {
		r.SetTimeout(timeout)
	}

	c := &HTTPClient{
		http:   r,
		tracer: otel.Tracer("signaling-http"),
	}
	c.requestCounter, c.errorCounter = newCounters()
	if loggerFactory != nil {
		c.log = loggerFactory.NewLogger("signaling")
	}
	return c
}

func (c *HTTPClient) ListCameras(ctx context.Context) ([]models.CameraSource, error) {
	ctx, span := c.tracer.Start(ctx, "signaling.ListCameras", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	c.requestCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("command", commandListCameras)))

	resp, err := c.http.R().SetContext(ctx).Get("/cameras")
	if err != nil {
		return nil, c.fail(ctx, span, commandListCameras, "transport_error", fmt.Errorf("list cameras: %w", err))
	}
	if resp.IsError() {
		return nil, c.fail(ctx, span, commandListCameras, "status_error",
			fmt.Errorf("list cameras: %w: %s: %s", ErrUnexpectedStatus, resp.Status(), strings.TrimSpace(resp.String())))
	}

	cameras, err := models.DecodeCameraList(resp.Body())
	if err != nil && !errors.Is(err, models.ErrInvalidRecord) {
		return nil, c.fail(ctx, span, commandListCameras, "decode_error", fmt.Errorf("list cameras: %w", err))
	}
	if err != nil {
		span.RecordError(err)
		if c.log != nil {
			c.log.Warnf("list cameras: skipped records: %v", err)
		}
	}
	span.SetAttributes(attribute.Int("cameras", len(cameras)))
	return cameras, nil
}

func (c *HTTPClient) Offer(ctx context.Context, req models.OfferRequest) (*webrtc.SessionDescription, error) {
	ctx, span := c.tracer.Start(ctx, "signaling.Offer", trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(
		attribute.String("camera_id", req.CameraID.String()),
	))
	defer span.End()

	c.requestCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("command", commandOffer)))

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		Post("/offer")
	if err != nil {
		return nil, c.fail(ctx, span, commandOffer, "transport_error", fmt.Errorf("offer: %w", err))
	}
	if resp.IsError() {
		return nil, c.fail(ctx, span, commandOffer, "status_error",
			fmt.Errorf("offer: %w: %s: %s", ErrUnexpectedStatus, resp.Status(), strings.TrimSpace(resp.String())))
	}

	var answer webrtc.SessionDescription
	if err := json.Unmarshal(resp.Body(), &answer); err != nil {
		return nil, c.fail(ctx, span, commandOffer, "decode_error", fmt.Errorf("offer: decode answer: %w", err))
	}
	if err := checkAnswer(&answer); err != nil {
		return nil, c.fail(ctx, span, commandOffer, "bad_answer", fmt.Errorf("offer: %w", err))
	}
	return &answer, nil
}

func (c *HTTPClient) Close() error {
	c.http.GetClient().CloseIdleConnections()
	return nil
}

func (c *HTTPClient) fail(ctx context.Context, span trace.Span, command, reason string, err error) error {
	c.errorCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("command", command), attribute.String("reason", reason)))
	span.RecordError(err)
	span.SetStatus(codes.Error, reason)
	if c.log != nil {
		c.log.Debugf("%s failed: %v", command, err)
	}
	return err
}

func newCounters() (metric.Int64Counter, metric.Int64Counter) {
	meter := otel.Meter("signaling")
	reqCounter, _ := meter.Int64Counter("signaling.requests_total", metric.WithDescription("Total number of requests to the control service"))
	errCounter, _ := meter.Int64Counter("signaling.errors_total", metric.WithDescription("Total number of failed requests to the control service"))
	return reqCounter, errCounter
}

func checkAnswer(desc *webrtc.SessionDescription) error {
	if strings.TrimSpace(desc.SDP) == "" {
		return ErrNoAnswer
	}
	if desc.Type != webrtc.SDPTypeAnswer && desc.Type != webrtc.SDPTypePranswer {
		return fmt.Errorf("%w: got %q", ErrBadAnswer, desc.Type.String())
	}
	return nil
}
