package signaling

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jackpal/bencode-go"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"rovercam/pkg/models"
)

const defaultNGTimeout = 2 * time.Second

// NGClient talks to a control service that speaks bencode over UDP instead
// of HTTP, such as a media relay fronting the rover. Every
// exchange is "<cookie> <bencoded dictionary>" in both directions.
type NGClient struct {
	addr    *net.UDPAddr
	conn    *net.UDPConn
	timeout time.Duration
	mu      sync.Mutex
	tracer  trace.Tracer
	log     logging.LeveledLogger

	requestCounter metric.Int64Counter
	errorCounter   metric.Int64Counter
}

// NewNGClient creates a client for the control port at address.
func NewNGClient(address string, timeout time.Duration, loggerFactory logging.LoggerFactory) (*NGClient, error) {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve udp address: %w", err)
	}

	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to listen udp: %w", err)
	}

	if timeout <= 0 {
		timeout = defaultNGTimeout
	}

	c := &NGClient{
		addr:    addr,
		conn:    conn,
		timeout: timeout,
		tracer:  otel.Tracer("signaling-ng"),
	}
	c.requestCounter, c.errorCounter = newCounters()
	if loggerFactory != nil {
		c.log = loggerFactory.NewLogger("signaling")
	}
	return c, nil
}

func (c *NGClient) generateCookie() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%x", b)
}

func (c *NGClient) sendCommand(ctx context.Context, command string, args map[string]interface{}) (map[string]interface{}, error) {
	ctx, span := c.tracer.Start(ctx, "signaling.SendCommand", trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(
		attribute.String("command", command),
	))
	defer span.End()

	cookie := c.generateCookie()
	args["command"] = command

	c.requestCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("command", command)))

	var buf bytes.Buffer
	buf.WriteString(cookie + " ")
	if err := bencode.Marshal(&buf, args); err != nil {
		return nil, fmt.Errorf("failed to marshal bencode: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.conn.WriteToUDP(buf.Bytes(), c.addr); err != nil {
		return nil, c.fail(ctx, span, command, "write_error", fmt.Errorf("failed to write to udp: %w", err))
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, c.fail(ctx, span, command, "read_error", err)
	}

	respBuf := make([]byte, 65535)
	for {
		n, _, err := c.conn.ReadFromUDP(respBuf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = ErrClosed
			}
			return nil, c.fail(ctx, span, command, "read_error", fmt.Errorf("failed to read from udp: %w", err))
		}

		spaceIdx := bytes.IndexByte(respBuf[:n], ' ')
		if spaceIdx == -1 {
			return nil, c.fail(ctx, span, command, "decode_error", fmt.Errorf("invalid response format (no space)"))
		}
		if string(respBuf[:spaceIdx]) != cookie {
			// Late reply to an earlier, timed out request.
			if c.log != nil {
				c.log.Debugf("discarding reply with stale cookie %q", respBuf[:spaceIdx])
			}
			continue
		}

		decoded, err := bencode.Decode(bytes.NewReader(respBuf[spaceIdx+1 : n]))
		if err != nil {
			return nil, c.fail(ctx, span, command, "decode_error", fmt.Errorf("decode error: %w", err))
		}

		resp, ok := decoded.(map[string]interface{})
		if !ok {
			return nil, c.fail(ctx, span, command, "decode_error", fmt.Errorf("decoded response is not a map: %T", decoded))
		}

		if result, ok := resp["result"].(string); ok && result == "error" {
			return nil, c.fail(ctx, span, command, "service_error", fmt.Errorf("control service error: %v", resp["error-reason"]))
		}

		return resp, nil
	}
}

func (c *NGClient) ListCameras(ctx context.Context) ([]models.CameraSource, error) {
	resp, err := c.sendCommand(ctx, commandListCameras, map[string]interface{}{})
	if err != nil {
		return nil, err
	}

	rawCameras, ok := resp["cameras"].([]interface{})
	if !ok {
		return nil, models.ErrNoCameraList
	}

	cameras := make([]models.CameraSource, 0, len(rawCameras))
	for i, raw := range rawCameras {
		entry, ok := raw.(map[string]interface{})
		if !ok {
			c.skipRecord(fmt.Errorf("%w %d: unexpected record %T", models.ErrInvalidRecord, i, raw))
			continue
		}
		id, err := decodeNGID(entry["id"])
		if err != nil {
			c.skipRecord(fmt.Errorf("%w %d: %w", models.ErrInvalidRecord, i, err))
			continue
		}
		label, _ := entry["label"].(string)
		connected, _ := entry["connected"].(int64)
		cameras = append(cameras, models.CameraSource{
			ID:              id,
			Label:           label,
			RemoteConnected: connected != 0,
		})
	}
	return cameras, nil
}

func (c *NGClient) Offer(ctx context.Context, req models.OfferRequest) (*webrtc.SessionDescription, error) {
	args := map[string]interface{}{
		"sdp":       req.SDP,
		"type":      req.Type,
		"camera-id": encodeNGID(req.CameraID),
	}
	resp, err := c.sendCommand(ctx, commandOffer, args)
	if err != nil {
		return nil, err
	}

	sdp, _ := resp["sdp"].(string)
	typ, _ := resp["type"].(string)
	answer := &webrtc.SessionDescription{SDP: sdp, Type: webrtc.NewSDPType(typ)}
	if err := checkAnswer(answer); err != nil {
		return nil, fmt.Errorf("offer: %w", err)
	}
	return answer, nil
}

func (c *NGClient) skipRecord(err error) {
	if c.log != nil {
		c.log.Warnf("list cameras: skipping %v", err)
	}
}

func (c *NGClient) Close() error {
	return c.conn.Close()
}

func (c *NGClient) fail(ctx context.Context, span trace.Span, command, reason string, err error) error {
	c.errorCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("command", command), attribute.String("reason", reason)))
	span.RecordError(err)
	span.SetStatus(codes.Error, reason)
	return err
}

func encodeNGID(id models.SourceID) interface{} {
	if n, ok := id.Int64(); ok {
		return n
	}
	return id.String()
}

func decodeNGID(v interface{}) (models.SourceID, error) {
	switch id := v.(type) {
	case int64:
		return models.IntID(id), nil
	case string:
		if id == "" {
			return models.SourceID{}, fmt.Errorf("empty camera id")
		}
		return models.StringID(id), nil
	default:
		return models.SourceID{}, fmt.Errorf("unsupported camera id %T", v)
	}
}
