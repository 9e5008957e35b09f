package sink

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/h264writer"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"

	"rovercam/internal/session"
	"rovercam/pkg/models"
)

// ErrUnsupportedCodec is returned for streams the recorder has no container for.
var ErrUnsupportedCodec = errors.New("codec has no recording container")

// Recorder is a Counter that also writes each attached stream to its own
// file in dir: camera-<id>-<start time>.ivf for VP8, .h264 for H264. Other
// codecs are only counted.
type Recorder struct {
	*Counter

	dir    string
	source models.CameraSource
	now    func() time.Time
}

func NewRecorder(dir string, source models.CameraSource, loggerFactory logging.LoggerFactory) *Recorder {
	r := &Recorder{
		Counter: NewCounter(loggerFactory),
		dir:     dir,
		source:  source,
		now:     time.Now,
	}
	r.Counter.open = r.open
	return r
}

// Path returns the file a stream with the given codec, attached at started,
// is recorded to.
func (r *Recorder) Path(mimeType string, started time.Time) (string, error) {
	ext, err := extension(mimeType)
	if err != nil {
		return "", err
	}
	name := "camera-" + fileSafe(r.source.ID.String()) + "-" + started.UTC().Format(stampLayout) + ext
	return filepath.Join(r.dir, name), nil
}

const stampLayout = "20060102T150405.000Z"

func extension(mimeType string) (string, error) {
	switch {
	case strings.EqualFold(mimeType, webrtc.MimeTypeVP8):
		return ".ivf", nil
	case strings.EqualFold(mimeType, webrtc.MimeTypeH264):
		return ".h264", nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedCodec, mimeType)
	}
}

// open never reuses a file: a previous session's writer may still be
// flushing its header when the next one starts.
func (r *Recorder) open(stream session.Stream) (media.Writer, error) {
	mimeType := stream.Codec().MimeType
	path, err := r.Path(mimeType, r.now())
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create record dir: %w", err)
	}

	f, err := createExclusive(path)
	if err != nil {
		return nil, err
	}

	r.log.Infof("recording %s to %s", r.source.DisplayName(), f.Name())
	if strings.EqualFold(mimeType, webrtc.MimeTypeH264) {
		return h264writer.NewWith(f), nil
	}
	w, err := ivfwriter.NewWith(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return w, nil
}

// createExclusive creates path, or path with a numeric suffix when it
// already exists.
func createExclusive(path string) (*os.File, error) {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	candidate := path
	for i := 2; ; i++ {
		f, err := os.OpenFile(candidate, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, os.ErrExist) || i > 100 {
			return nil, fmt.Errorf("create recording: %w", err)
		}
		candidate = fmt.Sprintf("%s-%d%s", base, i, ext)
	}
}

func fileSafe(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
