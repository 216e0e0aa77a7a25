package pipeline

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/metrics"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/ratelimit"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/remote"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/common/compress"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/common/util"
)

type DownloadConfig struct {
	// Retries after the first attempt.
	MaxRetries     int           `validate:"gte=0"`
	ConnectTimeout time.Duration `validate:"gt=0"`
	// Longest time without receiving a byte.
	ReadTimeout  time.Duration `validate:"gt=0"`
	TotalTimeout time.Duration `validate:"gt=0"`
	// Backoff between attempts is min(RetryMaxDelay, RetryBaseDelay * 2^(attempt-1)) plus up to MaxJitter.
	RetryBaseDelay time.Duration `validate:"gt=0"`
	RetryMaxDelay  time.Duration `validate:"gt=0"`
	MaxJitter      time.Duration
	// Tokens taken from the shop's rate gate before every attempt. Zero skips the gate.
	Cost        int64 `validate:"gte=0"`
	GateMaxWait time.Duration
}

func DefaultDownloadConfig() DownloadConfig {
	return DownloadConfig{
		MaxRetries:     3,
		ConnectTimeout: 30 * time.Second,
		ReadTimeout:    60 * time.Second,
		TotalTimeout:   4 * time.Hour,
		RetryBaseDelay: 500 * time.Millisecond,
		RetryMaxDelay:  15 * time.Second,
		MaxJitter:      250 * time.Millisecond,
		Cost:           1,
		GateMaxWait:    30 * time.Second,
	}
}

func (c DownloadConfig) backoff(attempt int) time.Duration {
	delay := c.RetryBaseDelay
	for i := 1; i < attempt && delay < c.RetryMaxDelay; i++ {
		delay *= 2
	}
	return util.MinDuration(delay, c.RetryMaxDelay)
}

type DownloadStats struct {
	Attempts int
	Resumes  int
	// Offset of the last Range request.
	ResumedFromBytes int64
	Encoding         compress.Encoding
	// Encoded bytes received from the server.
	BytesReceived int64
	// Decoded bytes written downstream.
	BytesEmitted int64
	// Checksum that was verified, empty when the server advertised none.
	Checksum string
}

// Downloader streams a remote result file into a writer, resuming or restarting interrupted transfers
// where that cannot duplicate or lose bytes.
type Downloader struct {
	client  *http.Client
	gate    ratelimit.Gate
	metrics *metrics.Metrics
	config  DownloadConfig
	jitter  func(max time.Duration) time.Duration
}

func NewDownloader(config DownloadConfig, gate ratelimit.Gate, m *metrics.Metrics) *Downloader {
	dialer := &net.Dialer{Timeout: config.ConnectTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   config.ConnectTimeout,
		ResponseHeaderTimeout: config.ConnectTimeout,
		// Compressed bodies are detected from their magic bytes instead.
		DisableCompression: true,
		MaxIdleConns:       10,
		IdleConnTimeout:    90 * time.Second,
	}
	return &Downloader{
		client:  &http.Client{Transport: transport},
		gate:    gate,
		metrics: m,
		config:  config,
		jitter:  randomJitter,
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

type retryableError struct {
	err error
	// Server requested delay, zero when the default backoff applies.
	delay time.Duration
}

func (e *retryableError) Error() string {
	return e.err.Error()
}

func (e *retryableError) Unwrap() error {
	return e.err
}

// Download writes the decoded content at url to out and verifies it against the length and checksum the
// server advertised. An IntegrityError is returned when the content cannot be trusted; out may already
// have received bytes by then.
func (d *Downloader) Download(ctx context.Context, shopId string, url string, out io.Writer) (*DownloadStats, error) {
	ctx, cancel := context.WithTimeout(ctx, d.config.TotalTimeout)
	defer cancel()

	state := &downloadState{out: out, expectedLength: -1}
	logger := log.WithField("shopId", shopId)
	for {
		state.stats.Attempts++
		err := d.attempt(ctx, shopId, url, state)
		if err == nil {
			if err := state.verify(); err != nil {
				return &state.stats, err
			}
			return &state.stats, nil
		}

		var retryable *retryableError
		if !errors.As(err, &retryable) {
			return &state.stats, err
		}
		if state.stats.Attempts > d.config.MaxRetries {
			return &state.stats, errors.WithMessagef(retryable.err, "download failed after %d attempts", state.stats.Attempts)
		}
		delay := d.config.backoff(state.stats.Attempts)
		if retryable.delay > 0 {
			delay = util.MinDuration(retryable.delay, d.config.RetryMaxDelay)
		}
		delay += d.jitter(d.config.MaxJitter)
		d.metrics.DownloadRetried()
		logger.WithFields(log.Fields{
			"attempt":      state.stats.Attempts,
			"resumeOffset": state.offset,
			"delay":        delay,
		}).Warnf("retrying download: %s", retryable.err)
		if err := util.Sleep(ctx, delay); err != nil {
			return &state.stats, errors.Wrap(err, "download interrupted")
		}
	}
}

func (d *Downloader) attempt(ctx context.Context, shopId string, url string, state *downloadState) error {
	if d.gate != nil && d.config.Cost > 0 {
		decision, err := ratelimit.Wait(ctx, d.gate, shopId, d.config.Cost, d.config.GateMaxWait)
		if err != nil {
			return err
		}
		if !decision.Allowed {
			return &retryableError{err: errors.New("download rate gate closed"), delay: decision.Delay}
		}
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	request, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	if err != nil {
		return errors.WithStack(err)
	}
	if state.offset > 0 {
		request.Header.Set("Range", fmt.Sprintf("bytes=%d-", state.offset))
		state.stats.Resumes++
		state.stats.ResumedFromBytes = state.offset
	}

	response, err := d.client.Do(request)
	if err != nil {
		if ctx.Err() != nil {
			return errors.Wrap(ctx.Err(), "download total timeout")
		}
		return &retryableError{err: errors.WithStack(err)}
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		err := errors.Errorf("download failed with http status %d", response.StatusCode)
		if isRetryableStatus(response.StatusCode) {
			return &retryableError{err: err, delay: remote.ParseRetryAfter(response.Header.Get("Retry-After"), 0)}
		}
		return err
	}

	if state.offset > 0 {
		if err := state.checkResumed(response); err != nil {
			return state.restart(err)
		}
	} else {
		state.begin(response)
	}

	body := newIdleReader(response.Body, d.config.ReadTimeout, cancel)
	defer body.stop()
	buffered := bufio.NewReaderSize(body, 64*1024)
	header, err := buffered.Peek(2)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return state.streamFailed(ctx, err)
	}
	encoding := compress.DetectEncoding(header)
	if state.offset == 0 {
		state.stats.Encoding = encoding
		state.resumable = state.resumable && encoding == compress.Identity
	}

	var source io.Reader = io.TeeReader(buffered, state)
	if encoding != compress.Identity && state.offset == 0 {
		decompressed, _, err := compress.NewDecompressingReader(source)
		if err != nil {
			if body.failed() {
				return state.streamFailed(ctx, err)
			}
			return &IntegrityError{Kind: IntegrityDecompress, Err: err}
		}
		defer decompressed.Close()
		source = decompressed
	}

	sink := &emitWriter{state: state}
	if _, err := io.Copy(sink, source); err != nil {
		if sink.err != nil {
			return errors.WithMessage(sink.err, "download consumer failed")
		}
		if body.failed() {
			return state.streamFailed(ctx, err)
		}
		return &IntegrityError{Kind: IntegrityDecompress, Err: err}
	}
	return nil
}

func isRetryableStatus(status int) bool {
	return status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || (status >= 500 && status <= 599)
}

// downloadState carries progress across attempts.
type downloadState struct {
	out   io.Writer
	stats DownloadStats
	// Encoded bytes received and hashed; for identity streams this is also the Range resume offset.
	offset         int64
	emitted        int64
	expectedLength int64
	checksum       *ExpectedChecksum
	digest         hash.Hash
	resumable      bool
}

func (s *downloadState) begin(response *http.Response) {
	s.offset = 0
	s.expectedLength = response.ContentLength
	s.checksum = checksumFromHeaders(response.Header)
	s.digest = nil
	if s.checksum != nil {
		s.digest = s.checksum.newHash()
	}
	declared := strings.ToLower(strings.TrimSpace(response.Header.Get("Content-Encoding")))
	acceptsRanges := strings.Contains(strings.ToLower(response.Header.Get("Accept-Ranges")), "bytes")
	s.resumable = (declared == "" || declared == "identity") && acceptsRanges
}

func (s *downloadState) checkResumed(response *http.Response) error {
	if response.StatusCode != http.StatusPartialContent {
		return errors.Errorf("range request answered with status %d", response.StatusCode)
	}
	start, total, ok := parseContentRange(response.Header.Get("Content-Range"))
	if !ok || start != s.offset {
		return errors.Errorf("range request answered with content range %q", response.Header.Get("Content-Range"))
	}
	if total >= 0 && s.expectedLength >= 0 && total != s.expectedLength {
		return errors.Errorf("resource length changed from %d to %d", s.expectedLength, total)
	}
	declared := strings.ToLower(strings.TrimSpace(response.Header.Get("Content-Encoding")))
	if declared != "" && declared != "identity" {
		return errors.Errorf("resumed response is %s encoded", declared)
	}
	return nil
}

// restart starts over from the first byte, unless bytes were already handed downstream.
func (s *downloadState) restart(cause error) error {
	if s.emitted > 0 {
		return errors.WithMessagef(cause, "cannot resume download after %d bytes", s.emitted)
	}
	s.offset = 0
	return &retryableError{err: cause}
}

func (s *downloadState) streamFailed(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return errors.Wrap(ctx.Err(), "download total timeout")
	}
	if s.emitted == 0 {
		s.offset = 0
		return &retryableError{err: errors.WithStack(err)}
	}
	if s.resumable {
		return &retryableError{err: errors.WithStack(err)}
	}
	// A known length makes the cut a content length mismatch; without one it is only a truncation.
	kind := IntegrityTruncated
	if s.expectedLength >= 0 {
		kind = IntegrityContentLength
	}
	return &IntegrityError{
		Kind:     kind,
		Expected: strconv.FormatInt(s.expectedLength, 10),
		Actual:   strconv.FormatInt(s.offset, 10),
		Err:      err,
	}
}

func (s *downloadState) verify() error {
	if s.expectedLength >= 0 && s.offset != s.expectedLength {
		return &IntegrityError{
			Kind:     IntegrityContentLength,
			Expected: strconv.FormatInt(s.expectedLength, 10),
			Actual:   strconv.FormatInt(s.offset, 10),
		}
	}
	if s.checksum != nil {
		actual := s.digest.Sum(nil)
		if !s.checksum.matches(actual) {
			return &IntegrityError{
				Kind:     IntegrityChecksum,
				Expected: s.checksum.String(),
				Actual:   fmt.Sprintf("%s:%s", s.checksum.Algorithm, hex.EncodeToString(actual)),
			}
		}
		s.stats.Checksum = s.checksum.String()
	}
	return nil
}

// Write receives the encoded bytes as they are consumed.
func (s *downloadState) Write(p []byte) (int, error) {
	if s.digest != nil {
		s.digest.Write(p)
	}
	s.offset += int64(len(p))
	s.stats.BytesReceived = s.offset
	return len(p), nil
}

type emitWriter struct {
	state *downloadState
	err   error
}

func (w *emitWriter) Write(p []byte) (int, error) {
	n, err := w.state.out.Write(p)
	w.state.emitted += int64(n)
	w.state.stats.BytesEmitted = w.state.emitted
	if err != nil {
		w.err = err
	}
	return n, err
}

// idleReader cancels the attempt when no data arrives for timeout.
type idleReader struct {
	r       io.Reader
	timeout time.Duration
	timer   *time.Timer

	mu  sync.Mutex
	err error
}

func newIdleReader(r io.Reader, timeout time.Duration, cancel context.CancelFunc) *idleReader {
	return &idleReader{r: r, timeout: timeout, timer: time.AfterFunc(timeout, cancel)}
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.timer.Reset(r.timeout)
	}
	if err != nil && err != io.EOF {
		r.mu.Lock()
		r.err = err
		r.mu.Unlock()
	}
	return n, err
}

func (r *idleReader) failed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err != nil
}

func (r *idleReader) stop() {
	r.timer.Stop()
}

// parseContentRange reads "bytes start-end/total". total is -1 when given as "*".
func parseContentRange(value string) (start int64, total int64, ok bool) {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "bytes ") {
		return 0, 0, false
	}
	span, size, found := strings.Cut(strings.TrimPrefix(value, "bytes "), "/")
	if !found {
		return 0, 0, false
	}
	first, _, found := strings.Cut(span, "-")
	if !found {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	if size == "*" {
		return start, -1, true
	}
	total, err = strconv.ParseInt(size, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return start, total, true
}
