package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediaConverter/internal/engine"
	"mediaConverter/internal/formats"
	"mediaConverter/internal/metrics"
	"mediaConverter/internal/models"
	"mediaConverter/internal/storage"
	"mediaConverter/internal/transcode"
)

// recordingEngine writes output for successful jobs and remembers what it was asked to do.
type recordingEngine struct {
	output []byte
	fail   error

	mu         sync.Mutex
	directives []formats.Directive
}

func (e *recordingEngine) Convert(_ context.Context, _, outputPath string, d formats.Directive, cb engine.ProgressFunc) <-chan engine.Signal {
	e.mu.Lock()
	e.directives = append(e.directives, d)
	e.mu.Unlock()

	ch := make(chan engine.Signal, 1)
	go func() {
		defer close(ch)
		if e.fail != nil {
			ch <- engine.Signal{Err: e.fail}
			return
		}
		_ = os.WriteFile(outputPath, e.output, 0o644)
		if cb != nil {
			cb(engine.Progress{Percent: 50})
		}
		ch <- engine.Signal{}
	}()
	return ch
}

func (e *recordingEngine) calls() []formats.Directive {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]formats.Directive(nil), e.directives...)
}

type testApp struct {
	*App
	stager *storage.Stager
}

func newTestApp(t *testing.T, eng engine.Engine, opts Options) *testApp {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	root := t.TempDir()
	stager := storage.New(logger, filepath.Join(root, "uploads"), filepath.Join(root, "outputs"))
	require.NoError(t, stager.EnsureDirs())

	if opts.AllowedExtensions == nil {
		opts.AllowedExtensions = []string{"png", "jpg", "mp4", "wav"}
	}
	runner := transcode.NewRunner(logger, eng, transcode.Config{MaxConcurrent: 2})
	return &testApp{App: NewApp(logger, stager, runner, opts), stager: stager}
}

func (a *testApp) assertStagingEmpty(t *testing.T) {
	t.Helper()
	for _, dir := range []string{a.stager.InputDir(), a.stager.OutputDir()} {
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Empty(t, entries, "staged files left in %s", dir)
	}
}

type upload struct {
	name        string
	contentType string
	content     []byte
}

// multipartBody writes the file part first, then the plain fields.
func multipartBody(t *testing.T, file *upload, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	if file != nil {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, file.name))
		if file.contentType != "" {
			h.Set("Content-Type", file.contentType)
		}
		part, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(file.content)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func (a *testApp) post(t *testing.T, file *upload, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	body, ct := multipartBody(t, file, fields)
	req := httptest.NewRequest(http.MethodPost, "/convert", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	a.Router().ServeHTTP(rec, req)
	return rec
}

func TestConvertImageToAudio(t *testing.T) {
	eng := &recordingEngine{output: []byte("ID3 mp3 bytes")}
	app := newTestApp(t, eng, Options{})

	rec := app.post(t, &upload{name: "photo.png", contentType: "image/png", content: []byte("png bytes")}, map[string]string{"format": "MP3"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "audio/mpeg", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "photo.mp3")
	assert.Equal(t, "13", rec.Header().Get("Content-Length"))
	assert.Equal(t, "ID3 mp3 bytes", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Job-ID"))

	calls := eng.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, formats.Audio, calls[0].Class)
	assert.Equal(t, formats.AudioCodec, calls[0].AudioCodec)

	app.assertStagingEmpty(t)
}

func TestConvertVideoToImageTakesOneFrame(t *testing.T) {
	eng := &recordingEngine{output: []byte("jpeg")}
	app := newTestApp(t, eng, Options{})

	rec := app.post(t, &upload{name: "clip.mp4", contentType: "video/mp4", content: []byte("mp4 bytes")}, map[string]string{"format": "jpg"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	calls := eng.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, 1, calls[0].Frames)
	assert.True(t, calls[0].NoAudio)
	assert.Empty(t, calls[0].AudioCodec)
	app.assertStagingEmpty(t)
}

func TestConvertAcceptsAudioMediaType(t *testing.T) {
	app := newTestApp(t, &recordingEngine{output: []byte("mp3")}, Options{})

	rec := app.post(t, &upload{name: "song.wav", contentType: "audio/wav", content: []byte("RIFF")}, map[string]string{"format": "mp3"})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestConvertWithoutFileIsRejected(t *testing.T) {
	eng := &recordingEngine{output: []byte("x")}
	app := newTestApp(t, eng, Options{})
	before := testutil.ToFloat64(metrics.RequestErrorsTotal.WithLabelValues(models.KindClientInput.String()))

	rec := app.post(t, nil, map[string]string{"format": "mp3"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "File and format are required")
	assert.Empty(t, eng.calls())
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.RequestErrorsTotal.WithLabelValues(models.KindClientInput.String())))
	app.assertStagingEmpty(t)
}

func TestConvertWithoutFormatRemovesStagedUpload(t *testing.T) {
	eng := &recordingEngine{output: []byte("x")}
	app := newTestApp(t, eng, Options{})

	rec := app.post(t, &upload{name: "photo.png", contentType: "image/png", content: []byte("png")}, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, eng.calls())
	app.assertStagingEmpty(t)
}

func TestConvertRejectsUnsafeFormat(t *testing.T) {
	eng := &recordingEngine{output: []byte("x")}
	app := newTestApp(t, eng, Options{})

	rec := app.post(t, &upload{name: "photo.png", content: []byte("png")}, map[string]string{"format": "../mp3"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Unsupported output format")
	assert.Empty(t, eng.calls())
	app.assertStagingEmpty(t)
}

func TestConvertRejectsDisallowedExtension(t *testing.T) {
	app := newTestApp(t, &recordingEngine{}, Options{})

	rec := app.post(t, &upload{name: "notes.txt", content: []byte("hello")}, map[string]string{"format": "mp3"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid file type")
	app.assertStagingEmpty(t)
}

func TestConvertRejectsMismatchedMediaType(t *testing.T) {
	app := newTestApp(t, &recordingEngine{}, Options{})

	rec := app.post(t, &upload{name: "clip.mp4", contentType: "text/plain", content: []byte("hello")}, map[string]string{"format": "mp3"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	app.assertStagingEmpty(t)
}

func TestConvertRejectsNonMultipartBody(t *testing.T) {
	app := newTestApp(t, &recordingEngine{}, Options{})

	req := httptest.NewRequest(http.MethodPost, "/convert", strings.NewReader(`{"format":"mp3"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	app.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConvertEngineFailureCleansUp(t *testing.T) {
	eng := &recordingEngine{fail: errors.New("Invalid data found when processing input")}
	app := newTestApp(t, eng, Options{})

	rec := app.post(t, &upload{name: "photo.png", content: []byte("not really png")}, map[string]string{"format": "mp3"})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "Conversion failed")
	assert.NotContains(t, rec.Body.String(), app.stager.InputDir())
	app.assertStagingEmpty(t)
}

func TestConvertRejectsOversizedBody(t *testing.T) {
	eng := &recordingEngine{output: []byte("x")}
	app := newTestApp(t, eng, Options{MaxBodyBytes: 1024})

	rec := app.post(t, &upload{name: "photo.png", content: bytes.Repeat([]byte("a"), 4096)}, map[string]string{"format": "mp3"})

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, eng.calls())
	app.assertStagingEmpty(t)
}

func TestConvertRejectsOversizedFilePart(t *testing.T) {
	eng := &recordingEngine{output: []byte("x")}
	app := newTestApp(t, eng, Options{MaxBodyBytes: 1 << 20, MaxFileBytes: 16})

	rec := app.post(t, &upload{name: "photo.png", content: bytes.Repeat([]byte("a"), 100)}, map[string]string{"format": "mp3"})

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, eng.calls())
	app.assertStagingEmpty(t)
}

func TestProgressEventsFollowLifecycle(t *testing.T) {
	app := newTestApp(t, &recordingEngine{output: []byte("mp3")}, Options{})
	srv := httptest.NewServer(app.Router())
	defer srv.Close()

	jobID := uuid.NewString()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/"+jobID, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return app.hub.subscribers(jobID) == 1 }, time.Second, 5*time.Millisecond)

	body, ct := multipartBody(t, &upload{name: "photo.png", content: []byte("png")}, map[string]string{"format": "mp3"})
	resp, err := http.Post(srv.URL+"/convert?job="+jobID, ct, body)
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, jobID, resp.Header.Get("X-Job-ID"))

	var statuses []models.JobStatus
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var evt models.ProgressEvent
		require.NoError(t, conn.ReadJSON(&evt))
		assert.Equal(t, jobID, evt.ID)
		statuses = append(statuses, evt.Status)
		if evt.Status == models.StatusCleanedUp {
			break
		}
	}

	assert.Equal(t, []models.JobStatus{
		models.StatusStaged,
		models.StatusClassified,
		models.StatusTranscoding,
		models.StatusTranscoding,
		models.StatusSucceeded,
		models.StatusResponded,
		models.StatusCleanedUp,
	}, statuses)
}

func TestProgressRejectsInvalidJobID(t *testing.T) {
	app := newTestApp(t, &recordingEngine{}, Options{})
	rec := httptest.NewRecorder()
	app.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/not-a-uuid", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIndexListsFormats(t *testing.T) {
	app := newTestApp(t, &recordingEngine{}, Options{})
	rec := httptest.NewRecorder()
	app.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), `<option value="mp3">`)
	assert.Contains(t, rec.Body.String(), `<optgroup label="image">`)
}

func TestHealthAndPreflight(t *testing.T) {
	app := newTestApp(t, &recordingEngine{}, Options{})

	rec := httptest.NewRecorder()
	app.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = httptest.NewRecorder()
	app.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/convert", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestDownloadName(t *testing.T) {
	assert.Equal(t, "my_song.mp3", downloadName("my song.wav", "mp3"))
	assert.Equal(t, "converted.png", downloadName("", "png"))
	assert.Equal(t, "passwd.jpg", downloadName("../../etc/passwd.png", "jpg"))
}

// brokenConn accepts headers but fails every body write, like a client that hung up.
type brokenConn struct {
	header http.Header
	code   int
}

func (b *brokenConn) Header() http.Header {
	if b.header == nil {
		b.header = make(http.Header)
	}
	return b.header
}

func (b *brokenConn) WriteHeader(code int) { b.code = code }

func (b *brokenConn) Write([]byte) (int, error) { return 0, errors.New("connection reset by peer") }

func TestConvertDeliveryFailureStillCleansUp(t *testing.T) {
	app := newTestApp(t, &recordingEngine{output: []byte("mp3 data")}, Options{})
	delivery := metrics.RequestErrorsTotal.WithLabelValues(models.KindDelivery.String())
	before := testutil.ToFloat64(delivery)

	body, ct := multipartBody(t, &upload{name: "photo.png", content: []byte("png")}, map[string]string{"format": "mp3"})
	req := httptest.NewRequest(http.MethodPost, "/convert", body)
	req.Header.Set("Content-Type", ct)
	w := &brokenConn{}
	app.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.code)
	assert.Equal(t, before+1, testutil.ToFloat64(delivery))
	app.assertStagingEmpty(t)
}

func TestProgressDropsOversizedClientFrames(t *testing.T) {
	app := newTestApp(t, &recordingEngine{}, Options{})
	srv := httptest.NewServer(app.Router())
	defer srv.Close()

	jobID := uuid.NewString()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/"+jobID, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return app.hub.subscribers(jobID) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, bytes.Repeat([]byte("x"), 4*progressReadLimit)))
	assert.Eventually(t, func() bool { return app.hub.subscribers(jobID) == 0 }, time.Second, 5*time.Millisecond)
}
