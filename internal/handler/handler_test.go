package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"inbound-mail-webhooks-go/internal/database"
	"inbound-mail-webhooks-go/internal/model"
	"inbound-mail-webhooks-go/internal/repository"
	"inbound-mail-webhooks-go/internal/storage"
	"inbound-mail-webhooks-go/internal/webhook"
)

const (
	publicBase = "https://hooks.test"
	hookPath   = "/api/v1/webhooks/mandrill"
)

type recordingProcessor struct {
	mu      sync.Mutex
	events  []webhook.CanonicalEvent
	tenants []*model.Tenant
}

func (p *recordingProcessor) Process(ctx context.Context, event webhook.CanonicalEvent, tenant *model.Tenant) (*model.InboundEmail, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	p.tenants = append(p.tenants, tenant)
	return &model.InboundEmail{Subject: event.Subject}, nil
}

type tenantList []model.Tenant

func (l tenantList) Candidates(ctx context.Context) ([]model.Tenant, error) { return l, nil }

type fakeScheduler struct {
	running bool
	runs    int
	err     error
	lastRun time.Time
}

func (s *fakeScheduler) Start() error {
	if s.running {
		return errors.New("scheduler is already running")
	}
	s.running = true
	return nil
}
func (s *fakeScheduler) Stop() error {
	s.running = false
	return nil
}
func (s *fakeScheduler) IsRunning() bool { return s.running }
func (s *fakeScheduler) RunOnce(ctx context.Context) error {
	s.runs++
	s.lastRun = time.Now()
	return s.err
}
func (s *fakeScheduler) GetNextRun() time.Time {
	if !s.running {
		return time.Time{}
	}
	return time.Now().Add(5 * time.Minute)
}
func (s *fakeScheduler) GetLastRun() time.Time { return s.lastRun }
func (s *fakeScheduler) LastError() error      { return s.err }

type fakePinger struct{ err error }

func (p fakePinger) Ping(ctx context.Context) error { return p.err }

type tenantSnapshot struct {
	size     int
	loadedAt time.Time
}

func (s tenantSnapshot) Size() int           { return s.size }
func (s tenantSnapshot) LoadedAt() time.Time { return s.loadedAt }

var snapshotTime = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

type testServer struct {
	engine    *gin.Engine
	processor *recordingProcessor
	scheduler *fakeScheduler
	emails    *repository.EmailRepository
	store     *storage.FileStore
}

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Open(sqlite.Open("file:" + t.Name() + "?mode=memory&cache=shared"))
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, database.RunMigrations(db))
	return db
}

func newTestServer(t *testing.T, environment string, redis Pinger) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	processor := &recordingProcessor{}
	tenants := tenantList{{ID: 1, Name: "acme", SharedSecret: "secret-a", Active: true}}
	pipeline := webhook.NewPipeline(webhook.PipelineConfig{
		Environment:        environment,
		RejectUnverifiedIn: []string{"production"},
		BatchConcurrency:   1,
	}, tenants, processor, nil)

	db := setupDB(t)
	emails := repository.NewEmailRepository(db)
	store := storage.NewFileStore(afero.NewMemMapFs(), "/attachments")
	scheduler := &fakeScheduler{running: true}
	h := NewHandlers(db, Services{
		Pipeline:    pipeline,
		Scheduler:   scheduler,
		Redis:       redis,
		Emails:      emails,
		Attachments: store,
		Tenants:     tenantSnapshot{size: len(tenants), loadedAt: snapshotTime},
	}, Options{
		BasePath:      "/api/v1",
		MaxBodyBytes:  1 << 20,
		PublicBaseURL: publicBase,
		Providers: map[string]webhook.Provider{
			"Mandrill": {Name: "mandrill", SignatureHeader: webhook.DefaultSignatureHeader},
		},
	})

	engine := gin.New()
	h.SetupRoutes(engine)
	return &testServer{engine: engine, processor: processor, scheduler: scheduler, emails: emails, store: store}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) webhook.ResponseBody {
	t.Helper()
	var body webhook.ResponseBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func signedForm(events, secret string) (string, string) {
	canonical := publicBase + hookPath + "mandrill_events" + events
	form := url.Values{"mandrill_events": {events}}
	return form.Encode(), webhook.Sign(secret, canonical)
}

const inboundEvents = `[{"event":"inbound","ts":1710000000,"msg":{"from_email":"a@example.test","email":"in@acme.test","subject":"Hello","text":"hi","headers":{"Message-Id":"<m1@example.test>"}}}]`

func TestReceiveSignedFormWebhook(t *testing.T) {
	s := newTestServer(t, "production", nil)
	body, signature := signedForm(inboundEvents, "secret-a")

	req := httptest.NewRequest(http.MethodPost, hookPath, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(webhook.DefaultSignatureHeader, signature)
	w := s.do(req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	resp := decode(t, w)
	assert.Equal(t, webhook.StatusSuccess, resp.Status)
	assert.Equal(t, "Processed 1 events successfully (0 skipped)", resp.Message)
	require.Len(t, s.processor.events, 1)
	assert.Equal(t, "m1@example.test", s.processor.events[0].MessageID)
	require.NotNil(t, s.processor.tenants[0])
	assert.Equal(t, "acme", s.processor.tenants[0].Name)
}

func TestReceiveRejectsBadSignatureInProduction(t *testing.T) {
	s := newTestServer(t, "production", nil)
	body, _ := signedForm(inboundEvents, "secret-a")

	req := httptest.NewRequest(http.MethodPost, hookPath, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(webhook.DefaultSignatureHeader, "forged")
	w := s.do(req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Invalid webhook signature", decode(t, w).Message)
	assert.Empty(t, s.processor.events)
}

func TestReceiveBadSignatureAcceptedOutsideProduction(t *testing.T) {
	s := newTestServer(t, "development", nil)
	req := httptest.NewRequest(http.MethodPost, hookPath, strings.NewReader(inboundEvents))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(webhook.DefaultSignatureHeader, "forged")
	w := s.do(req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, s.processor.tenants, 1)
	assert.Nil(t, s.processor.tenants[0])
}

func TestReceivePingAndEmptyList(t *testing.T) {
	s := newTestServer(t, "production", nil)

	req := httptest.NewRequest(http.MethodPost, hookPath, strings.NewReader(`{"type":"ping"}`))
	req.Header.Set("Content-Type", "application/json")
	w := s.do(req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Ping acknowledged", decode(t, w).Message)

	req = httptest.NewRequest(http.MethodPost, hookPath, strings.NewReader(`[]`))
	req.Header.Set("Content-Type", "application/json")
	w = s.do(req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Acknowledged empty event list", decode(t, w).Message)
}

func TestReceiveInvalidBodies(t *testing.T) {
	s := newTestServer(t, "production", nil)

	req := httptest.NewRequest(http.MethodPost, hookPath, strings.NewReader("not json at all"))
	req.Header.Set("Content-Type", "text/plain")
	w := s.do(req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, webhook.StatusError, decode(t, w).Status)

	req = httptest.NewRequest(http.MethodPost, hookPath, strings.NewReader(""))
	req.Header.Set("Content-Type", "application/json")
	w = s.do(req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid or empty request body: body is empty", decode(t, w).Message)

	req = httptest.NewRequest(http.MethodPost, hookPath, strings.NewReader(`42`))
	req.Header.Set("Content-Type", "application/json")
	w = s.do(req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, webhook.StatusError, decode(t, w).Status)
}

func TestReceiveOversizedBody(t *testing.T) {
	s := newTestServer(t, "development", nil)
	big := `[{"event":"inbound","msg":{"text":"` + strings.Repeat("x", 2<<20) + `"}}]`

	req := httptest.NewRequest(http.MethodPost, hookPath, strings.NewReader(big))
	req.Header.Set("Content-Type", "application/json")
	w := s.do(req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, s.processor.events)
}

func TestUnknownProvider(t *testing.T) {
	s := newTestServer(t, "production", nil)

	w := s.do(httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/sendgrid", strings.NewReader(`[]`)))
	assert.Equal(t, http.StatusNotFound, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, map[string]interface{}{
		"status":  webhook.StatusError,
		"message": "Unknown webhook provider: sendgrid",
	}, resp)

	w = s.do(httptest.NewRequest(http.MethodHead, "/api/v1/webhooks/sendgrid", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestValidateWebhookURL(t *testing.T) {
	s := newTestServer(t, "production", nil)
	w := s.do(httptest.NewRequest(http.MethodHead, "/api/v1/webhooks/MANDRILL", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthCheck(t *testing.T) {
	s := newTestServer(t, "production", fakePinger{})
	w := s.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "ok", resp.Redis)
	assert.Equal(t, "running", resp.Details["scheduler"])
	assert.Equal(t, "1", resp.Details["tenants"])
	assert.Equal(t, "2026-10-01T12:00:00Z", resp.Details["tenants_loaded_at"])
}

func TestHealthCheckRedisDown(t *testing.T) {
	s := newTestServer(t, "production", fakePinger{err: errors.New("connection refused")})
	w := s.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "error", resp.Redis)
	assert.Equal(t, "ok", resp.Database)
}

func TestSchedulerEndpoints(t *testing.T) {
	s := newTestServer(t, "production", nil)

	w := s.do(httptest.NewRequest(http.MethodPost, "/api/v1/scheduler/run-once", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, s.scheduler.runs)

	w = s.do(httptest.NewRequest(http.MethodGet, "/api/v1/scheduler/status", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var status SchedulerStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "running", status.Status)
	assert.NotNil(t, status.NextRun)
	assert.NotNil(t, status.LastRun)

	s.scheduler.err = errors.New("tenant store unavailable")
	w = s.do(httptest.NewRequest(http.MethodPost, "/api/v1/scheduler/run-once", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	w = s.do(httptest.NewRequest(http.MethodGet, "/api/v1/scheduler/status", nil))
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "tenant store unavailable", status.LastError)
}

func TestSchedulerStartStop(t *testing.T) {
	s := newTestServer(t, "production", nil)

	w := s.do(httptest.NewRequest(http.MethodPost, "/api/v1/scheduler/start", nil))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(httptest.NewRequest(http.MethodPost, "/api/v1/scheduler/stop", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, s.scheduler.running)

	w = s.do(httptest.NewRequest(http.MethodGet, "/api/v1/scheduler/status", nil))
	var status SchedulerStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "stopped", status.Status)
	assert.Nil(t, status.NextRun)

	w = s.do(httptest.NewRequest(http.MethodPost, "/api/v1/scheduler/start", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, s.scheduler.running)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, "production", nil)
	w := s.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func storeEmail(t *testing.T, s *testServer) *model.InboundEmail {
	t.Helper()
	ctx := context.Background()
	key, err := s.store.Save(ctx, "acme", "invoice.pdf", []byte("%PDF-1.4"))
	require.NoError(t, err)

	messageID := "abc@example.com"
	email := &model.InboundEmail{
		MessageID:  &messageID,
		EventType:  "inbound_email",
		FromEmail:  "alice@example.com",
		ToEmail:    "inbound@acme.test",
		Subject:    "Invoice",
		Headers:    `{"Message-Id":"<abc@example.com>"}`,
		ReceivedAt: time.Now(),
	}
	require.NoError(t, s.emails.Create(ctx, email))
	require.NoError(t, s.emails.AddAttachment(ctx, &model.Attachment{
		EmailID:    email.ID,
		Name:       "invoice.pdf",
		MimeType:   "application/pdf",
		SizeBytes:  8,
		StorageKey: key,
	}))
	return email
}

func TestGetEmail(t *testing.T) {
	s := newTestServer(t, "production", nil)
	email := storeEmail(t, s)

	w := s.do(httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/emails/%d", email.ID), nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp EmailResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Invoice", resp.Subject)
	assert.Equal(t, "abc@example.com", *resp.MessageID)
	assert.JSONEq(t, `{"Message-Id":"<abc@example.com>"}`, string(resp.Headers))
	require.Len(t, resp.Attachments, 1)
	assert.Equal(t, "invoice.pdf", resp.Attachments[0].Name)
	assert.Equal(t, fmt.Sprintf("/api/v1/emails/%d/attachments/%d", email.ID, resp.Attachments[0].ID), resp.Attachments[0].DownloadURL)
}

func TestGetEmailErrors(t *testing.T) {
	s := newTestServer(t, "production", nil)

	w := s.do(httptest.NewRequest(http.MethodGet, "/api/v1/emails/abc", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(httptest.NewRequest(http.MethodGet, "/api/v1/emails/999", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "not_found", resp.Error)
}

func TestDownloadAttachment(t *testing.T) {
	s := newTestServer(t, "production", nil)
	email := storeEmail(t, s)
	stored, err := s.emails.GetByID(context.Background(), email.ID)
	require.NoError(t, err)
	require.Len(t, stored.Attachments, 1)
	attachment := stored.Attachments[0]

	w := s.do(httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/emails/%d/attachments/%d", email.ID, attachment.ID), nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "%PDF-1.4", w.Body.String())
	assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))
	assert.Equal(t, "attachment; filename=invoice.pdf", w.Header().Get("Content-Disposition"))

	w = s.do(httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/emails/%d/attachments/%d", email.ID, attachment.ID+1), nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/emails/%d/attachments/x", email.ID), nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	require.NoError(t, s.store.Delete(context.Background(), attachment.StorageKey))
	w = s.do(httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/emails/%d/attachments/%d", email.ID, attachment.ID), nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
