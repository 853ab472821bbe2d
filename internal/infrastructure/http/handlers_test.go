package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"booking-saga/internal/application/inventory"
	"booking-saga/internal/application/notification"
	"booking-saga/internal/application/saga"
	"booking-saga/internal/common/health"
	"booking-saga/internal/common/logger"
	"booking-saga/internal/common/metrics"
	"booking-saga/internal/domain/events"
	"booking-saga/internal/infrastructure/dlq"
	"booking-saga/internal/infrastructure/eventbus"
	errorlogs "booking-saga/internal/infrastructure/errors"
	"booking-saga/internal/infrastructure/inventorystore"
	"booking-saga/internal/infrastructure/sagastore"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type recordingBus struct {
	mu        sync.Mutex
	published []events.Event
	err       error
}

func (b *recordingBus) Publish(_ context.Context, _ string, event events.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.published = append(b.published, event)
	return nil
}

func (b *recordingBus) PublishRaw(context.Context, string, string, []byte, map[string]string) error {
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string, eventbus.EventHandler) error {
	return nil
}

func (b *recordingBus) SubscribeWithGroupID(context.Context, string, string, eventbus.EventHandler) error {
	return nil
}

func (b *recordingBus) Close() error {
	return nil
}

type fakeChecker struct {
	status health.HealthStatus
}

func (f fakeChecker) Check(context.Context) health.HealthStatus {
	return f.status
}

func newTestRouter(checker health.HealthChecker) *gin.Engine {
	return NewRouter(logger.NewNopLogger(), checker, metrics.NewInMemoryCollector(), false)
}

func doRequest(router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRouter_Health(t *testing.T) {
	t.Run("Healthy", func(t *testing.T) {
		w := doRequest(newTestRouter(fakeChecker{health.HealthStatus{Status: health.StatusHealthy}}), http.MethodGet, "/health", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.NotEmpty(t, w.Header().Get(HeaderTraceID))
	})

	t.Run("Database down", func(t *testing.T) {
		w := doRequest(newTestRouter(fakeChecker{health.HealthStatus{Status: health.StatusUnhealthy, Error: "refused"}}), http.MethodGet, "/health", nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Contains(t, w.Body.String(), "refused")
	})
}

func newSagaRouter(t *testing.T) (*gin.Engine, *saga.Orchestrator, *recordingBus) {
	t.Helper()
	bus := &recordingBus{}
	o := saga.NewOrchestrator(sagastore.NewMemoryStore(), bus, metrics.NewInMemoryCollector(), logger.NewNopLogger())
	router := newTestRouter(nil)
	NewSagaHandler(o).Register(router)
	return router, o, bus
}

func TestSagaHandler_CreateBooking(t *testing.T) {
	valid := map[string]interface{}{
		"customer_id":         "cust-1",
		"package_id":          "P1",
		"number_of_travelers": 2,
		"amount":              300.5,
		"currency":            "USD",
	}

	t.Run("Accepted", func(t *testing.T) {
		router, _, bus := newSagaRouter(t)

		w := doRequest(router, http.MethodPost, "/api/bookings", valid)
		require.Equal(t, http.StatusAccepted, w.Code)

		var resp saga.BookingResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.NotEmpty(t, resp.CorrelationID)
		assert.Equal(t, "STARTED", resp.Status)

		require.Len(t, bus.published, 1)
		assert.Equal(t, events.TypeBookingCreated, bus.published[0].Type())
		assert.NotEmpty(t, bus.published[0].Metadata().TraceID)
	})

	t.Run("Validation error", func(t *testing.T) {
		router, _, bus := newSagaRouter(t)

		w := doRequest(router, http.MethodPost, "/api/bookings", map[string]interface{}{"customer_id": "cust-1"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Empty(t, bus.published)
	})

	t.Run("Booking id already taken", func(t *testing.T) {
		router, o, bus := newSagaRouter(t)
		created := events.NewBookingCreated("corr-9", events.BookingCreatedData{
			BookingID: "B-9", CustomerID: "cust-1", PackageID: "P1", NumberOfTravelers: 1, Amount: 50, Currency: "USD",
		}, events.EventMetadata{})
		require.NoError(t, o.HandleEvent(context.Background(), created))

		body := map[string]interface{}{"booking_id": "B-9"}
		for k, v := range valid {
			body[k] = v
		}
		w := doRequest(router, http.MethodPost, "/api/bookings", body)
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Empty(t, bus.published)
	})

	t.Run("Publish failure", func(t *testing.T) {
		router, _, bus := newSagaRouter(t)
		bus.err = errors.New("broker down")

		w := doRequest(router, http.MethodPost, "/api/bookings", valid)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestSagaHandler_GetAndCancel(t *testing.T) {
	router, o, bus := newSagaRouter(t)
	ctx := context.Background()

	created := events.NewBookingCreated("corr-1", events.BookingCreatedData{
		BookingID: "B1", CustomerID: "cust-1", PackageID: "P1", NumberOfTravelers: 1, Amount: 50, Currency: "USD",
	}, events.EventMetadata{})
	require.NoError(t, o.HandleEvent(ctx, created))

	w := doRequest(router, http.MethodGet, "/api/bookings/corr-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status saga.SagaStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "B1", status.BookingID)
	assert.Equal(t, "STARTED", status.Status)

	w = doRequest(router, http.MethodGet, "/api/bookings/corr-1/events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), events.TypeBookingCreated)

	w = doRequest(router, http.MethodPost, "/api/bookings/corr-1/cancel", map[string]string{"reason": "changed plans"})
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, bus.published, 1)
	assert.Equal(t, events.TypeBookingCancellationRequested, bus.published[0].Type())

	w = doRequest(router, http.MethodGet, "/api/bookings/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(router, http.MethodGet, "/api/bookings/missing/events", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(router, http.MethodPost, "/api/bookings/missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestInventoryHandler(t *testing.T) {
	svc := inventory.NewService(inventorystore.NewMemoryStore(), &recordingBus{}, logger.NewNopLogger())
	router := newTestRouter(nil)
	NewInventoryHandler(svc).Register(router)

	w := doRequest(router, http.MethodGet, "/api/packages/P1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(router, http.MethodPut, "/api/packages/P1/capacity", map[string]int{"capacity": -1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(router, http.MethodPut, "/api/packages/P1/capacity", map[string]int{"capacity": 12})
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(router, http.MethodGet, "/api/packages/P1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var view inventory.PackageView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, 12, view.Capacity)
	assert.Equal(t, 12, view.Available)
}

type mockErrorLogStore struct {
	mock.Mock
}

func (m *mockErrorLogStore) PersistDLQEvent(ctx context.Context, e dlq.DLQEvent) (*errorlogs.ErrorLog, error) {
	args := m.Called(ctx, e)
	return nil, args.Error(1)
}

func (m *mockErrorLogStore) GetUnresolvedErrors(ctx context.Context, limit int) ([]errorlogs.ErrorLog, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]errorlogs.ErrorLog), args.Error(1)
}

func (m *mockErrorLogStore) MarkAsResolved(ctx context.Context, errorID string) error {
	return m.Called(ctx, errorID).Error(0)
}

func TestErrorsHandler(t *testing.T) {
	store := new(mockErrorLogStore)
	svc := notification.NewService(notification.NewLogSender(logger.NewNopLogger()), store, metrics.NewInMemoryCollector(), logger.NewNopLogger())
	router := newTestRouter(nil)
	NewErrorsHandler(svc).Register(router)

	store.On("GetUnresolvedErrors", mock.Anything, 20).
		Return([]errorlogs.ErrorLog{{ErrorID: "err-1", ErrorType: errorlogs.TypeTimeout}}, nil)
	store.On("MarkAsResolved", mock.Anything, "err-1").Return(nil)
	store.On("MarkAsResolved", mock.Anything, "err-2").Return(errorlogs.ErrErrorLogNotFound)

	w := doRequest(router, http.MethodGet, "/api/errors?limit=20", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"error_id":"err-1"`)

	w = doRequest(router, http.MethodGet, "/api/errors?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(router, http.MethodPost, "/api/errors/err-1/resolve", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(router, http.MethodPost, "/api/errors/err-2/resolve", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	store.AssertExpectations(t)
}
