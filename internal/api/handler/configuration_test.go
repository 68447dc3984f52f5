package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ostrand/backupd/internal/backup"
	"github.com/ostrand/backupd/internal/core"
	"github.com/ostrand/backupd/internal/model"
)

func newConfigurationHandler(db core.DB, runner *fakeRunner) *Configuration {
	if runner == nil {
		runner = &fakeRunner{}
	}
	return NewConfiguration(core.NewConfigurationService(db), runner)
}

func activeConfiguration() *model.BackupConfiguration {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	return &model.BackupConfiguration{
		ID:       validID,
		Name:     "nightly-db",
		Type:     model.BackupTypeDatabase,
		IsActive: true,
		Schedule: model.Schedule{Enabled: true, Frequency: model.FrequencyDaily, TimeOfDay: "02:00"},
		Sources: model.Sources{
			Databases: []model.DatabaseSource{{Name: "appdb"}},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// handlerConfigScanFunc fills scan destinations in the configuration
// service's column order.
func handlerConfigScanFunc(cfg *model.BackupConfiguration) func(dest ...any) error {
	return func(dest ...any) error {
		settings, _ := json.Marshal(cfg.Settings)
		sources, _ := json.Marshal(cfg.Sources)
		storage, _ := json.Marshal(cfg.Storage)

		*(dest[0].(*string)) = cfg.ID
		*(dest[1].(*string)) = cfg.Name
		*(dest[2].(*string)) = cfg.Type
		*(dest[3].(*bool)) = cfg.IsActive
		*(dest[4].(*bool)) = cfg.Schedule.Enabled
		*(dest[5].(*string)) = cfg.Schedule.Frequency
		*(dest[6].(*string)) = cfg.Schedule.TimeOfDay
		*(dest[7].(*int)) = cfg.Schedule.DayOfWeek
		*(dest[8].(*int)) = cfg.Schedule.DayOfMonth
		*(dest[9].(*string)) = cfg.Schedule.Expression
		*(dest[10].(**time.Time)) = cfg.Schedule.LastRun
		*(dest[11].(**time.Time)) = cfg.Schedule.NextRun
		*(dest[12].(*[]byte)) = settings
		*(dest[13].(*[]byte)) = sources
		*(dest[14].(*[]byte)) = storage
		*(dest[15].(*int64)) = cfg.Stats.TotalRuns
		*(dest[16].(*int64)) = cfg.Stats.SuccessCount
		*(dest[17].(*int64)) = cfg.Stats.FailureCount
		*(dest[18].(**time.Time)) = cfg.Stats.LastSuccess
		*(dest[19].(**time.Time)) = cfg.Stats.LastFailure
		*(dest[20].(*int64)) = cfg.Stats.TotalSizeBytes
		*(dest[21].(*int64)) = cfg.Stats.AvgSizeBytes
		*(dest[22].(*int64)) = cfg.Stats.AvgDurationMS
		*(dest[23].(*time.Time)) = cfg.CreatedAt
		*(dest[24].(*time.Time)) = cfg.UpdatedAt
		return nil
	}
}

// ---------- Create ----------

func TestConfigurationCreate_InvalidJSON(t *testing.T) {
	h := newConfigurationHandler(&handlerMockDB{}, nil)
	rec := httptest.NewRecorder()
	r := newRequestRaw(http.MethodPost, "/configurations", "{bad json")

	h.Create(rec, r)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeErrorResponse(rec)
	assert.Contains(t, body["error"], "invalid JSON")
}

func TestConfigurationCreate_MissingRequiredFields(t *testing.T) {
	h := newConfigurationHandler(&handlerMockDB{}, nil)
	rec := httptest.NewRecorder()
	r := newRequest(http.MethodPost, "/configurations", map[string]any{})

	h.Create(rec, r)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeErrorResponse(rec)
	assert.Contains(t, body["error"], "validation error")
}

func TestConfigurationCreate_InvalidSlugName(t *testing.T) {
	for _, name := range []string{"Nightly", "night ly", "night@ly", "1nightly"} {
		h := newConfigurationHandler(&handlerMockDB{}, nil)
		rec := httptest.NewRecorder()
		r := newRequest(http.MethodPost, "/configurations", map[string]any{
			"name": name,
			"type": "database",
		})

		h.Create(rec, r)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "name %q", name)
	}
}

func TestConfigurationCreate_InvalidType(t *testing.T) {
	h := newConfigurationHandler(&handlerMockDB{}, nil)
	rec := httptest.NewRecorder()
	r := newRequest(http.MethodPost, "/configurations", map[string]any{
		"name": "nightly",
		"type": "snapshots",
	})

	h.Create(rec, r)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConfigurationCreate_InvalidSchedule(t *testing.T) {
	h := newConfigurationHandler(&handlerMockDB{}, nil)
	rec := httptest.NewRecorder()
	r := newRequest(http.MethodPost, "/configurations", map[string]any{
		"name": "nightly",
		"type": "database",
		"schedule": map[string]any{
			"enabled":     true,
			"frequency":   "daily",
			"time_of_day": "25:99",
		},
	})

	h.Create(rec, r)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeErrorResponse(rec)
	assert.Contains(t, body["error"], "invalid schedule")
}

func TestConfigurationCreate_DuplicateName(t *testing.T) {
	db := &handlerMockDB{}
	existing := activeConfiguration()
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFunc: handlerConfigScanFunc(existing)})

	h := newConfigurationHandler(db, nil)
	rec := httptest.NewRecorder()
	r := newRequest(http.MethodPost, "/configurations", map[string]any{
		"name": "nightly-db",
		"type": "database",
		"sources": map[string]any{
			"databases": []map[string]any{{"name": "appdb"}},
		},
	})

	h.Create(rec, r)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestConfigurationCreate_MissingRequiredSources(t *testing.T) {
	cases := map[string]map[string]any{
		"database": {"name": "nightly-db", "type": "database"},
		"files":    {"name": "nightly-files", "type": "files"},
		"configuration": {
			"name": "nightly-conf", "type": "configuration",
			"sources": map[string]any{"paths": []string{"/etc/app"}},
		},
	}
	for backupType, payload := range cases {
		h := newConfigurationHandler(&handlerMockDB{}, nil)
		rec := httptest.NewRecorder()
		r := newRequest(http.MethodPost, "/configurations", payload)

		h.Create(rec, r)

		assert.Equal(t, http.StatusBadRequest, rec.Code, "type %s", backupType)
		body := decodeErrorResponse(rec)
		assert.Contains(t, body["error"], "need at least one", "type %s", backupType)
	}
}

func TestConfigurationCreate_RetentionWithoutBounds(t *testing.T) {
	h := newConfigurationHandler(&handlerMockDB{}, nil)
	rec := httptest.NewRecorder()
	r := newRequest(http.MethodPost, "/configurations", map[string]any{
		"name": "nightly-db",
		"type": "database",
		"settings": map[string]any{
			"retention": map[string]any{"enabled": true},
		},
		"sources": map[string]any{
			"databases": []map[string]any{{"name": "appdb"}},
		},
	})

	h.Create(rec, r)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeErrorResponse(rec)
	assert.Contains(t, body["error"], "retention enabled without")
}

func TestConfigurationCreate_Success_ArmsSchedule(t *testing.T) {
	db := &handlerMockDB{}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }})
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, nil)

	runner := &fakeRunner{}
	h := newConfigurationHandler(db, runner)
	rec := httptest.NewRecorder()
	r := newRequest(http.MethodPost, "/configurations", map[string]any{
		"name": "nightly-db",
		"type": "database",
		"schedule": map[string]any{
			"enabled":     true,
			"frequency":   "daily",
			"time_of_day": "02:00",
		},
		"sources": map[string]any{
			"databases": []map[string]any{{"name": "appdb"}},
		},
	})

	h.Create(rec, r)

	require.Equal(t, http.StatusCreated, rec.Code)

	var created model.BackupConfiguration
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "nightly-db", created.Name)
	assert.True(t, created.IsActive)

	require.Len(t, runner.scheduled, 1)
	assert.Equal(t, created.ID, runner.scheduled[0])
}

// ---------- Get ----------

func TestConfigurationGet_Success(t *testing.T) {
	db := &handlerMockDB{}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFunc: handlerConfigScanFunc(activeConfiguration())})

	h := newConfigurationHandler(db, nil)
	rec := httptest.NewRecorder()
	r := withChiURLParam(newRequest(http.MethodGet, "/configurations/"+validID, nil), "id", validID)

	h.Get(rec, r)

	require.Equal(t, http.StatusOK, rec.Code)
	var got model.BackupConfiguration
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, validID, got.ID)
}

func TestConfigurationGet_NotFound(t *testing.T) {
	db := &handlerMockDB{}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }})

	h := newConfigurationHandler(db, nil)
	rec := httptest.NewRecorder()
	r := withChiURLParam(newRequest(http.MethodGet, "/configurations/missing", nil), "id", "missing")

	h.Get(rec, r)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConfigurationGet_MissingID(t *testing.T) {
	h := newConfigurationHandler(&handlerMockDB{}, nil)
	rec := httptest.NewRecorder()
	r := withChiURLParam(newRequest(http.MethodGet, "/configurations/", nil), "id", "")

	h.Get(rec, r)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// ---------- Update ----------

func TestConfigurationUpdate_RearmsSchedule(t *testing.T) {
	db := &handlerMockDB{}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFunc: handlerConfigScanFunc(activeConfiguration())})
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	runner := &fakeRunner{}
	h := newConfigurationHandler(db, runner)
	rec := httptest.NewRecorder()
	r := withChiURLParam(newRequest(http.MethodPut, "/configurations/"+validID, map[string]any{
		"schedule": map[string]any{
			"enabled":     true,
			"frequency":   "weekly",
			"day_of_week": 0,
			"time_of_day": "04:00",
		},
	}), "id", validID)

	h.Update(rec, r)

	require.Equal(t, http.StatusOK, rec.Code)
	var got model.BackupConfiguration
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, model.FrequencyWeekly, got.Schedule.Frequency)
	assert.Equal(t, []string{validID}, runner.scheduled)
}

func TestConfigurationUpdate_InvalidSchedule(t *testing.T) {
	db := &handlerMockDB{}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFunc: handlerConfigScanFunc(activeConfiguration())})

	h := newConfigurationHandler(db, nil)
	rec := httptest.NewRecorder()
	r := withChiURLParam(newRequest(http.MethodPut, "/configurations/"+validID, map[string]any{
		"schedule": map[string]any{
			"enabled":    true,
			"frequency":  "custom",
			"expression": "not a cron line",
		},
	}), "id", validID)

	h.Update(rec, r)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConfigurationUpdate_RemovingRequiredSourcesRejected(t *testing.T) {
	db := &handlerMockDB{}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFunc: handlerConfigScanFunc(activeConfiguration())})

	h := newConfigurationHandler(db, nil)
	rec := httptest.NewRecorder()
	r := withChiURLParam(newRequest(http.MethodPut, "/configurations/"+validID, map[string]any{
		"sources": map[string]any{"databases": []map[string]any{}},
	}), "id", validID)

	h.Update(rec, r)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeErrorResponse(rec)
	assert.Contains(t, body["error"], "database source")
}

// ---------- Deactivate ----------

func TestConfigurationDeactivate_CancelsTimer(t *testing.T) {
	db := &handlerMockDB{}
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	runner := &fakeRunner{}
	h := newConfigurationHandler(db, runner)
	rec := httptest.NewRecorder()
	r := withChiURLParam(newRequest(http.MethodDelete, "/configurations/"+validID, nil), "id", validID)

	h.Deactivate(rec, r)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{validID}, runner.cancelled)
}

func TestConfigurationDeactivate_NotFound(t *testing.T) {
	db := &handlerMockDB{}
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	h := newConfigurationHandler(db, nil)
	rec := httptest.NewRecorder()
	r := withChiURLParam(newRequest(http.MethodDelete, "/configurations/missing", nil), "id", "missing")

	h.Deactivate(rec, r)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// ---------- Run ----------

func TestConfigurationRun_Accepted(t *testing.T) {
	db := &handlerMockDB{}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFunc: handlerConfigScanFunc(activeConfiguration())})

	runner := &fakeRunner{}
	h := newConfigurationHandler(db, runner)
	rec := httptest.NewRecorder()
	r := withChiURLParam(newRequest(http.MethodPost, "/configurations/"+validID+"/run", nil), "id", validID)

	h.Run(rec, r)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var exec model.BackupExecution
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &exec))
	assert.Equal(t, model.StatusPending, exec.Status)
	assert.Equal(t, model.ExecutionTypeAPI, exec.ExecutionType)
	assert.Equal(t, "api", exec.TriggeredBy)
}

func TestConfigurationRun_TriggeredByFromBody(t *testing.T) {
	db := &handlerMockDB{}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFunc: handlerConfigScanFunc(activeConfiguration())})

	runner := &fakeRunner{}
	h := newConfigurationHandler(db, runner)
	rec := httptest.NewRecorder()
	r := withChiURLParam(newRequest(http.MethodPost, "/configurations/"+validID+"/run",
		map[string]any{"triggered_by": "ops@example.com"}), "id", validID)

	h.Run(rec, r)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NotNil(t, runner.lastRun)
	assert.Equal(t, "ops@example.com", runner.lastRun.TriggeredBy)
}

func TestConfigurationRun_AlreadyRunning(t *testing.T) {
	db := &handlerMockDB{}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFunc: handlerConfigScanFunc(activeConfiguration())})

	runner := &fakeRunner{runErr: backup.ErrAlreadyRunning}
	h := newConfigurationHandler(db, runner)
	rec := httptest.NewRecorder()
	r := withChiURLParam(newRequest(http.MethodPost, "/configurations/"+validID+"/run", nil), "id", validID)

	h.Run(rec, r)

	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decodeErrorResponse(rec)
	assert.Contains(t, body["error"], "already running")
}

func TestConfigurationRun_DeactivatedConfiguration(t *testing.T) {
	inactive := activeConfiguration()
	inactive.IsActive = false

	db := &handlerMockDB{}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFunc: handlerConfigScanFunc(inactive)})

	h := newConfigurationHandler(db, nil)
	rec := httptest.NewRecorder()
	r := withChiURLParam(newRequest(http.MethodPost, "/configurations/"+validID+"/run", nil), "id", validID)

	h.Run(rec, r)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// ---------- List ----------

func TestConfigurationList_Success(t *testing.T) {
	db := &handlerMockDB{}
	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(newMockRows(handlerConfigScanFunc(activeConfiguration())), nil)

	h := newConfigurationHandler(db, nil)
	rec := httptest.NewRecorder()

	h.List(rec, newRequest(http.MethodGet, "/configurations", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var configs []model.BackupConfiguration
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &configs))
	require.Len(t, configs, 1)
}
