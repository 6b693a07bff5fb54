package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/edvin/dbvault/internal/core"
	"github.com/edvin/dbvault/internal/dispatch"
	"github.com/edvin/dbvault/internal/model"
)

func newBackupHandler() (*Backup, *mockOwners, *mockDispatcher) {
	owners := new(mockOwners)
	d := new(mockDispatcher)
	return NewBackup(owners, d), owners, d
}

func TestBackupExecute_Sent(t *testing.T) {
	h, owners, d := newBackupHandler()
	owners.On("Owner", mock.Anything, "job", validID).Return(testUser, nil)
	d.On("ExecuteBackup", mock.Anything, validID).Return(&dispatch.ExecuteResult{
		Status: dispatch.StatusSentToAgent, HistoryID: "h-1", AgentID: machineID,
	}, nil)

	rec := httptest.NewRecorder()
	r := withChiURLParam(newRequest(http.MethodPost, "/backup-jobs/"+validID+"/execute", nil), "id", validID)
	h.Execute(rec, r)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	var res dispatch.ExecuteResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, dispatch.StatusSentToAgent, res.Status)
	assert.Equal(t, "h-1", res.HistoryID)
}

func TestBackupExecute_Skipped(t *testing.T) {
	h, owners, d := newBackupHandler()
	owners.On("Owner", mock.Anything, "job", validID).Return(testUser, nil)
	d.On("ExecuteBackup", mock.Anything, validID).Return(&dispatch.ExecuteResult{Status: dispatch.StatusSkipped, HistoryID: "h-2"}, nil)

	rec := httptest.NewRecorder()
	r := withChiURLParam(newRequest(http.MethodPost, "/backup-jobs/"+validID+"/execute", nil), "id", validID)
	h.Execute(rec, r)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), dispatch.StatusSkipped)
}

func TestBackupExecute_Errors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"already running", dispatch.ErrAlreadyRunning, http.StatusConflict},
		{"no agent", dispatch.ErrNoAgent, http.StatusBadRequest},
		{"missing key", fmt.Errorf("backup job x: %w", dispatch.ErrMissingKey), http.StatusBadRequest},
		{"job missing", fmt.Errorf("get backup job x: %w", core.ErrNotFound), http.StatusNotFound},
		{"push failed", fmt.Errorf("%w: broken pipe", dispatch.ErrPushFailed), http.StatusBadGateway},
		{"store error", errors.New("connection reset"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, owners, d := newBackupHandler()
			owners.On("Owner", mock.Anything, "job", validID).Return(testUser, nil)
			d.On("ExecuteBackup", mock.Anything, validID).Return(nil, tt.err)

			rec := httptest.NewRecorder()
			r := withChiURLParam(newRequest(http.MethodPost, "/backup-jobs/"+validID+"/execute", nil), "id", validID)
			h.Execute(rec, r)

			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, tt.err.Error(), decodeErrorResponse(rec)["error"])
		})
	}
}

func TestBackupExecute_NotOwner(t *testing.T) {
	h, owners, d := newBackupHandler()
	owners.On("Owner", mock.Anything, "job", validID).Return(otherUser, nil)

	rec := httptest.NewRecorder()
	r := withChiURLParam(newRequest(http.MethodPost, "/backup-jobs/"+validID+"/execute", nil), "id", validID)
	h.Execute(rec, r)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	d.AssertNotCalled(t, "ExecuteBackup", mock.Anything, mock.Anything)
}

func TestBackupExecute_UnknownJob(t *testing.T) {
	h, owners, _ := newBackupHandler()
	owners.On("Owner", mock.Anything, "job", validID).Return("", fmt.Errorf("get owner of job %s: %w", validID, core.ErrNotFound))

	rec := httptest.NewRecorder()
	r := withChiURLParam(newRequest(http.MethodPost, "/backup-jobs/"+validID+"/execute", nil), "id", validID)
	h.Execute(rec, r)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBackupExecute_EmptyID(t *testing.T) {
	h, _, _ := newBackupHandler()

	rec := httptest.NewRecorder()
	r := withChiURLParam(newRequest(http.MethodPost, "/backup-jobs//execute", nil), "id", "")
	h.Execute(rec, r)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeErrorResponse(rec)["error"], "missing required ID")
}

func TestBackupRestore(t *testing.T) {
	h, owners, d := newBackupHandler()
	owners.On("Owner", mock.Anything, "backup", validID).Return(testUser, nil)
	d.On("Restore", mock.Anything, validID).Return(&dispatch.RestoreResult{
		Status: dispatch.StatusSentToAgent, RestoreHistoryID: "r-1", AgentID: machineID,
	}, nil)

	rec := httptest.NewRecorder()
	r := withChiURLParam(newRequest(http.MethodPost, "/backups/"+validID+"/restore", nil), "id", validID)
	h.Restore(rec, r)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"restore_history_id":"r-1"`)
}

func TestBackupRestore_Errors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"offline", dispatch.ErrAgentOffline, http.StatusServiceUnavailable},
		{"not successful", dispatch.ErrNotSuccessful, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, owners, d := newBackupHandler()
			owners.On("Owner", mock.Anything, "backup", validID).Return(testUser, nil)
			d.On("Restore", mock.Anything, validID).Return(nil, tt.err)

			rec := httptest.NewRecorder()
			r := withChiURLParam(newRequest(http.MethodPost, "/backups/"+validID+"/restore", nil), "id", validID)
			h.Restore(rec, r)

			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestBackupVerify_NormalizesLevel(t *testing.T) {
	h, owners, d := newBackupHandler()
	owners.On("Owner", mock.Anything, "backup", validID).Return(testUser, nil)
	d.On("Verify", mock.Anything, validID, model.LevelDatabase).Return(&model.VerificationReport{
		VerificationMethod: model.LevelDatabase,
		OverallStatus:      model.VerificationPassed,
	}, nil)

	rec := httptest.NewRecorder()
	r := withChiURLParam(newRequest(http.MethodPost, "/backups/"+validID+"/verify", map[string]any{"level": "database"}), "id", validID)
	h.Verify(rec, r)

	assert.Equal(t, http.StatusOK, rec.Code)
	var report model.VerificationReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, model.VerificationPassed, report.OverallStatus)
	d.AssertExpectations(t)
}

func TestBackupVerify_Errors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"offline", dispatch.ErrAgentOffline, http.StatusServiceUnavailable},
		{"timeout", dispatch.ErrTimeout, http.StatusGatewayTimeout},
		{"agent failure", fmt.Errorf("%w: download backup: 404", dispatch.ErrRequestFailed), http.StatusBadGateway},
		{"already pending", fmt.Errorf("verification of h: %w", dispatch.ErrDuplicateRequest), http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, owners, d := newBackupHandler()
			owners.On("Owner", mock.Anything, "backup", validID).Return(testUser, nil)
			d.On("Verify", mock.Anything, validID, model.LevelBasic).Return(nil, tt.err)

			rec := httptest.NewRecorder()
			r := withChiURLParam(newRequest(http.MethodPost, "/backups/"+validID+"/verify", map[string]any{"level": "BASIC"}), "id", validID)
			h.Verify(rec, r)

			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, tt.err.Error(), decodeErrorResponse(rec)["error"])
		})
	}
}

func TestBackupVerify_InvalidLevel(t *testing.T) {
	h, owners, _ := newBackupHandler()

	rec := httptest.NewRecorder()
	r := withChiURLParam(newRequest(http.MethodPost, "/backups/"+validID+"/verify", map[string]any{"level": "PARANOID"}), "id", validID)
	h.Verify(rec, r)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	owners.AssertNotCalled(t, "Owner", mock.Anything, mock.Anything, mock.Anything)
}
