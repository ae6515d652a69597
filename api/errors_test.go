package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/hris-approvals/approval"
)

func TestWriteDomainError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantRetry  bool
		wantDetail bool
	}{
		{"not found", &approval.NotFoundError{Kind: "approval_request", ID: "x"}, http.StatusNotFound, false, true},
		{"forbidden", &approval.ForbiddenError{ActorID: "X", ApprovalID: "a", Reason: "not the approver"}, http.StatusForbidden, false, true},
		{"transition", &approval.TransitionError{Entity: "approval_request", ID: "a", From: "approved", To: "approved"}, http.StatusConflict, false, true},
		{"validation", approval.Invalid("approver_id", "required"), http.StatusBadRequest, false, true},
		{"concurrent", fmt.Errorf("approve: %w", approval.ErrConcurrentModification), http.StatusServiceUnavailable, true, true},
		{"duplicate level", approval.ErrDuplicatePendingLevel, http.StatusServiceUnavailable, true, true},
		{"busy", approval.ErrStoreBusy, http.StatusServiceUnavailable, true, true},
		{"configuration", &approval.ConfigurationError{Err: approval.ErrRoleNotResolved}, http.StatusInternalServerError, false, true},
		{"internal", errors.New("disk on fire"), http.StatusInternalServerError, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeDomainError(rec, zerolog.Nop(), tt.err)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			if tt.wantRetry {
				assert.Equal(t, "1", rec.Header().Get("Retry-After"))
			} else {
				assert.Empty(t, rec.Header().Get("Retry-After"))
			}

			var body ErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.NotEmpty(t, body.Error)
			// internal errors never leak their cause
			assert.Equal(t, tt.wantDetail, body.Details != "")
		})
	}
}
