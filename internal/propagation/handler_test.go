package propagation_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharepool/sharepool/internal/propagation"
)

func newTestRouter(f *fixture) http.Handler {
	r := chi.NewRouter()
	r.Route("/sessions", propagation.NewHandler(nil, f.service).MountRoutes)
	return r
}

func TestHandlerPropagate(t *testing.T) {
	f := newFixture(t, 6)
	f.seedJanuary()
	router := newTestRouter(f)

	req := httptest.NewRequest(http.MethodPost, "/sessions/"+f.sessionID.String()+"/propagate", strings.NewReader(`{"horizon":2}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body struct {
		Created []string `json:"created"`
		Done    bool     `json:"done"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{"2025-02", "2025-03"}, body.Created)
	assert.True(t, body.Done)
}

func TestHandlerPropagateAcceptsPendingRun(t *testing.T) {
	f := newFixture(t, 6)
	f.seedJanuary()
	router := newTestRouter(f)

	req := httptest.NewRequest(http.MethodPost, "/sessions/"+f.sessionID.String()+"/propagate", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"status":"PENDING"`)
	assert.Contains(t, rec.Body.String(), `"next":"2025-05"`)

	req = httptest.NewRequest(http.MethodDelete, "/sessions/"+f.sessionID.String()+"/propagate", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandlerPropagateRejectsHorizon(t *testing.T) {
	f := newFixture(t, 6)
	router := newTestRouter(f)

	req := httptest.NewRequest(http.MethodPost, "/sessions/"+f.sessionID.String()+"/propagate", strings.NewReader(`{"horizon":30}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodDelete, "/sessions/"+f.sessionID.String()+"/propagate", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
