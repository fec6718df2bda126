package handler

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stemsi/exstem-attempt/internal/config"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/response"
)

func TestAdminRoutesRequirePermission(t *testing.T) {
	env := newTestEnv(t)
	state := env.start(t, env.candidateToken(t, 7))
	path := "/api/v1/admin/attempts/" + state.AttemptID.String()

	tests := []struct {
		name   string
		token  string
		status int
		code   response.ErrCode
	}{
		{"candidate token", env.candidateToken(t, 7), http.StatusForbidden, response.ErrAdminAccessOnly},
		{"missing permission", env.adminToken(t, model.PermissionExamsCache), http.StatusForbidden, response.ErrPermissionDenied},
		{"granted", env.adminToken(t, model.PermissionAttemptsRead), http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, resp := env.do(t, http.MethodGet, path, tt.token, nil)
			if w.Code != tt.status || errCode(resp) != tt.code {
				t.Fatalf("got %d %s, want %d %s", w.Code, errCode(resp), tt.status, tt.code)
			}
		})
	}
}

func TestAdminExpireAttempt(t *testing.T) {
	env := newTestEnv(t)
	state := env.start(t, env.candidateToken(t, 7))
	tok := env.adminToken(t, model.PermissionAttemptsExpire, model.PermissionAttemptsRead)
	path := "/api/v1/admin/attempts/" + state.AttemptID.String() + "/expire"

	// Still in time: nothing happens.
	w, resp := env.do(t, http.MethodPost, path, tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expire in time: %d %s", w.Code, w.Body.String())
	}
	var out struct {
		Status  model.AttemptStatus `json:"status"`
		Version int64               `json:"version"`
	}
	json.Unmarshal(resp.Data, &out)
	if out.Status != model.AttemptStatusInProgress || out.Version != 1 {
		t.Fatalf("in-time expire changed the attempt: %+v", out)
	}

	env.clock.Advance(61 * time.Second)
	_, resp = env.do(t, http.MethodPost, path, tok, nil)
	json.Unmarshal(resp.Data, &out)
	if out.Status != model.AttemptStatusAutoSubmitted {
		t.Fatalf("status %s, want auto_submitted", out.Status)
	}

	w, resp = env.do(t, http.MethodPost, "/api/v1/admin/attempts/00000000-0000-0000-0000-000000000000/expire", tok, nil)
	if w.Code != http.StatusNotFound || errCode(resp) != response.ErrAttemptNotFound {
		t.Fatalf("unknown attempt: got %d %s", w.Code, errCode(resp))
	}
}

func TestAdminExamCache(t *testing.T) {
	env := newTestEnv(t)
	tok := env.adminToken(t, model.PermissionExamsCache)
	path := "/api/v1/admin/exams/" + env.exam.ID.String() + "/cache"
	key := config.CacheKey.ExamDefinitionKey(env.exam.ID.String())

	if w, _ := env.do(t, http.MethodPost, path, tok, nil); w.Code != http.StatusOK {
		t.Fatalf("warm: %d %s", w.Code, w.Body.String())
	}
	if !env.mr.Exists(key) {
		t.Fatal("definition not cached after warm")
	}

	if w, _ := env.do(t, http.MethodDelete, path, tok, nil); w.Code != http.StatusOK {
		t.Fatalf("invalidate: %d", w.Code)
	}
	if env.mr.Exists(key) {
		t.Fatal("definition still cached after invalidate")
	}

	w, resp := env.do(t, http.MethodPost, "/api/v1/admin/exams/00000000-0000-0000-0000-000000000000/cache", tok, nil)
	if w.Code != http.StatusNotFound || errCode(resp) != response.ErrExamNotFound {
		t.Fatalf("unknown exam: got %d %s", w.Code, errCode(resp))
	}
}
