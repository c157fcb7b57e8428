package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/adwski/voyeurs/backend/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticRoom model.Room

func (r staticRoom) Snapshot() model.Room {
	return model.Room(r)
}

func TestServer_Room(t *testing.T) {
	logger := zerolog.Nop()
	srv := NewServer(Config{
		Logger: &logger,
		RoomService: staticRoom{
			Ready: true,
			Participants: []model.Participant{
				{Addr: "10.0.0.2:4000", Username: "bob", Ready: true, LatencyMillis: 12},
				{Addr: "10.0.0.3:4000"},
			},
		},
	})

	tests := []struct {
		name       string
		method     string
		origin     string
		wantStatus int
		wantCORS   string
	}{
		{name: "get", method: http.MethodGet, wantStatus: http.StatusOK},
		{name: "get cross origin", method: http.MethodGet, origin: "http://localhost:3000", wantStatus: http.StatusOK, wantCORS: "*"},
		{name: "post", method: http.MethodPost, wantStatus: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/room", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()
			srv.Handler.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantCORS, w.Header().Get("Access-Control-Allow-Origin"))
			if tt.wantStatus != http.StatusOK {
				return
			}

			var resp struct {
				Data model.Room `json:"data"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.True(t, resp.Data.Ready)
			require.Len(t, resp.Data.Participants, 2)
			assert.Equal(t, "bob", resp.Data.Participants[0].Username)
			assert.Equal(t, int64(12), resp.Data.Participants[0].LatencyMillis)
		})
	}
}

func TestServer_Preflight(t *testing.T) {
	logger := zerolog.Nop()
	srv := NewServer(Config{Logger: &logger, RoomService: staticRoom{}})

	req := httptest.NewRequest(http.MethodOptions, "/api/room", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	w := httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), http.MethodGet)
}
