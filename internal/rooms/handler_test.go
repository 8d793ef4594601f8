package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/models"
)

type memRooms struct {
	rows []models.RoomSnapshot
	err  error
}

func (m *memRooms) GetByID(_ context.Context, id string) (*models.RoomSnapshot, error) {
	for i := range m.rows {
		if m.rows[i].ID == id {
			return &m.rows[i], nil
		}
	}
	return nil, m.err
}

func (m *memRooms) ListTop(_ context.Context, _ int) ([]models.RoomSnapshot, error) {
	return m.rows, m.err
}

func roomsRouter(store Store) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewHandler(store)
	r := gin.New()
	r.GET("/rooms", h.ListTop)
	r.GET("/rooms/:id", h.Get)
	return r
}

func get(r http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestRoomEndpoints(t *testing.T) {
	store := &memRooms{rows: []models.RoomSnapshot{
		{ID: "1AAA", URL: "https://x.com/i/spaces/1AAA", PeakListeners: 900},
		{ID: "1BBB", URL: "https://x.com/i/spaces/1BBB", PeakListeners: 10},
	}}
	r := roomsRouter(store)

	w := get(r, "/rooms?limit=5")
	if w.Code != http.StatusOK {
		t.Fatalf("list code = %d", w.Code)
	}
	var list struct {
		Data []models.RoomSnapshot `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Data) != 2 || list.Data[0].ID != "1AAA" {
		t.Fatalf("list = %+v", list.Data)
	}

	if w := get(r, "/rooms/1BBB"); w.Code != http.StatusOK {
		t.Fatalf("get code = %d", w.Code)
	}
	if w := get(r, "/rooms/nope"); w.Code != http.StatusNotFound {
		t.Fatalf("missing room code = %d", w.Code)
	}
}

func TestRoomListEmptyAndError(t *testing.T) {
	w := get(roomsRouter(&memRooms{}), "/rooms")
	if w.Code != http.StatusOK || w.Body.String() != `{"success":true,"data":[]}` {
		t.Fatalf("empty list = %d %s", w.Code, w.Body.String())
	}

	w = get(roomsRouter(&memRooms{err: errors.New("db down")}), "/rooms")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("error code = %d", w.Code)
	}
}
