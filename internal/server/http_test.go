package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"testing"

	"wappsender/internal/gateway"
	"wappsender/internal/session"
)

type stubLister struct {
	groups []gateway.Group
}

func (s *stubLister) FetchGroups(ctx context.Context) ([]gateway.Group, error) {
	return s.groups, nil
}

func startTestServer(t *testing.T, sess *session.Session, groups []gateway.Group) *Server {
	t.Helper()
	cache := gateway.NewGroupCache(&stubLister{groups: groups}, slog.New(slog.DiscardHandler))
	srv := New(Config{Addr: "127.0.0.1:0"}, cache, sess, slog.New(slog.DiscardHandler))
	srv.Start(context.Background())
	if srv.Addr() == "" {
		t.Fatal("server did not start")
	}
	t.Cleanup(func() { srv.Stop(context.Background()) })
	return srv
}

func TestHealthReportsProgress(t *testing.T) {
	t.Parallel()
	sess := session.New("pw", nil)
	if err := sess.TryBeginRun(4); err != nil {
		t.Fatal(err)
	}
	sess.MarkSent()

	srv := startTestServer(t, sess, nil)
	resp, err := http.Get("http://" + srv.Addr() + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body struct {
		Status   string `json:"status"`
		InFlight bool   `json:"in_flight"`
		Sent     int    `json:"sent"`
		Total    int    `json:"total"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" || !body.InFlight || body.Sent != 1 || body.Total != 4 {
		t.Fatalf("body = %+v", body)
	}
}

func TestCacheClearReturnsListing(t *testing.T) {
	t.Parallel()
	sess := session.New("pw", nil)
	sess.SetExcluded([]string{"g2"})
	srv := startTestServer(t, sess, []gateway.Group{{ID: "g1", Name: "One"}, {ID: "g2", Name: "Two"}})

	resp, err := http.Get("http://" + srv.Addr() + "/cache/clear")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body struct {
		Groups   []gateway.Group `json:"groups"`
		Excluded []string        `json:"excluded"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Groups) != 2 || len(body.Excluded) != 1 || body.Excluded[0] != "g2" {
		t.Fatalf("body = %+v", body)
	}
}
