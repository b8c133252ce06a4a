package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// controllerFixture mimics the daemon's control API closely enough for
// the client: a proxies listing with groups mixed in, a GLOBAL selector
// and a per-node delay endpoint.
func controllerFixture(t *testing.T, setActiveCalls *int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/proxies", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"proxies": map[string]interface{}{
				"GLOBAL": map[string]interface{}{"name": "GLOBAL", "type": "Selector", "now": "HK-01"},
				"DIRECT": map[string]interface{}{"name": "DIRECT", "type": "Direct"},
				"REJECT": map[string]interface{}{"name": "REJECT", "type": "Reject"},
				"HK-01": map[string]interface{}{
					"name": "HK-01", "type": "Shadowsocks",
					"udp": true, "history": []interface{}{}, // extra fields must be tolerated
				},
				"SG-01": map[string]interface{}{"name": "SG-01", "type": "Shadowsocks"},
			},
		})
	})

	mux.HandleFunc("/proxies/GLOBAL", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]interface{}{
				"name": "GLOBAL", "type": "Selector", "now": "HK-01",
			})
		case http.MethodPut:
			if setActiveCalls != nil {
				atomic.AddInt32(setActiveCalls, 1)
			}
			var body struct {
				Name string `json:"name"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			if body.Name != "HK-01" && body.Name != "SG-01" {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]string{"message": "proxy not exist"})
				return
			}
			w.WriteHeader(http.StatusNoContent)
		}
	})

	mux.HandleFunc("/proxies/HK-01/delay", func(w http.ResponseWriter, r *http.Request) {
		require.NotEmpty(t, r.URL.Query().Get("url"))
		require.NotEmpty(t, r.URL.Query().Get("timeout"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{"delay": 42})
	})
	mux.HandleFunc("/proxies/SG-01/delay", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestTimeout)
		json.NewEncoder(w).Encode(map[string]string{"message": "Timeout"})
	})
	mux.HandleFunc("/proxies/ghost/delay", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	mux.HandleFunc("/configs", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusMethodNotAllowed)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testClient(srv *httptest.Server) *Client {
	return NewClient(Config{
		ControllerURL: srv.URL,
		ProbeURL:      "https://www.google.com",
		Timeout:       2 * time.Second,
	})
}

func TestListProxiesExcludesGroups(t *testing.T) {
	srv := controllerFixture(t, nil)
	names, err := testClient(srv).ListProxies(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"HK-01", "SG-01"}, names)
}

func TestGetActive(t *testing.T) {
	srv := controllerFixture(t, nil)
	active, err := testClient(srv).GetActive(context.Background())
	require.NoError(t, err)
	require.Equal(t, "HK-01", active)
}

func TestSetActive(t *testing.T) {
	srv := controllerFixture(t, nil)
	require.NoError(t, testClient(srv).SetActive(context.Background(), "SG-01"))
}

func TestSetActiveUnknownNodeNotRetried(t *testing.T) {
	var calls int32
	srv := controllerFixture(t, &calls)

	err := testClient(srv).SetActive(context.Background(), "nope")
	require.ErrorIs(t, err, ErrUnknownNode)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls), "semantic rejection must not be retried")
}

func TestProbeDelay(t *testing.T) {
	srv := controllerFixture(t, nil)
	c := testClient(srv)

	delay, err := c.ProbeDelay(context.Background(), "HK-01", 3*time.Second)
	require.NoError(t, err)
	require.Equal(t, 42, delay)

	_, err = c.ProbeDelay(context.Background(), "SG-01", 3*time.Second)
	require.ErrorIs(t, err, ErrProbeTimeout)

	_, err = c.ProbeDelay(context.Background(), "ghost", 3*time.Second)
	require.ErrorIs(t, err, ErrProbeFailed)
}

func TestReloadConfig(t *testing.T) {
	srv := controllerFixture(t, nil)
	require.NoError(t, testClient(srv).ReloadConfig(context.Background()))
}

func TestBackendUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	controllerURL := srv.URL
	srv.Close()

	c := NewClient(Config{ControllerURL: controllerURL, Timeout: 500 * time.Millisecond})
	_, err := c.ListProxies(context.Background())
	require.ErrorIs(t, err, ErrBackendUnavailable)

	_, err = c.GetActive(context.Background())
	require.ErrorIs(t, err, ErrBackendUnavailable)
}

func TestSecretSentAsBearer(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]interface{}{"proxies": map[string]interface{}{}})
	}))
	t.Cleanup(srv.Close)

	c := NewClient(Config{ControllerURL: srv.URL, Secret: "s3cret", Timeout: time.Second})
	_, err := c.ListProxies(context.Background())
	require.NoError(t, err)
	require.Equal(t, "Bearer s3cret", gotAuth)
}
