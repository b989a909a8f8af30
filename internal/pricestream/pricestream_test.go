package pricestream

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridbot/pkg/logging"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{})                       {}
func (nopLogger) Info(string, ...interface{})                        {}
func (nopLogger) Warn(string, ...interface{})                        {}
func (nopLogger) Error(string, ...interface{})                       {}
func (nopLogger) Fatal(string, ...interface{})                       {}
func (n nopLogger) WithField(string, interface{}) logging.Logger     { return n }
func (n nopLogger) WithFields(map[string]interface{}) logging.Logger { return n }

var upgrader = websocket.Upgrader{}

func tickerServer(t *testing.T, prices []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for _, p := range prices {
			if err := conn.WriteJSON(map[string]string{"c": p}); err != nil {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		time.Sleep(50 * time.Millisecond)
	}))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestCurrentPriceUnsetBeforeFirstTick(t *testing.T) {
	s := New("ws://127.0.0.1:1/nonexistent", nopLogger{})
	_, ok := s.CurrentPrice()
	assert.False(t, ok)
}

func TestStreamUpdatesCurrentPriceFromTicks(t *testing.T) {
	server := tickerServer(t, []string{"100.5", "101.25"})
	defer server.Close()

	s := New(wsURL(server.URL), nopLogger{})
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		price, ok := s.CurrentPrice()
		return ok && price.String() == "101.25"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStreamIgnoresMalformedMessages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		conn.WriteJSON(map[string]string{"c": "42.0"})
		time.Sleep(50 * time.Millisecond)
	}))
	defer server.Close()

	s := New(wsURL(server.URL), nopLogger{})
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		price, ok := s.CurrentPrice()
		return ok && price.String() == "42"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStopStopsBackgroundLoop(t *testing.T) {
	server := tickerServer(t, []string{"1"})
	defer server.Close()

	s := New(wsURL(server.URL), nopLogger{})
	s.Start()
	time.Sleep(20 * time.Millisecond)
	s.Stop()

	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	assert.Nil(t, conn)
}
