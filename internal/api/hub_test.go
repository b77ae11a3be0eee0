package api_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carbontc/auction-engine/internal/api"
	"github.com/carbontc/auction-engine/internal/auction"
)

type warmRecorder struct {
	mu    sync.Mutex
	users []string
}

func (w *warmRecorder) WarmUpBalance(_ context.Context, userID string, _ time.Time) error {
	w.mu.Lock()
	w.users = append(w.users, userID)
	w.mu.Unlock()
	return nil
}

func (w *warmRecorder) warmed() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.users...)
}

func newHubServer(t *testing.T, warmer api.Warmer) (*api.Hub, string) {
	t.Helper()
	hub := api.NewHub(secret, warmer)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	r := chi.NewRouter()
	r.Get("/api/v1/ws", hub.HandleWS)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
}

func dial(t *testing.T, hub *api.Hub, url string) *websocket.Conn {
	t.Helper()
	before := hub.Clients()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return hub.Clients() > before }, time.Second, 5*time.Millisecond)
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) api.WSMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg api.WSMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestHub_FollowersReceiveTheirListing(t *testing.T) {
	hub, url := newHubServer(t, nil)
	following := dial(t, hub, url+"?listing_id=L1")
	other := dial(t, hub, url+"?listing_id=L2")

	require.NoError(t, hub.BidPlaced(context.Background(), auction.BidPlaced{ListingID: "L1", BidderID: "alice", Amount: d(100)}))
	require.NoError(t, hub.AuctionCompleted(context.Background(), auction.AuctionCompleted{ListingID: "L2"}))

	msg := readMessage(t, following)
	assert.Equal(t, api.TypeBidPlaced, msg.Type)
	assert.Equal(t, "L1", msg.ListingID)

	msg = readMessage(t, other)
	assert.Equal(t, api.TypeAuctionCompleted, msg.Type)
	assert.Equal(t, "L2", msg.ListingID)
}

func TestHub_OutbidGoesToPreviousWinner(t *testing.T) {
	warm := &warmRecorder{}
	hub, url := newHubServer(t, warm)
	bob := dial(t, hub, url+"?access_token="+token(t, "bob"))

	require.NoError(t, bob.WriteJSON(map[string]string{"action": "join", "listing_id": "L1"}))
	require.Eventually(t, func() bool { return len(warm.warmed()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"bob"}, warm.warmed())

	require.NoError(t, hub.BidPlaced(context.Background(), auction.BidPlaced{
		ListingID:      "L1",
		BidderID:       "alice",
		Amount:         d(200),
		PreviousBidder: "bob",
	}))

	assert.Equal(t, api.TypeBidPlaced, readMessage(t, bob).Type)
	assert.Equal(t, api.TypeUserOutbid, readMessage(t, bob).Type)
}

func TestHub_RejectsBadToken(t *testing.T) {
	_, url := newHubServer(t, nil)
	_, resp, err := websocket.DefaultDialer.Dial(url+"?access_token=garbage", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)
}
