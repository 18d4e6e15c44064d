package mocktarget

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faultline/faultline/pkg/target"
)

func newTestClient(t *testing.T, server *Server) *target.Client {
	t.Helper()
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return target.NewClient(target.Endpoint{
		Name:       "mock",
		BaseURL:    ts.URL,
		HealthPath: "/health",
	}, time.Second)
}

func TestHealthEndpoint(t *testing.T) {
	server := NewServer("user-service")
	client := newTestClient(t, server)

	info, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", info.Status)
	assert.Equal(t, "user-service", info.Service)
	assert.Equal(t, server.Instance(), info.Instance)
}

func TestHealthToggle(t *testing.T) {
	server := NewServer("user-service")
	client := newTestClient(t, server)

	server.SetHealthy(false)
	_, err := client.Health(context.Background())
	require.Error(t, err)

	var statusErr *target.StatusError
	assert.ErrorAs(t, err, &statusErr)

	server.SetHealthy(true)
	_, err = client.Health(context.Background())
	assert.NoError(t, err)
}

func TestCreateAndGetRecord(t *testing.T) {
	server := NewServer("user-service", "users")
	client := newTestClient(t, server)
	ctx := context.Background()

	id, err := client.CreateRecord(ctx, "users", map[string]interface{}{
		"name":  "alice",
		"email": "alice@example.com",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	record, err := client.GetRecord(ctx, "users", id)
	require.NoError(t, err)
	assert.Equal(t, "alice", record["name"])
	assert.Equal(t, "alice@example.com", record["email"])
	assert.Equal(t, id, record["id"])
}

func TestGetMissingRecord(t *testing.T) {
	server := NewServer("user-service", "users")
	client := newTestClient(t, server)

	_, err := client.GetRecord(context.Background(), "users", "nope")
	assert.ErrorIs(t, err, target.ErrMissingRecord)
}

func TestResetDropsRecords(t *testing.T) {
	server := NewServer("user-service", "users")
	client := newTestClient(t, server)
	ctx := context.Background()

	id, err := client.CreateRecord(ctx, "users", map[string]interface{}{"name": "bob"})
	require.NoError(t, err)

	server.Reset()

	_, err = client.GetRecord(ctx, "users", id)
	assert.ErrorIs(t, err, target.ErrMissingRecord)
}

func TestMultipleResources(t *testing.T) {
	server := NewServer("gateway", "users", "orders")
	client := newTestClient(t, server)
	ctx := context.Background()

	userID, err := client.CreateRecord(ctx, "users", map[string]interface{}{"name": "carol"})
	require.NoError(t, err)

	orderID, err := client.CreateRecord(ctx, "orders", map[string]interface{}{"item": "widget", "quantity": 3})
	require.NoError(t, err)

	// Resources are isolated stores
	_, err = client.GetRecord(ctx, "orders", userID)
	assert.ErrorIs(t, err, target.ErrMissingRecord)

	order, err := client.GetRecord(ctx, "orders", orderID)
	require.NoError(t, err)
	assert.Equal(t, "widget", order["item"])
}
