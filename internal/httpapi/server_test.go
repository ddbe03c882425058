package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/streamcoord/coordinator/types"
)

// stubAPI implements API with canned behavior for handler tests.
type stubAPI struct {
	instances map[string]types.Instance
	granted   []string
	released  []string
}

func newStubAPI() *stubAPI {
	return &stubAPI{instances: make(map[string]types.Instance)}
}

func (s *stubAPI) Register(_ context.Context, serverID, address string, capacity int) (types.Instance, error) {
	if serverID == "" {
		return types.Instance{}, types.ErrInvalidServerID
	}
	if capacity < 1 {
		return types.Instance{}, fmt.Errorf("register %s: %w", serverID, types.ErrInvalidCapacity)
	}

	inst := types.Instance{ServerID: serverID, Address: address, Capacity: capacity, Status: types.InstanceActive}
	s.instances[serverID] = inst

	return inst, nil
}

func (s *stubAPI) Heartbeat(_ context.Context, serverID string, _ int, status types.InstanceStatus) error {
	if status != "" && !status.Valid() {
		return types.ErrInvalidStatus
	}
	if _, ok := s.instances[serverID]; !ok {
		return types.ErrInstanceNotFound
	}

	return nil
}

func (s *stubAPI) RequestAssignment(_ context.Context, serverID string, _ int) ([]string, error) {
	if _, ok := s.instances[serverID]; !ok {
		return nil, types.ErrInstanceNotFound
	}

	return s.granted, nil
}

func (s *stubAPI) Release(_ context.Context, itemID, serverID string) error {
	s.released = append(s.released, itemID+"/"+serverID)
	return nil
}

func (s *stubAPI) ListInstances(context.Context) ([]types.InstanceSummary, error) {
	summaries := make([]types.InstanceSummary, 0, len(s.instances))
	for _, inst := range s.instances {
		summaries = append(summaries, types.InstanceSummary{Instance: inst})
	}

	return summaries, nil
}

func (s *stubAPI) EligibleInstances(context.Context) ([]types.Instance, error) {
	return nil, nil
}

func (s *stubAPI) Status(context.Context) (types.SystemStatus, error) {
	return types.SystemStatus{
		Instances: types.InstanceCounts{Active: len(s.instances), Total: len(s.instances)},
	}, nil
}

func (s *stubAPI) Reconcile(context.Context) (int, error) { return 2, nil }
func (s *stubAPI) Rebalance(context.Context) (int, error) { return 3, nil }

func newTestServer(t *testing.T) (*stubAPI, *httptest.Server) {
	t.Helper()

	api := newStubAPI()
	ts := httptest.NewServer(NewServer(api, "", nil).Router())
	t.Cleanup(ts.Close)

	return api, ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()

	payload, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(url, contentTypeJSON, bytes.NewReader(payload))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	return resp
}

func TestServer_Register(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/instances/register", registerRequest{
		ServerID: "worker-a", Address: "10.0.0.1:9000", Capacity: 10,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var inst types.Instance
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&inst))
	require.Equal(t, "worker-a", inst.ServerID)
}

func TestServer_RegisterValidation(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/instances/register", registerRequest{ServerID: "", Capacity: 10})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/v1/instances/register", registerRequest{ServerID: "worker-a", Capacity: 0})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_MalformedBody(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/v1/instances/register", contentTypeJSON, bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_HeartbeatUnknownInstance(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/instances/ghost/heartbeat", heartbeatRequest{ReportedLoad: 1})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_RequestAssignment(t *testing.T) {
	t.Parallel()
	api, ts := newTestServer(t)
	api.instances["worker-a"] = types.Instance{ServerID: "worker-a"}
	api.granted = []string{"stream-1", "stream-2"}

	resp := postJSON(t, ts.URL+"/v1/assignments/request", assignmentRequest{ServerID: "worker-a", Count: 2})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body grantedResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, []string{"stream-1", "stream-2"}, body.Granted)
}

func TestServer_RequestAssignmentEmptyIsNotNull(t *testing.T) {
	t.Parallel()
	api, ts := newTestServer(t)
	api.instances["worker-a"] = types.Instance{ServerID: "worker-a"}

	resp := postJSON(t, ts.URL+"/v1/assignments/request", assignmentRequest{ServerID: "worker-a", Count: 2})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var raw map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	require.JSONEq(t, "[]", string(raw["granted"]))
}

func TestServer_ReleaseRequiresIDs(t *testing.T) {
	t.Parallel()
	api, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/assignments/release", releaseRequest{ItemID: "", ServerID: "worker-a"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Empty(t, api.released)

	resp = postJSON(t, ts.URL+"/v1/assignments/release", releaseRequest{ItemID: "stream-1", ServerID: "worker-a"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []string{"stream-1/worker-a"}, api.released)
}

func TestServer_StatusAndCounts(t *testing.T) {
	t.Parallel()
	api, ts := newTestServer(t)
	api.instances["worker-a"] = types.Instance{ServerID: "worker-a"}

	resp, err := http.Get(ts.URL + "/v1/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status types.SystemStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	require.Equal(t, 1, status.Instances.Active)
}

func TestServer_ReconcileAndRebalance(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/reconcile", struct{}{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var count countResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&count))
	require.Equal(t, 2, count.Count)

	resp = postJSON(t, ts.URL+"/v1/rebalance", struct{}{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&count))
	require.Equal(t, 3, count.Count)
}

func TestServer_Health(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
