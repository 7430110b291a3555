package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expectline/internal/config"
	"expectline/internal/db"
	"expectline/internal/engine"
	"expectline/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	e := engine.New(conn, config.Default())
	e.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowActorHeader: true},
	})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	s := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(s.Close)
	return s
}

var asTester = map[string]string{"X-Actor-Id": "tester"}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func seedGroup(t *testing.T, srv *testServer) map[string]ExpectationResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/expectations", map[string]any{
		"inject_id": "inj-1",
		"type":      "DETECTION",
		"asset_groups": []map[string]any{{
			"asset_group_id": "G",
			"assets":         []map[string]any{{"asset_id": "A", "agent_ids": []string{"x", "y"}}},
		}},
	}, asTester)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var created expectationList
	require.NoError(t, json.Unmarshal(data, &created))
	require.Len(t, created.Items, 4)
	byRole := map[string]ExpectationResponse{}
	for _, item := range created.Items {
		key := item.Role
		if item.AgentID != nil {
			key += ":" + *item.AgentID
		}
		byRole[key] = item
	}
	return byRole
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv := newTestServer(t)
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/expectations", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, "unauthorized", env.Error.Code)
}

func TestObservationPropagatesOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	recs := seedGroup(t, srv)

	for _, agent := range []string{"AGENT:x", "AGENT:y"} {
		res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v1/expectations/"+recs[agent].ID+"/results/edr", map[string]any{
			"score":       100,
			"source_name": "EDR",
		}, asTester)
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/expectations/"+recs["ASSET_GROUP"].ID, nil, asTester)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var group ExpectationResponse
	require.NoError(t, json.Unmarshal(data, &group))
	require.NotNil(t, group.Score)
	assert.Equal(t, 100.0, *group.Score)
	assert.Equal(t, "Detected", group.Label)
}

func TestWriteOnAggregateIsUnprocessable(t *testing.T) {
	srv := newTestServer(t)
	recs := seedGroup(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v1/expectations/"+recs["ASSET"].ID+"/results/edr", map[string]any{"score": 100}, asTester)
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, "not_permitted_at_level", env.Error.Code)
	assert.Equal(t, recs["ASSET"].ID, env.Error.Details["expectation_id"])
}

func TestUnknownExpectationIsNotFound(t *testing.T) {
	srv := newTestServer(t)
	res, _ := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v1/expectations/nope/results/edr", map[string]any{"score": 1}, asTester)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestBulkAndDeleteResult(t *testing.T) {
	srv := newTestServer(t)
	recs := seedGroup(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/expectations/results:bulk", map[string]any{
		"items": []map[string]any{
			{"expectation_id": recs["AGENT:x"].ID, "source_id": "edr", "score": 100},
			{"expectation_id": recs["AGENT:y"].ID, "source_id": "edr", "score": 100},
		},
	}, asTester)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v1/expectations/"+recs["AGENT:y"].ID+"/results/edr", nil, asTester)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/expectations?inject_id=inj-1&resolved=false", nil, asTester)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var page paginatedExpectations
	require.NoError(t, json.Unmarshal(data, &page))
	assert.Len(t, page.Items, 3, "y, its asset and the group are pending again")
}

func TestVerdictUsesBearerSubject(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/expectations", map[string]any{
		"inject_id": "inj-2",
		"type":      "TEXT",
		"teams":     []map[string]any{{"team_id": "blue", "user_ids": []string{"u1"}}},
	}, asTester)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var created expectationList
	require.NoError(t, json.Unmarshal(data, &created))
	var playerID string
	for _, item := range created.Items {
		if item.Role == "PLAYER" {
			playerID = item.ID
		}
	}
	require.NotEmpty(t, playerID)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "grader-7"}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	res, data = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v1/expectations/"+playerID+"/verdict", map[string]any{"score": 100},
		map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var got ExpectationResponse
	require.NoError(t, json.Unmarshal(data, &got))
	require.Len(t, got.Results, 1)
	assert.Equal(t, "grader-7", got.Results[0].SourceID)

	res, _ = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v1/expectations/"+playerID+"/verdict", map[string]any{"score": 100},
		map[string]string{"Authorization": "Bearer not-a-token"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestSweepAndSignatures(t *testing.T) {
	srv := newTestServer(t)
	recs := seedGroup(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/injects/inj-1/agents/x/signatures", map[string]any{
		"kind": "end",
		"at":   "2023-12-31T23:00:00Z",
	}, asTester)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/expectations/sweep", map[string]any{"type": "DETECTION"}, asTester)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var sweep sweepResponse
	require.NoError(t, json.Unmarshal(data, &sweep))
	require.Len(t, sweep.Reports, 1)
	assert.Equal(t, 1, sweep.Reports[0].Expired)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/expectations/"+recs["ASSET"].ID, nil, asTester)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var asset ExpectationResponse
	require.NoError(t, json.Unmarshal(data, &asset))
	require.NotNil(t, asset.Score)
	assert.Equal(t, 0.0, *asset.Score)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/injects/inj-1/events?type=expectation.expired", nil, asTester)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var events paginatedEvents
	require.NoError(t, json.Unmarshal(data, &events))
	require.Len(t, events.Items, 1)
	assert.Equal(t, recs["AGENT:x"].ID, events.Items[0].EntityID)
}

func TestDeleteInject(t *testing.T) {
	srv := newTestServer(t)
	seedGroup(t, srv)
	res, data := doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v1/injects/inj-1/expectations", nil, asTester)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var body map[string]any
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, 4.0, body["deleted"])
}

func TestOpenAPIServedConcurrently(t *testing.T) {
	srv := newTestServer(t)
	var wg sync.WaitGroup
	bodies := make([][]byte, 8)
	for i := range bodies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := srv.Client().Get(srv.URL + "/v1/openapi.json")
			if err != nil {
				return
			}
			defer res.Body.Close()
			bodies[i], _ = io.ReadAll(res.Body)
		}(i)
	}
	wg.Wait()
	for _, b := range bodies {
		require.NotEmpty(t, b)
		assert.Equal(t, string(bodies[0]), string(b))
	}
	var doc map[string]any
	require.NoError(t, json.Unmarshal(bodies[0], &doc))
	assert.Contains(t, doc, "paths")
}
