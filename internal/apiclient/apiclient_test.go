package apiclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/priceflow/batchflow/internal/jobstore"
)

type samplePayload struct {
	Filename string `json:"filename"`
	IsLast   bool   `json:"isLast"`
}

func TestSendAttachesAuthHeadersAndBody(t *testing.T) {
	var gotAPIKey, gotAuth, gotContentType string
	var gotBody samplePayload

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAPIKey = r.Header.Get("X-API-Key")
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(apiEnvelope{Success: true})
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL, APIKey: "key-123", Bearer: "token-456"})
	resp, err := client.Send(context.Background(), Request{Path: "/batches", Body: samplePayload{Filename: "a.csv", IsLast: true}})
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Equal(t, "key-123", gotAPIKey)
	require.Equal(t, "Bearer token-456", gotAuth)
	require.Equal(t, "application/json", gotContentType)
	require.Equal(t, samplePayload{Filename: "a.csv", IsLast: true}, gotBody)
}

func TestSendNon2xxIsIntegrationError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL})
	resp, err := client.Send(context.Background(), Request{Path: "/batches", Body: samplePayload{}})
	require.Error(t, err)
	require.Equal(t, jobstore.KindIntegration, jobstore.KindOf(err))
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestSend2xxWithSuccessFalseIsIntegrationError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(apiEnvelope{Success: false})
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL})
	resp, err := client.Send(context.Background(), Request{Path: "/batches", Body: samplePayload{}})
	require.Error(t, err)
	require.Equal(t, jobstore.KindIntegration, jobstore.KindOf(err))
	require.False(t, resp.Success)
}

func TestSendTransportFailureIsIntegrationError(t *testing.T) {
	client := New(Config{BaseURL: "http://127.0.0.1:1"})
	_, err := client.Send(context.Background(), Request{Path: "/batches", Body: samplePayload{}})
	require.Error(t, err)
	require.Equal(t, jobstore.KindIntegration, jobstore.KindOf(err))
}

func TestSendInvalidBodyIsValidationError(t *testing.T) {
	client := New(Config{BaseURL: "http://example.invalid"})
	_, err := client.Send(context.Background(), Request{Path: "/batches", Body: make(chan int)})
	require.Error(t, err)
	require.Equal(t, jobstore.KindValidation, jobstore.KindOf(err))
}
