package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"deskmail/pkg/credential"
	"deskmail/pkg/models"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/suite"
)

const testToken = "launch-token"

// ClientTestSuite runs the client against an httptest backend.
type ClientTestSuite struct {
	suite.Suite
	mux       *http.ServeMux
	server    *httptest.Server
	client    *HTTPClient
	tokenHits atomic.Int32
}

func (s *ClientTestSuite) SetupTest() {
	s.mux = http.NewServeMux()
	s.tokenHits.Store(0)
	s.mux.HandleFunc("GET /api/auth/token", func(w http.ResponseWriter, r *http.Request) {
		s.tokenHits.Add(1)
		writeJSON(w, http.StatusOK, map[string]string{"token": testToken})
	})
	s.server = httptest.NewServer(s.requireToken(s.mux))
	s.client = New(models.MustEndpoint(s.server.URL), Options{
		RetryMax:     1,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: time.Millisecond,
	})
}

func (s *ClientTestSuite) TearDownTest() {
	s.server.Close()
}

func (s *ClientTestSuite) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/auth/token" && r.Header.Get(SessionTokenHeader) != testToken {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"code": "UNAUTHORIZED", "message": "invalid session token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *ClientTestSuite) TestListAccountsBootstrapsTokenOnce() {
	s.mux.HandleFunc("GET /api/email/auth/status", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"connected":true,"accounts":[{"id":"a1","email":"me@example.com","provider":"gmail","last_sync":"2026-01-02T03:04:05Z"},{"id":"a2","email":"me@work.example","provider":"imap"}]}`))
	})

	accounts, err := s.client.ListAccounts(context.Background())
	s.Require().NoError(err)
	s.Require().Len(accounts, 2)
	s.Equal("a1", accounts[0].ID)
	s.Require().NotNil(accounts[0].LastSync)
	s.Equal(2026, accounts[0].LastSync.Year())
	s.Nil(accounts[1].LastSync)

	_, err = s.client.ListAccounts(context.Background())
	s.Require().NoError(err)
	s.Equal(int32(1), s.tokenHits.Load())
}

func (s *ClientTestSuite) TestKeyringTokenSkipsBootstrap() {
	store := credential.New(keyring.NewArrayKeyring(nil))
	s.Require().NoError(store.Set(credential.SessionTokenKey, testToken))
	client := New(models.MustEndpoint(s.server.URL), Options{Tokens: store})

	s.mux.HandleFunc("GET /api/email/labels", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []models.Label{{ID: "INBOX", Name: "Inbox"}})
	})

	labels, err := client.ListLabels(context.Background(), "a1")
	s.Require().NoError(err)
	s.Equal([]models.Label{{ID: "INBOX", Name: "Inbox"}}, labels)
	s.Zero(s.tokenHits.Load())
}

func (s *ClientTestSuite) TestStaleKeyringTokenFallsBackToBootstrap() {
	store := credential.New(keyring.NewArrayKeyring(nil))
	s.Require().NoError(store.Set(credential.SessionTokenKey, "previous-launch"))
	client := New(models.MustEndpoint(s.server.URL), Options{Tokens: store})

	s.mux.HandleFunc("GET /api/email/labels", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []models.Label{})
	})

	_, err := client.ListLabels(context.Background(), "a1")
	s.Require().NoError(err)
	s.Equal(int32(1), s.tokenHits.Load())

	_, err = client.ListLabels(context.Background(), "a1")
	s.Require().NoError(err)
	s.Equal(int32(1), s.tokenHits.Load())
}

func (s *ClientTestSuite) TestRejectedBootstrapTokenIsSessionError() {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/auth/token" {
			writeJSON(w, http.StatusOK, map[string]string{"token": "never-accepted"})
			return
		}
		writeJSON(w, http.StatusUnauthorized, map[string]string{"code": "UNAUTHORIZED", "message": "invalid session token"})
	}))
	defer server.Close()

	_, err := New(models.MustEndpoint(server.URL), Options{}).ListLabels(context.Background(), "a1")

	s.Require().ErrorIs(err, ErrSessionRejected)
	s.Contains(err.Error(), "invalid session token")
	var apiErr *APIError
	s.False(errors.As(err, &apiErr))
}

func (s *ClientTestSuite) TestListLabelsSendsAccount() {
	s.mux.HandleFunc("GET /api/email/labels", func(w http.ResponseWriter, r *http.Request) {
		s.Equal("acc 1", r.URL.Query().Get("account_id"))
		_, _ = w.Write([]byte(`[{"id":"INBOX","name":"INBOX","type":"system","messagesTotal":12,"messagesUnread":3}]`))
	})

	labels, err := s.client.ListLabels(context.Background(), "acc 1")
	s.Require().NoError(err)
	s.Require().Len(labels, 1)
	s.Equal(12, labels[0].MessagesTotal)
	s.Equal(3, labels[0].MessagesUnread)
}

func (s *ClientTestSuite) TestExpiredAccountIsStructured() {
	s.mux.HandleFunc("GET /api/email/labels", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Access token expired. Please reconnect your account."})
	})

	_, err := s.client.ListLabels(context.Background(), "a1")
	var apiErr *APIError
	s.Require().ErrorAs(err, &apiErr)
	s.Equal(http.StatusUnauthorized, apiErr.HTTPStatus())
	s.Empty(apiErr.ErrorCode())
	s.Equal("Access token expired. Please reconnect your account.", apiErr.Message)
}

func (s *ClientTestSuite) TestServerErrorIsNotRetried() {
	var hits atomic.Int32
	s.mux.HandleFunc("DELETE /api/email/auth/disconnect/{id}", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "database is locked", http.StatusInternalServerError)
	})

	err := s.client.DisconnectAccount(context.Background(), "a1")
	var apiErr *APIError
	s.Require().ErrorAs(err, &apiErr)
	s.Equal(http.StatusInternalServerError, apiErr.StatusCode)
	s.Equal("database is locked", apiErr.Message)
	s.Equal(int32(1), hits.Load())
}

func (s *ClientTestSuite) TestValidationDetailList() {
	s.mux.HandleFunc("PUT /api/email/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"detail": []map[string]string{{"msg": "field required"}},
		})
	})

	err := s.client.ModifyMessage(context.Background(), "a1", "m1", models.ModifyMessageRequest{})
	var apiErr *APIError
	s.Require().ErrorAs(err, &apiErr)
	s.Contains(apiErr.Message, "field required")
}

func (s *ClientTestSuite) TestModifyMessage() {
	s.mux.HandleFunc("PUT /api/email/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		s.Equal("m/1", r.PathValue("id"))
		s.Equal("a1", r.URL.Query().Get("account_id"))
		var req models.ModifyMessageRequest
		s.NoError(json.NewDecoder(r.Body).Decode(&req))
		s.Equal([]string{"STARRED"}, req.AddLabelIDs)
		s.Equal([]string{"UNREAD"}, req.RemoveLabelIDs)
		writeJSON(w, http.StatusOK, map[string]any{"id": "m/1"})
	})

	err := s.client.ModifyMessage(context.Background(), "a1", "m/1", models.ModifyMessageRequest{
		AddLabelIDs:    []string{"STARRED"},
		RemoveLabelIDs: []string{"UNREAD"},
	})
	s.NoError(err)
}

func (s *ClientTestSuite) TestDeleteMessage() {
	s.mux.HandleFunc("DELETE /api/email/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		s.Equal("true", r.URL.Query().Get("permanent"))
		writeJSON(w, http.StatusOK, models.DeleteResult{Deleted: true, MessageID: r.PathValue("id"), Permanent: true})
	})

	result, err := s.client.DeleteMessage(context.Background(), "a1", "m1", true)
	s.Require().NoError(err)
	s.Equal(&models.DeleteResult{Deleted: true, MessageID: "m1", Permanent: true}, result)
}

func (s *ClientTestSuite) TestReauthorizeAndInitiate() {
	s.mux.HandleFunc("POST /api/email/auth/reauthorize/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, models.Authorization{AuthURL: "https://accounts.example/auth?state=x", State: "x"})
	})
	s.mux.HandleFunc("POST /api/email/auth/initiate", func(w http.ResponseWriter, r *http.Request) {
		var creds models.OAuthCredentials
		s.NoError(json.NewDecoder(r.Body).Decode(&creds))
		s.Equal("client", creds.ClientID)
		writeJSON(w, http.StatusOK, models.Authorization{AuthURL: "https://accounts.example/auth?state=y", State: "y"})
	})

	auth, err := s.client.Reauthorize(context.Background(), "a1")
	s.Require().NoError(err)
	s.Equal("x", auth.State)

	auth, err = s.client.InitiateOAuth(context.Background(), models.OAuthCredentials{ClientID: "client", ClientSecret: "secret"})
	s.Require().NoError(err)
	s.Equal("y", auth.State)
}

func (s *ClientTestSuite) TestReauthorizeRequiresURL() {
	s.mux.HandleFunc("POST /api/email/auth/reauthorize/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{})
	})

	_, err := s.client.Reauthorize(context.Background(), "a1")
	s.ErrorIs(err, ErrUnexpectedResponse)
}

func (s *ClientTestSuite) TestBootstrapFailureHidesStatus() {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"code": "UNAUTHORIZED", "message": "no"})
	}))
	defer server.Close()

	_, err := New(models.MustEndpoint(server.URL), Options{}).ListAccounts(context.Background())
	s.Require().ErrorIs(err, ErrNoToken)
	var apiErr *APIError
	s.False(errors.As(err, &apiErr))
}

func TestClientSuite(t *testing.T) {
	suite.Run(t, new(ClientTestSuite))
}

func TestConnectionErrorIsTransport(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := listener.Addr().String()
	_ = listener.Close()

	store := credential.New(keyring.NewArrayKeyring(nil))
	if err := store.Set(credential.SessionTokenKey, testToken); err != nil {
		t.Fatal(err)
	}
	client := New(models.MustEndpoint("http://"+addr), Options{
		Tokens:       store,
		RetryMax:     1,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: time.Millisecond,
	})

	_, err = client.ListLabels(context.Background(), "a1")
	var urlErr *url.Error
	if !errors.As(err, &urlErr) {
		t.Fatalf("expected *url.Error in chain, got %v", err)
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		t.Fatalf("connection error must not look like a backend answer: %v", err)
	}
}

func TestCustomRetryPolicy(t *testing.T) {
	ctx := context.Background()

	retry, err := customRetryPolicy(ctx, &http.Response{StatusCode: http.StatusBadGateway}, nil)
	if retry || err != nil {
		t.Fatalf("status answers must not be retried: %v %v", retry, err)
	}

	retry, _ = customRetryPolicy(ctx, nil, errors.New("connection refused"))
	if !retry {
		t.Fatal("connection errors must be retried")
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	retry, err = customRetryPolicy(cancelled, nil, errors.New("connection refused"))
	if retry || !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled context must stop retries: %v %v", retry, err)
	}
}
