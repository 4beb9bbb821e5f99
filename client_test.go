package traderepublic

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func newTestClient(serverUrl string) *Client {
	settings := DefaultClientSettings()
	settings.ApiUrl = serverUrl
	return NewClientWithSettings(context.Background(), settings)
}

func TestLoginFlow(t *testing.T) {
	var initiateBody map[string]string
	var completeCookie string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/auth/web/login":
			assert.Equal(t, r.Method, http.MethodPost)
			assert.Equal(t, r.Header.Get("Content-Type"), "application/json")
			json.NewDecoder(r.Body).Decode(&initiateBody)
			w.Header().Add("Set-Cookie", "tr_process=p1; Path=/; HttpOnly")
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"processId":"proc-123","countdownInSeconds":60,"2fa":"SMS"}`))
		case "/api/v1/auth/web/login/proc-123/1337":
			completeCookie = r.Header.Get("Cookie")
			w.Header().Add("Set-Cookie", "tr_session=sess-abc; Path=/; HttpOnly")
			w.Header().Add("Set-Cookie", "tr_refresh=ref-xyz; Path=/; HttpOnly")
			w.Write([]byte(`{}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	assert.Equal(t, client.IsAuthenticated(), false)

	process, err := client.InitiateLogin(context.Background(), "+4915112345678", "1234")
	assert.Equal(t, err, nil)
	assert.Equal(t, process.ProcessId, "proc-123")
	assert.Equal(t, process.CountdownInSeconds, 60)
	assert.Equal(t, process.TwoFactor, "SMS")
	assert.Equal(t, initiateBody["phoneNumber"], "+4915112345678")
	assert.Equal(t, initiateBody["pin"], "1234")
	assert.Equal(t, client.IsAuthenticated(), false)

	err = client.CompleteLogin(context.Background(), "1337")
	assert.Equal(t, err, nil)
	// the initiate cookies ride along on the complete call
	assert.Equal(t, completeCookie, "tr_process=p1")
	assert.Equal(t, client.IsAuthenticated(), true)
	assert.Equal(t, client.SessionCookies(), []string{"tr_session=sess-abc", "tr_refresh=ref-xyz"})
}

func TestCompleteLoginBeforeInitiate(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests += 1
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	err := client.CompleteLogin(context.Background(), "1337")
	assert.Equal(t, err, ErrLoginNotInitiated)
	// misuse fails before any I/O
	assert.Equal(t, requests, 0)
}

func TestCompleteLoginWithoutInitialCookies(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests += 1
		if r.URL.Path == "/api/v1/auth/web/login" {
			w.Write([]byte(`{"processId":"proc-123","countdownInSeconds":60,"2fa":"SMS"}`))
			return
		}
		t.Fatalf("unexpected request %s", r.URL.Path)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.InitiateLogin(context.Background(), "+4915112345678", "1234")
	assert.Equal(t, err, nil)

	err = client.CompleteLogin(context.Background(), "1337")
	assert.Equal(t, err, ErrNoCookies)
	assert.Equal(t, requests, 1)
}

func TestLoginWithCookies(t *testing.T) {
	client := NewClient("en")

	err := client.LoginWithCookies([]string{})
	assert.Equal(t, err, ErrNoCookies)
	assert.Equal(t, client.IsAuthenticated(), false)

	err = client.LoginWithCookies([]string{"tr_session=abc"})
	assert.Equal(t, err, nil)
	assert.Equal(t, client.IsAuthenticated(), true)
}

func TestIsAuthenticatedExpiredJwt(t *testing.T) {
	expired := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	expiredToken, err := expired.SignedString([]byte("test"))
	assert.Equal(t, err, nil)

	client := NewClient("en")
	err = client.LoginWithCookies([]string{"tr_session=" + expiredToken})
	assert.Equal(t, err, nil)
	assert.Equal(t, client.IsAuthenticated(), false)

	valid := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	validToken, err := valid.SignedString([]byte("test"))
	assert.Equal(t, err, nil)

	err = client.LoginWithCookies([]string{"tr_session=" + validToken})
	assert.Equal(t, err, nil)
	assert.Equal(t, client.IsAuthenticated(), true)
}

func TestEndpointsRequireAuthentication(t *testing.T) {
	client := NewClient("en")
	_, err := client.Account(context.Background())
	assert.Equal(t, err, ErrNotAuthenticated)

	err = client.Stream().Connect(context.Background())
	assert.Equal(t, err, ErrNotAuthenticated)
}

func TestGetEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, r.URL.Path, "/api/v1/ranking/trendingStocks")
		assert.Equal(t, r.Method, http.MethodGet)
		assert.Equal(t, r.Header.Get("Cookie"), "tr_session=abc")
		assert.Equal(t, r.Header.Get("Accept-Language"), "de")
		w.Write([]byte(`{"results":[{"isin":"US0378331005"}]}`))
	}))
	defer server.Close()

	settings := DefaultClientSettings()
	settings.ApiUrl = server.URL
	settings.Language = "de"
	client := NewClientWithSettings(context.Background(), settings)
	client.LoginWithCookies([]string{"tr_session=abc"})

	raw, err := client.TrendingStocks(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, string(raw), `{"results":[{"isin":"US0378331005"}]}`)
}

func TestRequestError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"errors":[{"errorCode":"AUTH"}]}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	client.LoginWithCookies([]string{"tr_session=stale"})

	_, err := client.Account(context.Background())
	assert.NotEqual(t, err, nil)

	var requestErr *RequestError
	assert.Equal(t, errors.As(err, &requestErr), true)
	assert.Equal(t, requestErr.Status, http.StatusUnauthorized)
	assert.Equal(t, requestErr.StatusText, "Unauthorized")
	assert.Equal(t, requestErr.Body, `{"errors":[{"errorCode":"AUTH"}]}`)
}

func TestSignedRequestHeaders(t *testing.T) {
	var timestamp string
	var signature string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timestamp = r.Header.Get("X-Zeta-Timestamp")
		signature = r.Header.Get("X-Zeta-Signature")
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	deviceKey, err := NewDeviceKey()
	assert.Equal(t, err, nil)

	client := newTestClient(server.URL)
	client.LoginWithCookies([]string{"tr_session=abc"})
	client.SetDeviceKey(deviceKey)

	_, err = client.Account(context.Background())
	assert.Equal(t, err, nil)
	assert.NotEqual(t, timestamp, "")
	assert.NotEqual(t, signature, "")
}

func TestLogout(t *testing.T) {
	logoutCalls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, r.URL.Path, "/api/v1/auth/web/logout")
		assert.Equal(t, r.Header.Get("Cookie"), "tr_session=abc")
		logoutCalls += 1
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)

	err := client.Logout(context.Background())
	assert.Equal(t, err, ErrNotAuthenticated)

	client.LoginWithCookies([]string{"tr_session=abc"})
	err = client.Logout(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, logoutCalls, 1)
	assert.Equal(t, client.IsAuthenticated(), false)
}

func TestPairDevice(t *testing.T) {
	var uploadedKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/auth/account/reset/device":
			w.Write([]byte(`{"processId":"pair-1"}`))
		case "/api/v1/auth/account/reset/device/pair-1/key":
			body := map[string]string{}
			json.NewDecoder(r.Body).Decode(&body)
			assert.Equal(t, body["code"], "4242")
			uploadedKey = body["deviceKey"]
			w.Write([]byte(`{}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := newTestClient(server.URL)

	_, err := client.CompletePairing(context.Background(), "4242")
	assert.Equal(t, err, ErrLoginNotInitiated)

	_, err = client.PairDevice(context.Background(), "+4915112345678", "1234")
	assert.Equal(t, err, nil)

	deviceKey, err := client.CompletePairing(context.Background(), "4242")
	assert.Equal(t, err, nil)
	assert.Equal(t, uploadedKey, deviceKey.PublicKeyBase64())
	assert.Equal(t, client.DeviceKey(), deviceKey)
}
