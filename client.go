// Package traderepublic is an unofficial client for the Trade Republic
// broker backend: a small authenticated REST surface plus a long-lived
// websocket channel carrying many concurrent snapshot/delta subscriptions.
package traderepublic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/golang/glog"
)

const defaultApiUrl = "https://api.traderepublic.com"

var ErrNotAuthenticated = errors.New("not authenticated")
var ErrLoginNotInitiated = errors.New("login has not been initiated")
var ErrNoCookies = errors.New("cookie list is empty")

type ClientSettings struct {
	ApiUrl string
	// Accept-Language for REST calls and locale for the stream handshake
	Language string

	Stream *StreamSettings
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		ApiUrl:   defaultApiUrl,
		Language: "en",
		Stream:   DefaultStreamSettings(),
	}
}

// Client holds the session credentials and owns the streaming handle.
//
// The login is two-step: InitiateLogin posts phone and PIN and the backend
// sends a one-time code over the account's second factor; CompleteLogin
// posts the code and yields the session cookies. LoginWithCookies adopts a
// previously captured cookie sequence instead.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings   *ClientSettings
	httpClient *http.Client

	mutex          sync.Mutex
	processId      string
	initialCookies []string
	sessionCookies []string
	deviceKey      *DeviceKey
	pairProcessId  string

	stream *StreamClient
}

func NewClient(language string) *Client {
	settings := DefaultClientSettings()
	if language != "" {
		settings.Language = language
		settings.Stream.Locale = language
	}
	return NewClientWithSettings(context.Background(), settings)
}

func NewClientWithSettings(ctx context.Context, settings *ClientSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)
	client := &Client{
		ctx:        cancelCtx,
		cancel:     cancel,
		settings:   settings,
		httpClient: defaultClient(),
	}
	client.stream = newStreamClient(cancelCtx, settings.Stream, client.SessionCookies)
	return client
}

// Stream is the streaming handle bound to this session's cookies.
func (self *Client) Stream() *StreamClient {
	return self.stream
}

type LoginProcess struct {
	ProcessId          string `json:"processId"`
	CountdownInSeconds int    `json:"countdownInSeconds"`
	TwoFactor          string `json:"2fa"`
}

// InitiateLogin starts the web login. The returned process carries the OTP
// countdown and the second-factor channel.
func (self *Client) InitiateLogin(ctx context.Context, phoneNumber string, pin string) (*LoginProcess, error) {
	args := map[string]string{
		"phoneNumber": phoneNumber,
		"pin":         pin,
	}
	response, body, err := doRequest(
		ctx,
		self.httpClient,
		self.settings.ApiUrl,
		http.MethodPost,
		"/api/v1/auth/web/login",
		args,
		&requestOptions{
			language: self.settings.Language,
		},
	)
	if err != nil {
		return nil, err
	}

	process := &LoginProcess{}
	if err := json.Unmarshal(body, process); err != nil {
		return nil, err
	}

	self.mutex.Lock()
	self.processId = process.ProcessId
	self.initialCookies = extractCookies(response)
	self.sessionCookies = nil
	self.mutex.Unlock()

	glog.V(1).Infof("[c]login initiated, otp via %s\n", process.TwoFactor)
	return process, nil
}

// CompleteLogin posts the OTP and stores the session cookies. Calling it
// before InitiateLogin, or after an initiate that set no cookies, fails
// before any I/O.
func (self *Client) CompleteLogin(ctx context.Context, otp string) error {
	self.mutex.Lock()
	processId := self.processId
	initialCookies := self.initialCookies
	self.mutex.Unlock()

	if processId == "" {
		return ErrLoginNotInitiated
	}
	if len(initialCookies) == 0 {
		return ErrNoCookies
	}

	path := fmt.Sprintf("/api/v1/auth/web/login/%s/%s", processId, otp)
	response, _, err := doRequest(
		ctx,
		self.httpClient,
		self.settings.ApiUrl,
		http.MethodPost,
		path,
		nil,
		&requestOptions{
			cookies:  initialCookies,
			language: self.settings.Language,
		},
	)
	if err != nil {
		return err
	}

	sessionCookies := extractCookies(response)
	if len(sessionCookies) == 0 {
		return ErrNoCookies
	}

	self.mutex.Lock()
	self.sessionCookies = sessionCookies
	self.processId = ""
	self.initialCookies = nil
	self.mutex.Unlock()

	glog.V(1).Infof("[c]login complete\n")
	return nil
}

// LoginWithCookies adopts a pre-existing session cookie sequence.
func (self *Client) LoginWithCookies(cookies []string) error {
	if len(cookies) == 0 {
		return ErrNoCookies
	}
	self.mutex.Lock()
	self.sessionCookies = append([]string{}, cookies...)
	self.mutex.Unlock()
	return nil
}

// SessionCookies returns the current session cookie sequence, nil before
// login.
func (self *Client) SessionCookies() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.sessionCookies == nil {
		return nil
	}
	return append([]string{}, self.sessionCookies...)
}

func (self *Client) IsAuthenticated() bool {
	cookies := self.SessionCookies()
	if len(cookies) == 0 {
		return false
	}
	return !sessionExpired(cookies)
}

// sessionExpired inspects JWT-shaped session cookies for an elapsed exp
// claim. The token is not verified; expiry is a client-side hint and the
// backend remains the authority.
func sessionExpired(cookies []string) bool {
	parser := gojwt.NewParser()
	for _, cookie := range cookies {
		_, value, ok := strings.Cut(cookie, "=")
		if !ok {
			continue
		}
		token, _, err := parser.ParseUnverified(value, gojwt.MapClaims{})
		if err != nil {
			continue
		}
		expiration, err := token.Claims.GetExpirationTime()
		if err != nil || expiration == nil {
			continue
		}
		if expiration.Before(time.Now()) {
			return true
		}
	}
	return false
}

// Logout invalidates the session on the backend and drops all local
// credentials.
func (self *Client) Logout(ctx context.Context) error {
	cookies := self.SessionCookies()
	if len(cookies) == 0 {
		return ErrNotAuthenticated
	}

	_, _, err := doRequest(
		ctx,
		self.httpClient,
		self.settings.ApiUrl,
		http.MethodPost,
		"/api/v1/auth/web/logout",
		nil,
		&requestOptions{
			cookies:  cookies,
			language: self.settings.Language,
		},
	)

	self.mutex.Lock()
	self.sessionCookies = nil
	self.processId = ""
	self.initialCookies = nil
	self.mutex.Unlock()

	return err
}

// SetDeviceKey arms request signing for endpoints that require a paired
// device key.
func (self *Client) SetDeviceKey(deviceKey *DeviceKey) {
	self.mutex.Lock()
	self.deviceKey = deviceKey
	self.mutex.Unlock()
}

func (self *Client) DeviceKey() *DeviceKey {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.deviceKey
}

// PairDevice starts the device reset flow. The backend sends an OTP over
// the account's second factor; CompletePairing uploads the new key.
func (self *Client) PairDevice(ctx context.Context, phoneNumber string, pin string) (*LoginProcess, error) {
	args := map[string]string{
		"phoneNumber": phoneNumber,
		"pin":         pin,
	}
	_, body, err := doRequest(
		ctx,
		self.httpClient,
		self.settings.ApiUrl,
		http.MethodPost,
		"/api/v1/auth/account/reset/device",
		args,
		&requestOptions{
			language: self.settings.Language,
		},
	)
	if err != nil {
		return nil, err
	}

	process := &LoginProcess{}
	if err := json.Unmarshal(body, process); err != nil {
		return nil, err
	}

	self.mutex.Lock()
	self.pairProcessId = process.ProcessId
	self.mutex.Unlock()
	return process, nil
}

// CompletePairing confirms the device reset with the OTP, generates the
// device key, and uploads its public half. On success the key is armed for
// signed requests and returned so the caller can persist it.
func (self *Client) CompletePairing(ctx context.Context, otp string) (*DeviceKey, error) {
	self.mutex.Lock()
	processId := self.pairProcessId
	self.mutex.Unlock()

	if processId == "" {
		return nil, ErrLoginNotInitiated
	}

	deviceKey, err := NewDeviceKey()
	if err != nil {
		return nil, err
	}

	args := map[string]string{
		"code":      otp,
		"deviceKey": deviceKey.PublicKeyBase64(),
	}
	path := fmt.Sprintf("/api/v1/auth/account/reset/device/%s/key", processId)
	_, _, err = doRequest(
		ctx,
		self.httpClient,
		self.settings.ApiUrl,
		http.MethodPost,
		path,
		args,
		&requestOptions{
			language: self.settings.Language,
		},
	)
	if err != nil {
		return nil, err
	}

	self.mutex.Lock()
	self.deviceKey = deviceKey
	self.pairProcessId = ""
	self.mutex.Unlock()
	return deviceKey, nil
}

// Close cancels the client and its stream.
func (self *Client) Close() {
	self.stream.Disconnect()
	self.cancel()
}
