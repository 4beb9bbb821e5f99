package traderepublic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

// RequestError is any non-2xx REST response.
type RequestError struct {
	Status     int
	StatusText string
	Body       string
}

func (self *RequestError) Error() string {
	return fmt.Sprintf("request failed: %d %s: %s", self.Status, self.StatusText, self.Body)
}

type requestOptions struct {
	cookies   []string
	language  string
	deviceKey *DeviceKey
}

// doRequest executes one REST call against the broker host. POST carries the
// JSON body; GET carries none. When a device key is armed the call is signed
// with X-Zeta-Timestamp / X-Zeta-Signature. The raw response is returned so
// callers can extract Set-Cookie headers.
func doRequest(
	ctx context.Context,
	httpClient *http.Client,
	apiUrl string,
	method string,
	path string,
	args any,
	opts *requestOptions,
) (*http.Response, []byte, error) {
	var bodyBytes []byte
	if method == http.MethodPost {
		var err error
		bodyBytes, err = jsonMarshal(args)
		if err != nil {
			return nil, nil, err
		}
	}

	url := apiUrl + path
	request, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, nil, err
	}

	request.Header.Set("Content-Type", "application/json")
	if opts.language != "" {
		request.Header.Set("Accept-Language", opts.language)
	}
	if 0 < len(opts.cookies) {
		request.Header.Set("Cookie", strings.Join(opts.cookies, "; "))
	}
	if opts.deviceKey != nil {
		timestamp, signature, err := opts.deviceKey.signText(string(bodyBytes))
		if err != nil {
			return nil, nil, err
		}
		request.Header.Set("X-Zeta-Timestamp", timestamp)
		request.Header.Set("X-Zeta-Signature", signature)
	}

	response, err := httpClient.Do(request)
	if err != nil {
		return nil, nil, err
	}
	defer response.Body.Close()

	responseBodyBytes, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, nil, err
	}

	if response.StatusCode < 200 || 300 <= response.StatusCode {
		glog.V(1).Infof("[api]%s %s = %d\n", method, path, response.StatusCode)
		return nil, nil, &RequestError{
			Status:     response.StatusCode,
			StatusText: http.StatusText(response.StatusCode),
			Body:       strings.TrimSpace(string(responseBodyBytes)),
		}
	}

	return response, responseBodyBytes, nil
}

func jsonMarshal(args any) ([]byte, error) {
	if args == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(args)
}
