package traderepublic

import (
	"context"
	"encoding/json"
	"net/http"
)

// Read-only REST surface. Responses are opaque JSON; schema validation is
// the caller's concern.

func (self *Client) Account(ctx context.Context) (json.RawMessage, error) {
	return self.getAuthenticated(ctx, "/api/v2/auth/account")
}

func (self *Client) TrendingStocks(ctx context.Context) (json.RawMessage, error) {
	return self.getAuthenticated(ctx, "/api/v1/ranking/trendingStocks")
}

func (self *Client) TaxExemptionOrders(ctx context.Context) (json.RawMessage, error) {
	return self.getAuthenticated(ctx, "/api/v1/taxes/exemptionorders")
}

func (self *Client) PersonalDetails(ctx context.Context) (json.RawMessage, error) {
	return self.getAuthenticated(ctx, "/api/v1/customer/personal-details")
}

func (self *Client) PaymentMethods(ctx context.Context) (json.RawMessage, error) {
	return self.getAuthenticated(ctx, "/api/v2/payment/methods")
}

func (self *Client) TaxResidencies(ctx context.Context) (json.RawMessage, error) {
	return self.getAuthenticated(ctx, "/api/v1/country/taxresidency")
}

func (self *Client) TaxInformation(ctx context.Context) (json.RawMessage, error) {
	return self.getAuthenticated(ctx, "/api/v1/taxes/information")
}

func (self *Client) Documents(ctx context.Context) (json.RawMessage, error) {
	return self.getAuthenticated(ctx, "/api/v1/documents/all")
}

func (self *Client) getAuthenticated(ctx context.Context, path string) (json.RawMessage, error) {
	cookies := self.SessionCookies()
	if len(cookies) == 0 {
		return nil, ErrNotAuthenticated
	}

	_, body, err := doRequest(
		ctx,
		self.httpClient,
		self.settings.ApiUrl,
		http.MethodGet,
		path,
		nil,
		&requestOptions{
			cookies:   cookies,
			language:  self.settings.Language,
			deviceKey: self.DeviceKey(),
		},
	)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}
