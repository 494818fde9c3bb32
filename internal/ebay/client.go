package ebay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	prodAPIBase      = "https://api.ebay.com"
	sandboxAPIBase   = "https://api.sandbox.ebay.com"
	prodAuthorize    = "https://auth.ebay.com/oauth2/authorize"
	sandboxAuthorize = "https://auth.sandbox.ebay.com/oauth2/authorize"
)

// Client issues authenticated calls against the eBay REST APIs. It keeps no
// state beyond the base hosts; a failed call surfaces eBay's error body to
// the caller unchanged. No retries.
type Client struct {
	HTTP     *http.Client
	APIBase  string
	AuthBase string
}

func NewClient(isSandbox bool) *Client {
	base := prodAPIBase
	if isSandbox {
		base = sandboxAPIBase
	}
	return &Client{
		HTTP:     http.DefaultClient,
		APIBase:  base,
		AuthBase: base,
	}
}

// AuthorizeURL is the user-consent page for the authorization-code grant.
func AuthorizeURL(isSandbox bool) string {
	if isSandbox {
		return sandboxAuthorize
	}
	return prodAuthorize
}

// APIError carries eBay's status and raw error body up to the caller.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ebay api status %d: %s", e.Status, e.Body)
}

type Money struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

// Offer is the marketplace-internal sellable unit; Listing.ListingID is its
// public-facing identifier once published.
type Offer struct {
	OfferID string `json:"offerId"`
	SKU     string `json:"sku"`
	Status  string `json:"status"`
	Format  string `json:"format"`
	Listing struct {
		ListingID     string `json:"listingId"`
		ListingStatus string `json:"listingStatus"`
	} `json:"listing"`
}

type OffersPage struct {
	Total  int     `json:"total"`
	Size   int     `json:"size"`
	Href   string  `json:"href"`
	Next   string  `json:"next"`
	Offers []Offer `json:"offers"`
}

type LineItem struct {
	LineItemID   string `json:"lineItemId"`
	LegacyItemID string `json:"legacyItemId"`
	SKU          string `json:"sku"`
	Title        string `json:"title"`
	Quantity     int    `json:"quantity"`
	LineItemCost Money  `json:"lineItemCost"`
	Total        Money  `json:"total"`
}

type Order struct {
	OrderID                string `json:"orderId"`
	CreationDate           string `json:"creationDate"`
	LastModifiedDate       string `json:"lastModifiedDate"`
	OrderFulfillmentStatus string `json:"orderFulfillmentStatus"`
	OrderPaymentStatus     string `json:"orderPaymentStatus"`
	Buyer                  struct {
		Username string `json:"username"`
	} `json:"buyer"`
	LineItems []LineItem `json:"lineItems"`
}

type OrdersPage struct {
	Href   string  `json:"href"`
	Next   string  `json:"next"`
	Limit  int     `json:"limit"`
	Offset int     `json:"offset"`
	Total  int     `json:"total"`
	Orders []Order `json:"orders"`
}

type TokenResponse struct {
	AccessToken           string `json:"access_token"`
	TokenType             string `json:"token_type"`
	ExpiresIn             int64  `json:"expires_in"`
	RefreshToken          string `json:"refresh_token"`
	RefreshTokenExpiresIn int64  `json:"refresh_token_expires_in"`
}

func (c *Client) getJSON(ctx context.Context, accessToken, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.APIBase+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	res, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	raw, _ := io.ReadAll(res.Body)
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return &APIError{Status: res.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode ebay response: %w", err)
	}
	return nil
}

// GetOffer resolves one offer, including its published listing id.
func (c *Client) GetOffer(ctx context.Context, accessToken, offerID string) (*Offer, error) {
	var o Offer
	if err := c.getJSON(ctx, accessToken, "/sell/inventory/v1/offer/"+url.PathEscape(offerID), &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// ListOffers pages the seller's inventory offers, optionally scoped to a SKU.
func (c *Client) ListOffers(ctx context.Context, accessToken, sku string, limit, offset int) (*OffersPage, error) {
	q := url.Values{}
	if sku != "" {
		q.Set("sku", sku)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	path := "/sell/inventory/v1/offer"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var page OffersPage
	if err := c.getJSON(ctx, accessToken, path, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

type SearchOrdersParams struct {
	Limit  int
	Offset int
	// NotStarted restricts the search server-side to orders not yet fully
	// fulfilled.
	NotStarted bool
}

// SearchOrders pages the fulfillment order search. The response carries a
// `next` cursor URL when more pages exist.
func (c *Client) SearchOrders(ctx context.Context, accessToken string, p SearchOrdersParams) (*OrdersPage, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(p.Limit))
	q.Set("offset", strconv.Itoa(p.Offset))
	if p.NotStarted {
		q.Set("filter", "orderfulfillmentstatus:{NOT_STARTED|IN_PROGRESS}")
	}
	var page OrdersPage
	if err := c.getJSON(ctx, accessToken, "/sell/fulfillment/v1/order?"+q.Encode(), &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) postTokenGrant(ctx context.Context, clientID, clientSecret string, form url.Values) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.AuthBase+"/identity/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	basic := base64.StdEncoding.EncodeToString([]byte(clientID + ":" + clientSecret))
	req.Header.Set("Authorization", "Basic "+basic)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	raw, _ := io.ReadAll(res.Body)
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, &APIError{Status: res.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var tok TokenResponse
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, &APIError{Status: res.StatusCode, Body: "token response missing access_token"}
	}
	return &tok, nil
}

// RefreshToken exchanges a stored refresh token for a new access token.
func (c *Client) RefreshToken(ctx context.Context, clientID, clientSecret, refreshToken string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	return c.postTokenGrant(ctx, clientID, clientSecret, form)
}

// ExchangeCode redeems an authorization code from the consent callback.
func (c *Client) ExchangeCode(ctx context.Context, clientID, clientSecret, code, redirectURI string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	return c.postTokenGrant(ctx, clientID, clientSecret, form)
}
